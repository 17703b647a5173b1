package ports

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunProcessStoreContract runs a suite of tests to verify that a ProcessStore implementation
// adheres to the defined interface contract.
func RunProcessStoreContract(t *testing.T, store ProcessStore) {
	ctx := context.Background()
	namespace := "contract.wasm"
	processID := "contract-test-" + time.Now().Format("20060102150405")

	t.Run("Put and Get", func(t *testing.T) {
		state := `{"accumulator":12,"nested":{"list":[1,2,3]}}`

		err := store.Put(ctx, namespace, processID, state)
		require.NoError(t, err, "Put should not return error")

		loaded, err := store.Get(ctx, namespace, processID)
		require.NoError(t, err, "Get should not return error")
		assert.Equal(t, state, loaded, "state is stored byte for byte")
	})

	t.Run("Put Overwrites", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, namespace, processID, `{"v":1}`))
		require.NoError(t, store.Put(ctx, namespace, processID, `{"v":2}`))

		loaded, err := store.Get(ctx, namespace, processID)
		require.NoError(t, err)
		assert.Equal(t, `{"v":2}`, loaded)
	})

	t.Run("Get Non-Existent", func(t *testing.T) {
		_, err := store.Get(ctx, namespace, "non-existent-"+processID)
		assert.ErrorIs(t, err, domain.ErrProcessNotFound)
	})

	t.Run("Namespaces Are Isolated", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, namespace, processID, `{"a":1}`))

		_, err := store.Get(ctx, "other.wasm", processID)
		assert.ErrorIs(t, err, domain.ErrProcessNotFound)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, namespace, processID, `{}`))

		err := store.Delete(ctx, namespace, processID)
		require.NoError(t, err, "Delete should not return error")

		_, err = store.Get(ctx, namespace, processID)
		assert.ErrorIs(t, err, domain.ErrProcessNotFound, "Get after Delete should return ErrProcessNotFound")

		assert.NoError(t, store.Delete(ctx, namespace, processID), "deleting twice is not an error")
	})

	t.Run("List", func(t *testing.T) {
		id1 := processID + "-1"
		id2 := processID + "-2"
		require.NoError(t, store.Put(ctx, namespace, id1, `{}`))
		require.NoError(t, store.Put(ctx, namespace, id2, `{}`))
		require.NoError(t, store.Put(ctx, "other.wasm", processID+"-3", `{}`))

		defer func() {
			_ = store.Delete(ctx, namespace, id1)
			_ = store.Delete(ctx, namespace, id2)
			_ = store.Delete(ctx, "other.wasm", processID+"-3")
		}()

		ids, err := store.List(ctx, namespace)
		require.NoError(t, err)
		assert.Contains(t, ids, id1)
		assert.Contains(t, ids, id2)
		assert.NotContains(t, ids, processID+"-3")
	})

	t.Run("Concurrent Puts", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				id := processID + "-c" + string(rune('a'+i))
				assert.NoError(t, store.Put(ctx, namespace, id, `{}`))
				assert.NoError(t, store.Delete(ctx, namespace, id))
			}(i)
		}
		wg.Wait()
	})
}
