package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/aretw0/espalier/pkg/adapters/sqlite"
	"github.com/aretw0/espalier/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteStore_Contract(t *testing.T) {
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "processes.db"))
	require.NoError(t, err)
	defer store.Close()

	ports.RunProcessStoreContract(t, store)
}

func TestSQLiteStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "processes.db")
	ctx := context.Background()

	store, err := sqlite.Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "counter.wasm", "p1", `{"count":9}`))
	require.NoError(t, store.Close())

	reopened, err := sqlite.Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	state, err := reopened.Get(ctx, "counter.wasm", "p1")
	require.NoError(t, err)
	assert.Equal(t, `{"count":9}`, state)
}
