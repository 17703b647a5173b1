package wasm_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aretw0/espalier/pkg/adapters/wasm"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/host"
	"github.com/aretw0/espalier/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const canned = `{"Snapshot":{"operations":[{"Info":"from wasm"}],"state":"{\"n\":1}"}}`

func newCache(t *testing.T) *wasm.ModuleCache {
	t.Helper()
	ctx := context.Background()
	cache, err := wasm.NewModuleCache(ctx, wasm.WithMemoryLimitPages(16))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close(ctx) })
	return cache
}

func writeModule(t *testing.T, dir, name string, code []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), code, 0o644))
}

func TestModuleCache_LoadDirectory(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0o755))
	writeModule(t, dir, "canned.wasm", cannedModule(canned))
	writeModule(t, filepath.Join(dir, "nested"), "trap.wasm", trappingModule())
	writeModule(t, dir, "README.md", []byte("not a module"))

	cache := newCache(t)
	require.NoError(t, cache.LoadDirectory(ctx, dir))

	assert.Equal(t, []string{"canned.wasm", "trap.wasm"}, cache.Modules())
	_, ok := cache.GetModule("canned.wasm")
	assert.True(t, ok)
}

func TestModuleCache_LoadDirectoryRejectsBadModule(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeModule(t, dir, "broken.wasm", []byte("\x00asm garbage"))

	cache := newCache(t)
	assert.Error(t, cache.LoadDirectory(ctx, dir))
	assert.Empty(t, cache.Modules())
}

func TestInstance_DriverRoundTrip(t *testing.T) {
	ctx := context.Background()
	cache := newCache(t)
	require.NoError(t, cache.Compile(ctx, "canned.wasm", cannedModule(canned)))

	inst, err := cache.Instantiate(ctx, "canned.wasm")
	require.NoError(t, err)
	defer inst.Close(ctx)

	resp, err := host.NewDriver(inst).Execute(ctx, protocol.NewInitialization(`{}`))
	require.NoError(t, err)
	require.NotNil(t, resp.Snapshot)
	assert.Equal(t, `{"n":1}`, resp.Snapshot.State)
	assert.Equal(t, []protocol.Operation{protocol.InfoOperation("from wasm")}, resp.Snapshot.Operations)
}

func TestInstance_Faults(t *testing.T) {
	ctx := context.Background()
	cache := newCache(t)
	require.NoError(t, cache.Compile(ctx, "trap.wasm", trappingModule()))
	require.NoError(t, cache.Compile(ctx, "stray.wasm", strayModule()))

	t.Run("Trap", func(t *testing.T) {
		inst, err := cache.Instantiate(ctx, "trap.wasm")
		require.NoError(t, err)
		defer inst.Close(ctx)

		_, err = host.NewDriver(inst).Execute(ctx, protocol.NewInitialization(`{}`))
		assert.ErrorIs(t, err, host.ErrSandboxFault)
	})

	t.Run("Out Of Bounds Output", func(t *testing.T) {
		inst, err := cache.Instantiate(ctx, "stray.wasm")
		require.NoError(t, err)
		defer inst.Close(ctx)

		_, err = host.NewDriver(inst).Execute(ctx, protocol.NewInitialization(`{}`))
		assert.ErrorIs(t, err, host.ErrOutOfBounds)
	})

	t.Run("Missing Exports", func(t *testing.T) {
		require.NoError(t, cache.Compile(ctx, "empty.wasm", []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}))

		_, err := cache.Instantiate(ctx, "empty.wasm")
		assert.ErrorIs(t, err, host.ErrSandboxFault)
		assert.ErrorContains(t, err, "missing export")
	})

	t.Run("Unknown Module", func(t *testing.T) {
		_, err := cache.Instantiate(ctx, "nope.wasm")
		assert.ErrorIs(t, err, domain.ErrModuleNotFound)
	})
}

func TestInstance_Independent(t *testing.T) {
	ctx := context.Background()
	cache := newCache(t)
	require.NoError(t, cache.Compile(ctx, "canned.wasm", cannedModule(canned)))

	a, err := cache.Instantiate(ctx, "canned.wasm")
	require.NoError(t, err)
	defer a.Close(ctx)
	b, err := cache.Instantiate(ctx, "canned.wasm")
	require.NoError(t, err)
	defer b.Close(ctx)

	first, err := a.Allocate(ctx, 100)
	require.NoError(t, err)
	second, err := a.Allocate(ctx, 100)
	require.NoError(t, err)
	fresh, err := b.Allocate(ctx, 100)
	require.NoError(t, err)

	assert.Equal(t, uint32(1024), first)
	assert.Equal(t, uint32(1128), second, "bump allocator rounds to 8 bytes")
	assert.Equal(t, first, fresh, "each instance has its own globals and memory")
}

func TestModuleCache_Watch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	writeModule(t, dir, "canned.wasm", cannedModule(canned))

	cache := newCache(t)
	require.NoError(t, cache.LoadDirectory(ctx, dir))

	changes, err := cache.Watch(ctx)
	require.NoError(t, err)

	writeModule(t, dir, "second.wasm", cannedModule(canned))

	select {
	case <-changes:
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after adding a module")
	}
	assert.Equal(t, []string{"canned.wasm", "second.wasm"}, cache.Modules())

	cancel()
	assert.Eventually(t, func() bool {
		_, open := <-changes
		return !open
	}, 2*time.Second, 10*time.Millisecond)
}
