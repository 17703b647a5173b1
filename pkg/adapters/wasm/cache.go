package wasm

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/aretw0/espalier/internal/logging"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/host"
	"github.com/aretw0/espalier/pkg/ports"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Extension marks files picked up by LoadDirectory.
const Extension = ".wasm"

// ModuleCache compiles guest modules once and instantiates them per request.
// Modules are keyed by file name, e.g. "counter.wasm". It implements
// ports.ModuleSource and ports.Watchable.
type ModuleCache struct {
	runtime wazero.Runtime
	logger  *slog.Logger

	mu      sync.RWMutex
	dir     string
	modules map[string]wazero.CompiledModule
}

var (
	_ ports.ModuleSource = (*ModuleCache)(nil)
	_ ports.Watchable    = (*ModuleCache)(nil)
)

// Option configures a ModuleCache.
type Option func(*options)

type options struct {
	memoryLimitPages uint32
	logger           *slog.Logger
}

// WithMemoryLimitPages caps the linear memory of every instance, in 64 KiB pages.
func WithMemoryLimitPages(pages uint32) Option {
	return func(o *options) {
		o.memoryLimitPages = pages
	}
}

// WithLogger sets the logger for load and reload events.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// NewModuleCache creates a wazero runtime with WASI preview1 available to
// guests. Nothing is compiled until LoadDirectory or Compile is called.
func NewModuleCache(ctx context.Context, opts ...Option) (*ModuleCache, error) {
	o := options{logger: logging.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if o.memoryLimitPages > 0 {
		cfg = cfg.WithMemoryLimitPages(o.memoryLimitPages)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	return &ModuleCache{
		runtime: rt,
		logger:  o.logger,
		modules: make(map[string]wazero.CompiledModule),
	}, nil
}

// LoadDirectory compiles every *.wasm file under dir and replaces the cache
// contents. Later reloads rescan the same directory.
func (c *ModuleCache) LoadDirectory(ctx context.Context, dir string) error {
	c.mu.Lock()
	c.dir = dir
	c.mu.Unlock()
	return c.Reload(ctx)
}

// Reload rescans the directory given to LoadDirectory. A module that fails
// to compile aborts the reload and leaves the previous set in place.
func (c *ModuleCache) Reload(ctx context.Context) error {
	c.mu.RLock()
	dir := c.dir
	c.mu.RUnlock()
	if dir == "" {
		return fmt.Errorf("no module directory loaded")
	}

	compiled := make(map[string]wazero.CompiledModule)
	abort := func(err error) error {
		for _, m := range compiled {
			_ = m.Close(ctx)
		}
		return err
	}

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), Extension) {
			return nil
		}
		name := d.Name()
		if _, dup := compiled[name]; dup {
			return fmt.Errorf("duplicate module name %q at %s", name, path)
		}
		code, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read module %s: %w", path, err)
		}
		mod, err := c.runtime.CompileModule(ctx, code)
		if err != nil {
			return fmt.Errorf("failed to compile module %s: %w", path, err)
		}
		compiled[name] = mod
		return nil
	})
	if err != nil {
		return abort(err)
	}

	c.mu.Lock()
	previous := c.modules
	c.modules = compiled
	c.mu.Unlock()

	// In-flight instances keep running after their compiled module closes.
	for _, m := range previous {
		_ = m.Close(ctx)
	}
	c.logger.Info("modules loaded", "dir", dir, "count", len(compiled))
	return nil
}

// Compile adds or replaces a single module from raw bytes.
func (c *ModuleCache) Compile(ctx context.Context, name string, code []byte) error {
	mod, err := c.runtime.CompileModule(ctx, code)
	if err != nil {
		return fmt.Errorf("failed to compile module %s: %w", name, err)
	}
	c.mu.Lock()
	previous, ok := c.modules[name]
	c.modules[name] = mod
	c.mu.Unlock()
	if ok {
		_ = previous.Close(ctx)
	}
	return nil
}

// GetModule returns the compiled module for name.
func (c *ModuleCache) GetModule(name string) (wazero.CompiledModule, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	mod, ok := c.modules[name]
	return mod, ok
}

// Instantiate creates a fresh, anonymous instance of a module. The Go
// reactor initializer "_initialize" runs when the module exports it.
func (c *ModuleCache) Instantiate(ctx context.Context, name string) (host.Instance, error) {
	compiled, ok := c.GetModule(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrModuleNotFound, name)
	}

	cfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_initialize")
	mod, err := c.runtime.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: instantiate %s: %v", host.ErrSandboxFault, name, err)
	}

	inst, err := newInstance(mod)
	if err != nil {
		_ = mod.Close(ctx)
		return nil, fmt.Errorf("%w: module %s: %v", host.ErrSandboxFault, name, err)
	}
	return inst, nil
}

// Modules returns the cached module names, sorted.
func (c *ModuleCache) Modules() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.modules))
	for name := range c.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases the runtime and every compiled module.
func (c *ModuleCache) Close(ctx context.Context) error {
	return c.runtime.Close(ctx)
}
