package wasm

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce coalesces the burst of events a single copy produces.
const debounce = 200 * time.Millisecond

// Watch reloads the cache whenever a .wasm file under the loaded directory
// changes, and signals the returned channel after each successful reload.
// The channel closes when ctx is done.
func (c *ModuleCache) Watch(ctx context.Context) (<-chan struct{}, error) {
	c.mu.RLock()
	dir := c.dir
	c.mu.RUnlock()
	if dir == "" {
		return nil, fmt.Errorf("no module directory loaded")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file system watcher: %w", err)
	}
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	ch := make(chan struct{}, 1)
	go c.watchLoop(ctx, watcher, ch)
	return ch, nil
}

func (c *ModuleCache) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, ch chan<- struct{}) {
	defer close(ch)
	defer watcher.Close()

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				// New subdirectories are watched too; Add fails harmlessly on files.
				_ = watcher.Add(event.Name)
			}
			if !strings.EqualFold(filepath.Ext(event.Name), Extension) {
				continue
			}
			timer.Reset(debounce)

		case <-timer.C:
			if err := c.Reload(ctx); err != nil {
				c.logger.Error("module reload failed", "err", err)
				continue
			}
			select {
			case ch <- struct{}{}:
			default:
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn("module watcher error", "err", err)
		}
	}
}
