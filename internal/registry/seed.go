package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// LoadSeedDir reads every *.yaml/*.yml kind definition under dir and
// upserts it. Returns the number of kinds loaded.
func (r *Registry) LoadSeedDir(ctx context.Context, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read seed dir %s: %w", dir, err)
	}

	loaded := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		path := filepath.Join(dir, name)
		if err := r.loadSeedFile(ctx, path); err != nil {
			return loaded, fmt.Errorf("seed file %s: %w", name, err)
		}
		loaded++
	}
	return loaded, nil
}

func (r *Registry) loadSeedFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var kind Kind
	if err := yaml.Unmarshal(data, &kind); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	_, err = r.UpsertKind(ctx, &kind)
	return err
}

// WatchSeedDir reloads kind definitions whenever files under dir change.
// Blocks until ctx is cancelled. Reloads are debounced; each reload bumps
// the registry version, which invalidates validators and the OpenAPI doc.
func (r *Registry) WatchSeedDir(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create seed watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	r.logger.Info("watching registry seed directory", zap.String("dir", dir))

	var pending bool
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if !pending {
				pending = true
				debounce.Reset(500 * time.Millisecond)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("seed watcher error", zap.Error(err))
		case <-debounce.C:
			pending = false
			n, err := r.LoadSeedDir(ctx, dir)
			if err != nil {
				r.logger.Error("seed reload failed", zap.Error(err))
				continue
			}
			r.logger.Info("registry seeds reloaded", zap.Int("kinds", n))
		}
	}
}
