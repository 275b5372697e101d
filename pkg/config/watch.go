package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// reloadDebounce coalesces the burst of events one editor save produces.
const reloadDebounce = 100 * time.Millisecond

// Watch reloads the config at path whenever it changes and passes every
// config that loads cleanly to onChange. A config that fails to load is
// logged and skipped, so the caller keeps the one it has. Watch blocks until
// ctx is cancelled.
//
// The parent directory is watched rather than the file, so saves that write
// a temporary file and rename it over path are seen as well.
func Watch(ctx context.Context, path string, log *zap.Logger, onChange func(*Config)) error {
	if log == nil {
		log = zap.NewNop()
	}
	target, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config: watch %s: %w", path, err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watch %s: %w", path, err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("config: watch %s: %w", filepath.Dir(target), err)
	}
	log = log.With(zap.String("path", target))
	log.Info("watching config")

	var (
		debounce *time.Timer
		fire     <-chan time.Time
	)
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(reloadDebounce)
			} else {
				debounce.Reset(reloadDebounce)
			}
			fire = debounce.C
		case <-fire:
			fire = nil
			cfg, err := Load(target)
			if err != nil {
				log.Warn("config reload rejected, keeping the running config", zap.Error(err))
				continue
			}
			log.Info("config reloaded")
			onChange(cfg)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("config watcher", zap.Error(err))
		}
	}
}
