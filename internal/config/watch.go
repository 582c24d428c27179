package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ParseLevelName maps debug, info, warn and error to slog levels.
func ParseLevelName(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log_level %q: want debug, info, warn or error", s)
}

// settleDelay coalesces the burst of events editors produce per save.
const settleDelay = 100 * time.Millisecond

// Watch reloads path whenever it changes and hands each valid result to
// apply. Invalid files are logged and skipped. The parent directory is
// watched so that atomic rename-over saves are seen. Watch blocks until ctx
// is done.
func Watch(ctx context.Context, path string, log *slog.Logger, apply func(*Config)) error {
	if log == nil {
		log = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	var settle *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if settle != nil {
				settle.Stop()
			}
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if settle == nil {
				settle = time.NewTimer(settleDelay)
			} else {
				settle.Reset(settleDelay)
			}
			fire = settle.C
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("config watch error", "path", abs, "err", err)
		case <-fire:
			fire = nil
			cfg, err := Load(abs)
			if err != nil {
				log.Warn("ignoring invalid config", "path", abs, "err", err)
				continue
			}
			log.Info("config reloaded", "path", abs)
			apply(cfg)
		}
	}
}
