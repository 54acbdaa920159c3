package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"
)

// LoadFile applies overrides from a TOML file. Tables nest with dots, so
//
//	[session]
//	stale_after = "30s"
//
// sets session.stale_after. Every key is validated before any is applied;
// one bad key rejects the whole file. File overrides are not persisted.
func (s *Store) LoadFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var doc map[string]any
	if err := toml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	flat := make(map[string]any)
	flatten("", doc, flat)

	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	normalized := make(map[string]any, len(flat))
	s.mu.RLock()
	var verr error
	for _, k := range keys {
		e, ok := s.entries[k]
		if !ok {
			verr = &SchemaViolation{Key: k, Reason: "unknown key"}
			break
		}
		nv, err := e.schema.validate(k, flat[k])
		if err != nil {
			verr = err
			break
		}
		normalized[k] = nv
	}
	s.mu.RUnlock()
	if verr != nil {
		return verr
	}

	for _, k := range keys {
		s.mu.Lock()
		e := s.entries[k]
		e.value = normalized[k]
		e.set = true
		s.mu.Unlock()
		s.notifier.Notify(Change{Key: k, Value: normalized[k]})
	}
	s.log.InfoContext(ctx, "config.file.loaded", slog.String("path", path), slog.Int("keys", len(keys)))
	return nil
}

func flatten(prefix string, in map[string]any, out map[string]any) {
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			flatten(key, nested, out)
			continue
		}
		out[key] = v
	}
}

// WatchFile reloads path whenever it changes until ctx ends. The parent
// directory is watched so editors that replace the file are handled. Reload
// failures are logged and the previous values stay in effect.
func (s *Store) WatchFile(ctx context.Context, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: %w", err)
	}
	defer func() {
		// Best-effort watcher close; no actionable error handling path.
		_ = w.Close()
	}()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if err := s.LoadFile(ctx, abs); err != nil {
				var sv *SchemaViolation
				if errors.As(err, &sv) {
					s.log.WarnContext(ctx, "config.file.rejected", slog.String("key", sv.Key), slog.String("reason", sv.Reason))
				} else {
					s.log.WarnContext(ctx, "config.file.reload_failed", slog.String("err", err.Error()))
				}
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.WarnContext(ctx, "config.file.watch_error", slog.String("err", err.Error()))
		}
	}
}
