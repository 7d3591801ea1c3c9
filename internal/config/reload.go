// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ManuGH/dokkugw/internal/audit"
	xglog "github.com/ManuGH/dokkugw/internal/log"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const debounceDuration = 500 * time.Millisecond

// ConfigHolder holds the effective configuration and applies hot reloads.
// Only hot-reloadable fields are swapped in; other changes are reported as
// requiring a restart and otherwise ignored.
type ConfigHolder struct {
	mu      sync.RWMutex
	current Config
	loader  *Loader
	logger  zerolog.Logger
	audit   *audit.Logger

	reloadMu        sync.RWMutex
	reloadListeners []chan<- Config
}

// NewConfigHolder creates a holder around the initially loaded config.
// auditLog may be nil.
func NewConfigHolder(initial Config, loader *Loader, auditLog *audit.Logger) *ConfigHolder {
	return &ConfigHolder{
		current: initial,
		loader:  loader,
		logger:  xglog.WithComponent("config"),
		audit:   auditLog,
	}
}

// Get returns the current configuration.
func (h *ConfigHolder) Get() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Reload re-reads the configuration. An invalid file leaves the current
// configuration untouched.
func (h *ConfigHolder) Reload(ctx context.Context) (ChangeSummary, error) {
	h.logger.Info().Str(xglog.FieldEvent, "config.reload_start").Msg("reloading configuration")

	next, err := h.loader.Load()
	if err != nil {
		h.logger.Error().
			Err(err).
			Str(xglog.FieldEvent, "config.reload_failed").
			Msg("failed to load new configuration")
		h.audit.ConfigReload(ctx, audit.ResultFailure, map[string]string{"error": err.Error()})
		return ChangeSummary{}, fmt.Errorf("load config: %w", err)
	}

	h.mu.Lock()
	old := h.current
	summary := Diff(old, next)
	h.current = applyHot(old, next)
	applied := h.current
	h.mu.Unlock()

	h.logChanges(summary)
	if len(summary.ChangedFields) > 0 {
		h.notifyListeners(applied)
	}

	h.audit.ConfigReload(ctx, audit.ResultSuccess, map[string]string{
		"changed":          strings.Join(summary.ChangedFields, ","),
		"restart_required": fmt.Sprint(summary.RestartRequired),
	})
	return summary, nil
}

func (h *ConfigHolder) logChanges(s ChangeSummary) {
	for _, f := range s.ChangedFields {
		if IsHotReloadable(f) {
			h.logger.Info().
				Str(xglog.FieldEvent, "config.field_applied").
				Str("field", f).
				Msg("config changed")
			continue
		}
		h.logger.Warn().
			Str(xglog.FieldEvent, "config.restart_required").
			Str("field", f).
			Msg("config change requires restart; keeping running value")
	}
}

// StartWatcher watches the config file until ctx is done. Without a
// config file this is a no-op.
func (h *ConfigHolder) StartWatcher(ctx context.Context) error {
	path := h.loader.Path()
	if path == "" {
		h.logger.Info().
			Str(xglog.FieldEvent, "config.watcher_disabled").
			Msg("config file watcher disabled (environment-only configuration)")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch config file: %w", err)
	}

	h.logger.Info().
		Str(xglog.FieldEvent, "config.watcher_started").
		Str(xglog.FieldPath, path).
		Msg("watching config file for changes")

	go h.watchLoop(ctx, watcher)
	return nil
}

func (h *ConfigHolder) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
		_ = watcher.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info().Str(xglog.FieldEvent, "config.watcher_stopped").Msg("config watcher stopped")
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			// Editors replace the file via rename; re-add to keep watching.
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				_ = watcher.Add(event.Name)
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			h.logger.Debug().
				Str(xglog.FieldEvent, "config.file_changed").
				Str("op", event.Op.String()).
				Msg("config file changed")

			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDuration, func() {
				if _, err := h.Reload(ctx); err != nil {
					h.logger.Error().
						Err(err).
						Str(xglog.FieldEvent, "config.auto_reload_failed").
						Msg("automatic config reload failed")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			h.logger.Error().
				Err(err).
				Str(xglog.FieldEvent, "config.watcher_error").
				Msg("config watcher error")
		}
	}
}

// RegisterListener registers ch to receive the effective config after each
// reload that changed something. Sends never block.
func (h *ConfigHolder) RegisterListener(ch chan<- Config) {
	h.reloadMu.Lock()
	defer h.reloadMu.Unlock()
	h.reloadListeners = append(h.reloadListeners, ch)
}

func (h *ConfigHolder) notifyListeners(cfg Config) {
	h.reloadMu.RLock()
	defer h.reloadMu.RUnlock()
	for _, ch := range h.reloadListeners {
		select {
		case ch <- cfg:
		default:
			h.logger.Warn().
				Str(xglog.FieldEvent, "config.listener_skip").
				Msg("skipped notifying listener (channel full)")
		}
	}
}
