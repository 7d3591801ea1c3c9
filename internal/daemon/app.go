// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/dokkugw/internal/config"
	"github.com/rs/zerolog"
)

// ApplyFunc receives every config accepted by a reload.
type ApplyFunc func(cfg config.Config)

// App owns the long-lived runtime lifecycle (config watcher, reload wiring)
// and delegates server management to Manager.
type App struct {
	logger       zerolog.Logger
	manager      Manager
	cfgHolder    *config.ConfigHolder
	apply        ApplyFunc
	reloadSignal os.Signal
}

// NewApp creates a new App orchestrator. cfgHolder and apply may be nil.
func NewApp(logger zerolog.Logger, manager Manager, cfgHolder *config.ConfigHolder, apply ApplyFunc) *App {
	return &App{
		logger:       logger,
		manager:      manager,
		cfgHolder:    cfgHolder,
		apply:        apply,
		reloadSignal: syscall.SIGHUP,
	}
}

// Run starts the config watcher, the reload loops and the manager, and
// blocks until ctx is cancelled or the manager fails.
func (a *App) Run(ctx context.Context) error {
	if a.manager == nil {
		return ErrMissingManager
	}

	g, ctx := errgroup.WithContext(ctx)

	if a.cfgHolder != nil {
		// A missing watcher only costs automatic reloads.
		if err := a.cfgHolder.StartWatcher(ctx); err != nil {
			a.logger.Warn().Err(err).Str("event", "config.watcher_start_failed").Msg("failed to start config watcher")
		}
		if a.apply != nil {
			applyCh := make(chan config.Config, 1)
			a.cfgHolder.RegisterListener(applyCh)
			g.Go(func() error { return a.applyLoop(ctx, applyCh) })
		}
		if a.reloadSignal != nil {
			hup := make(chan os.Signal, 1)
			signal.Notify(hup, a.reloadSignal)
			g.Go(func() error {
				defer signal.Stop(hup)
				return a.signalLoop(ctx, hup)
			})
		}
	}

	g.Go(func() error { return a.manager.Start(ctx) })
	return g.Wait()
}

func (a *App) applyLoop(ctx context.Context, ch <-chan config.Config) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case cfg := <-ch:
			a.apply(cfg)
		}
	}
}

// signalLoop reloads the config file on every signal received.
func (a *App) signalLoop(ctx context.Context, sig <-chan os.Signal) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-sig:
			a.logger.Info().
				Str("event", "config.reload_signal").
				Str("signal", s.String()).
				Msg("received reload signal, reloading config")
			if _, err := a.cfgHolder.Reload(ctx); err != nil {
				a.logger.Warn().
					Err(err).
					Str("event", "config.reload_failed").
					Msg("config reload failed")
			}
		}
	}
}
