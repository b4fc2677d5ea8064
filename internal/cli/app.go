// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// app.go - Wiring shared by every command that talks to the backend.

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/instachat-tui/internal/config"
	"github.com/jeranaias/instachat-tui/internal/feedsync"
	"github.com/jeranaias/instachat-tui/internal/logging"
	"github.com/jeranaias/instachat-tui/internal/presence"
	"github.com/jeranaias/instachat-tui/internal/realtime"
	"github.com/jeranaias/instachat-tui/internal/session"
	"github.com/jeranaias/instachat-tui/internal/storage"
	"github.com/jeranaias/instachat-tui/internal/supabase"
)

// =============================================================================
// APP
// =============================================================================

// App holds the long-lived pieces a command needs.
type App struct {
	Config  *config.Config
	Log     *zap.Logger
	Client  *supabase.Client
	Session *session.Provider

	kv       *storage.KV
	closeLog func() error
}

// OpenOptions tunes Open for the calling command.
type OpenOptions struct {
	// Stderr mirrors warnings to stderr. The TUI leaves it off because it owns the terminal.
	Stderr bool
	// Watch follows session changes made by other processes.
	Watch bool
	// Prompter asks for the session passphrase when sealing is on and none is configured.
	Prompter *Prompter
}

// LoadConfig reads the configuration named by args, or the default files.
func LoadConfig(args Args, warn io.Writer) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if args.ConfigPath != "" {
		if derr := config.LoadDotEnv(); derr != nil {
			fmt.Fprintf(warn, "Warning: %v\n", derr)
		}
		cfg, err = config.LoadFromPath(args.ConfigPath)
	} else {
		cfg, err = config.Load()
	}
	if cfg == nil {
		return nil, err
	}
	if err != nil {
		fmt.Fprintf(warn, "Warning: %v (using defaults)\n", err)
	}

	if args.Theme != "" {
		if err := cfg.Set("ui.theme", args.Theme); err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	if args.Verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

// Open builds the backend client and session provider for cfg.
func Open(ctx context.Context, cfg *config.Config, opts OpenOptions) (*App, error) {
	if cfg.Backend.URL == "" || cfg.Backend.AnonKey == "" {
		return nil, ErrNotConfigured
	}

	app := &App{Config: cfg}

	logPath, err := cfg.LogPath()
	if err != nil {
		return nil, err
	}
	log, closeLog, err := logging.New(logging.Options{
		Path:   logPath,
		Level:  cfg.Log.Level,
		Stderr: opts.Stderr,
	})
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	app.Log, app.closeLog = log, closeLog

	app.Client = supabase.NewClient(cfg.Backend.URL, cfg.Backend.AnonKey).
		WithMaxRetries(cfg.Backend.MaxRetries).
		WithLogger(log.Named("supabase"))

	store, err := app.openStore(ctx, opts.Prompter)
	if err != nil {
		app.Close()
		return nil, err
	}

	app.Session = session.NewProvider(app.Client, store, sessionConfig(cfg), log.Named("session"))

	if opts.Watch && cfg.Auth.WatchSession {
		if err := app.Session.Watch(app.kv.Path(), session.DefaultWatchDebounce); err != nil {
			log.Warn("session watch disabled", zap.Error(err))
		}
	}

	log.Debug("app opened",
		zap.String("backend", cfg.Backend.URL),
		zap.Bool("sealed", cfg.Storage.Seal),
	)
	return app, nil
}

func (a *App) openStore(ctx context.Context, prompter *Prompter) (storage.Store, error) {
	path, err := a.Config.SessionPath()
	if err != nil {
		return nil, err
	}
	kv, err := storage.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	a.kv = kv

	if !a.Config.Storage.Seal {
		return kv, nil
	}

	passphrase := a.Config.Storage.Passphrase
	if passphrase == "" && prompter != nil {
		passphrase, err = prompter.Secret("Session passphrase")
		if err != nil {
			return nil, err
		}
	}
	if passphrase == "" {
		return nil, &CommandError{
			Command: "open",
			Reason:  "storage.seal is on but no passphrase was given (set INSTACHAT_SESSION_PASSPHRASE)",
		}
	}

	sealer, err := storage.NewSealer(ctx, kv, passphrase, a.Config.Storage.SealIterations)
	if err != nil {
		return nil, fmt.Errorf("unlock session store: %w", err)
	}
	return storage.NewSealedKV(kv, sealer), nil
}

// RequestContext bounds one REST call with the configured timeout.
func (a *App) RequestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := secs(a.Config.Backend.RequestTimeoutSecs)
	if timeout <= 0 {
		timeout = feedsync.DefaultConfig().RequestTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// Close releases the provider, the store and the log file.
func (a *App) Close() error {
	var errs []error
	if a.Session != nil {
		errs = append(errs, a.Session.Close())
	}
	if a.kv != nil {
		errs = append(errs, a.kv.Close())
	}
	if a.Log != nil {
		_ = a.Log.Sync()
	}
	if a.closeLog != nil {
		errs = append(errs, a.closeLog())
	}
	return errors.Join(errs...)
}

// =============================================================================
// FEED
// =============================================================================

// Feed is a running sync controller bound to the app's session.
type Feed struct {
	Ctrl *feedsync.Controller

	manager  *realtime.Manager
	stopAuth func()
	cancel   context.CancelFunc
	done     chan error
}

// StartFeed restores the session and starts the controller. It fails with
// session.ErrNoSession when nobody is signed in.
func (a *App) StartFeed(ctx context.Context) (*Feed, error) {
	user, err := a.Session.Restore(ctx)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, session.ErrNoSession
	}

	manager := realtime.NewManager(realtimeConfig(a.Config), a.Log.Named("realtime"))
	ctrl := feedsync.NewController(a.Client, manager, feedsyncConfig(a.Config),
		feedsync.WithLogger(a.Log.Named("feedsync")))

	runCtx, cancel := context.WithCancel(ctx)
	f := &Feed{Ctrl: ctrl, manager: manager, cancel: cancel, done: make(chan error, 1)}
	go func() { f.done <- ctrl.Run(runCtx) }()

	_ = ctrl.SetIdentity(user, a.Session.AccessToken())
	_ = ctrl.Start()

	log := a.Log
	f.stopAuth = a.Session.Subscribe(func(ev session.AuthEvent) {
		log.Debug("auth event", zap.Stringer("type", ev.Type))
		if ev.Type == session.SignedOut {
			_ = ctrl.SetIdentity(nil, "")
			return
		}
		_ = ctrl.SetIdentity(ev.User, ev.AccessToken)
	})
	return f, nil
}

// Close stops the controller and the live channel.
func (f *Feed) Close() error {
	f.stopAuth()
	err := f.Ctrl.Close()
	f.cancel()
	<-f.done
	return errors.Join(err, f.manager.Close())
}

// =============================================================================
// CONFIG ADAPTERS
// =============================================================================

func secs(n int) time.Duration { return time.Duration(n) * time.Second }
func millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func sessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		StorageKey:    session.DefaultStorageKey,
		RefreshMargin: secs(cfg.Auth.RefreshMarginSecs),
		AutoRefresh:   cfg.Auth.AutoRefresh,
	}
}

func realtimeConfig(cfg *config.Config) realtime.Config {
	rc := realtime.DefaultConfig()
	rc.URL = cfg.Backend.URL
	rc.APIKey = cfg.Backend.AnonKey
	if cfg.Realtime.HeartbeatSecs > 0 {
		rc.Heartbeat = secs(cfg.Realtime.HeartbeatSecs)
	}
	if cfg.Realtime.JoinTimeoutSecs > 0 {
		rc.JoinTimeout = secs(cfg.Realtime.JoinTimeoutSecs)
	}
	if cfg.Realtime.ReconnectBaseMs > 0 {
		rc.ReconnectBase = millis(cfg.Realtime.ReconnectBaseMs)
	}
	rc.MaxReconnects = cfg.Realtime.MaxReconnects
	return rc
}

func feedsyncConfig(cfg *config.Config) feedsync.Config {
	fc := feedsync.DefaultConfig()
	fc.Presence = presence.Config{
		ExpiryAfter:   millis(cfg.Presence.ExpiryMs),
		ThrottleEvery: millis(cfg.Presence.ThrottleMs),
	}
	if cfg.Backend.RequestTimeoutSecs > 0 {
		fc.RequestTimeout = secs(cfg.Backend.RequestTimeoutSecs)
	}
	fc.RefetchOnReconnect = cfg.Realtime.RefetchOnReconnect
	return fc
}
