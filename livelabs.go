// Package livelabs is the top-level entry point for a LiveLabs server.
//
// Use the Builder to compose an application:
//
//	app, err := livelabs.NewBuilder().WithConfig(cfg).Build()
//	app.Start(ctx)
//
// Or replace components:
//
//	app, err := livelabs.NewBuilder().
//	    WithConfig(cfg).
//	    WithStore(myStore).
//	    WithProvisioner(myProvisioner).
//	    Build()
package livelabs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jxucoder/livelabs/internal/config"
	"github.com/jxucoder/livelabs/internal/engine"
	"github.com/jxucoder/livelabs/internal/httpapi"
	"github.com/jxucoder/livelabs/internal/initrunner"
	"github.com/jxucoder/livelabs/internal/lifecycle"
	"github.com/jxucoder/livelabs/internal/logging"
	"github.com/jxucoder/livelabs/internal/metrics"
	"github.com/jxucoder/livelabs/internal/shell"
	"github.com/jxucoder/livelabs/internal/workspace"
	"github.com/jxucoder/livelabs/pkg/catalog"
	"github.com/jxucoder/livelabs/pkg/eventbus"
	"github.com/jxucoder/livelabs/pkg/notify"
	slackNotify "github.com/jxucoder/livelabs/pkg/notify/slack"
	telegramNotify "github.com/jxucoder/livelabs/pkg/notify/telegram"
	"github.com/jxucoder/livelabs/pkg/sandbox"
	dockerSandbox "github.com/jxucoder/livelabs/pkg/sandbox/docker"
	"github.com/jxucoder/livelabs/pkg/store"
	sqliteStore "github.com/jxucoder/livelabs/pkg/store/sqlite"
)

// Builder constructs a LiveLabs App.
type Builder struct {
	config      *config.Config
	logger      *slog.Logger
	store       store.Store
	bus         eventbus.Bus
	provisioner sandbox.Provisioner
	apps        sandbox.AppRuntime
	notifiers   []notify.Notifier
}

// NewBuilder creates a new Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// WithConfig sets the application configuration.
func (b *Builder) WithConfig(cfg *config.Config) *Builder {
	b.config = cfg
	return b
}

// WithLogger sets the logger.
func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

// WithStore sets the store implementation.
func (b *Builder) WithStore(s store.Store) *Builder {
	b.store = s
	return b
}

// WithBus sets the event bus implementation.
func (b *Builder) WithBus(bus eventbus.Bus) *Builder {
	b.bus = bus
	return b
}

// WithProvisioner sets the sandbox provisioner.
func (b *Builder) WithProvisioner(p sandbox.Provisioner) *Builder {
	b.provisioner = p
	return b
}

// WithAppRuntime sets the app container runtime.
func (b *Builder) WithAppRuntime(rt sandbox.AppRuntime) *Builder {
	b.apps = rt
	return b
}

// WithNotifier adds a notification channel.
func (b *Builder) WithNotifier(n notify.Notifier) *Builder {
	b.notifiers = append(b.notifiers, n)
	return b
}

// Build creates the App. Missing components are filled with defaults.
func (b *Builder) Build() (*App, error) {
	if err := applyDefaults(b); err != nil {
		return nil, err
	}
	cfg := b.config
	m := metrics.New()

	ws := workspace.New(b.provisioner, b.store, cfg.DockerImage, cfg.DockerNetwork, b.logger)
	events := eventbus.NewRecorder(b.store, b.bus, b.logger)
	dispatcher := notify.NewDispatcher(b.logger, b.notifiers...)
	runner := initrunner.New(b.store, ws, cfg.InitTimeout, b.logger, m)
	apps := lifecycle.New(lifecycle.Config{
		AppHost:         cfg.AppHost,
		Network:         cfg.DockerNetwork,
		HealthTimeout:   cfg.HealthTimeout,
		PollInterval:    cfg.PollInterval,
		MaxPollDuration: cfg.MaxPollDuration,
		MaxRestarts:     cfg.MaxRestarts,
	}, b.store, b.apps, runner, events, dispatcher, b.logger, m)

	eng := engine.New(engine.Config{
		DockerNetwork: cfg.DockerNetwork,
		ScriptTimeout: cfg.ScriptTimeout,
		IdleTimeout:   cfg.IdleTimeout,
		ReapInterval:  cfg.ReapInterval,
	}, b.store, ws, apps, events, dispatcher, b.logger, m)

	gw := shell.New(b.provisioner, shell.Config{
		PingInterval: cfg.ShellPingInterval,
		PongWait:     cfg.ShellPongWait,
	}, b.logger, m)

	return &App{
		config:  cfg,
		logger:  b.logger,
		engine:  eng,
		handler: httpapi.New(eng, gw, m, b.logger, cfg.RequestTimeout()),
	}, nil
}

// App is a LiveLabs application.
type App struct {
	config  *config.Config
	logger  *slog.Logger
	engine  *engine.Engine
	handler *httpapi.Server
}

// Engine returns the underlying engine for direct access.
func (a *App) Engine() *engine.Engine { return a.engine }

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler { return a.handler.Handler() }

// Start imports the tracks directory, then serves HTTP. Blocks until ctx is
// done.
func (a *App) Start(ctx context.Context) error {
	if dir := a.config.TracksDir; dir != "" {
		tracks, err := catalog.Import(ctx, a.engine.Store(), dir)
		if err != nil {
			return fmt.Errorf("importing tracks from %s: %w", dir, err)
		}
		a.logger.Info("tracks imported", "dir", dir, "count", len(tracks))
	}

	a.engine.Start(ctx)

	srv := &http.Server{
		Addr:              a.config.ServerAddr,
		Handler:           a.handler.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	a.logger.Info("LiveLabs server listening", "addr", a.config.ServerAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.engine.Stop()
		return err
	}

	a.engine.Stop()
	return a.engine.Store().Close()
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

// applyDefaults fills in missing fields on the builder.
func applyDefaults(b *Builder) error {
	if b.config == nil {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		b.config = cfg
	}

	if b.logger == nil {
		logger, err := logging.New(b.config.LogLevel, b.config.LogFormat, os.Stderr)
		if err != nil {
			return err
		}
		b.logger = logger
	}

	if b.store == nil {
		st, err := sqliteStore.New(b.config.DatabasePath)
		if err != nil {
			return fmt.Errorf("initializing store: %w", err)
		}
		b.store = st
	}

	if b.bus == nil {
		b.bus = eventbus.NewInMemoryBus()
	}

	if b.provisioner == nil || b.apps == nil {
		rt := dockerSandbox.New()
		if b.provisioner == nil {
			b.provisioner = rt
		}
		if b.apps == nil {
			b.apps = rt
		}
	}

	if b.config.SlackEnabled() {
		b.notifiers = append(b.notifiers, slackNotify.New(b.config.SlackBotToken, b.config.SlackChannel))
		b.logger.Info("Slack notifications enabled", "channel", b.config.SlackChannel)
	}
	if b.config.TelegramEnabled() {
		tg, err := telegramNotify.New(b.config.TelegramBotToken, b.config.TelegramChatID)
		if err != nil {
			b.logger.Warn("failed to initialize Telegram notifications", "error", err)
		} else {
			b.notifiers = append(b.notifiers, tg)
			b.logger.Info("Telegram notifications enabled")
		}
	}

	return nil
}
