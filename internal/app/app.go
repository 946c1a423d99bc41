// Package app wires configuration into a running parley service: store,
// providers, tools, the conversation adapter, the task scheduler, and the
// Telegram frontend.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/parley"
	"github.com/nevindra/parley/frontend/telegram"
	"github.com/nevindra/parley/internal/bot"
	"github.com/nevindra/parley/internal/config"
	"github.com/nevindra/parley/observer"
	"github.com/nevindra/parley/store/postgres"
	"github.com/nevindra/parley/store/sqlite"
)

// App is the assembled service.
type App struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     parley.Store
	adapter   *parley.Adapter
	scheduler *parley.TaskScheduler
	bot       *bot.App
	closers   []func(context.Context) error
}

// New assembles the service from config. The returned App owns the store and
// any observer pipelines; Close releases them.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, logger: logger}

	var inst *observer.Instruments
	var tracer parley.Tracer
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		var shutdown func(context.Context) error
		var err error
		inst, shutdown, err = observer.Init(ctx, pricing)
		if err != nil {
			return nil, fmt.Errorf("observer init: %w", err)
		}
		a.closers = append(a.closers, shutdown)
		tracer = observer.NewTracer()
	}

	st, err := a.buildStore(ctx)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	a.store = st

	providers := parley.NewProviderRegistry()
	presets := &registeringPresets{
		inner:     parley.PresetDir(cfg.Presets.Dir),
		providers: providers,
		inst:      inst,
		seen:      make(map[string]bool),
	}

	tools, err := a.buildTools(inst)
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	adapterOpts := []parley.AdapterOption{parley.WithAdapterLogger(logger)}
	if tracer != nil {
		adapterOpts = append(adapterOpts, parley.WithAdapterTracer(tracer))
	}
	adapter, err := parley.NewAdapter(parley.AdapterDeps{
		Store:     st,
		Presets:   presets,
		Providers: providers,
		Tools:     tools,
	}, adapterOpts...)
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("adapter: %w", err)
	}
	a.adapter = adapter

	scheduler, err := a.buildScheduler(ctx, presets, tracer, inst)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	a.scheduler = scheduler

	if cfg.Telegram.Token != "" {
		tg := telegram.NewBot(cfg.Telegram.Token, telegram.WithLogger(logger))
		a.bot = bot.New(cfg, tg, adapter, logger)
	}

	return a, nil
}

// Adapter exposes the conversation adapter, mainly for the CLI.
func (a *App) Adapter() *parley.Adapter { return a.adapter }

// Run starts the scheduler and the Telegram bot (when configured) and blocks
// until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if a.scheduler != nil {
		a.scheduler.Start(ctx)
		defer a.scheduler.Stop(context.WithoutCancel(ctx))
	}

	a.logger.Info("parley service running")

	if a.bot != nil {
		return a.bot.Run(ctx)
	}

	<-ctx.Done()
	return ctx.Err()
}

// RunWithSignal wraps Run with OS signal handling for graceful shutdown.
func (a *App) RunWithSignal() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err := a.Run(ctx)
	a.Close(context.Background())
	return err
}

// Close releases the store, adapter, and observer pipelines.
func (a *App) Close(ctx context.Context) {
	if a.adapter != nil {
		a.adapter.Close()
	}
	a.close(ctx)
}

func (a *App) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("shutdown error", "error", err)
		}
	}
	a.closers = nil
}

// buildStore opens the configured backend and runs schema init.
func (a *App) buildStore(ctx context.Context) (parley.Store, error) {
	switch a.cfg.Database.Driver {
	case "", "sqlite":
		st := sqlite.New(a.cfg.Database.Path, sqlite.WithLogger(a.logger))
		if err := st.Init(ctx); err != nil {
			return nil, fmt.Errorf("sqlite init: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return st.Close() })
		return st, nil
	case "postgres":
		pool, err := pgxpool.New(ctx, a.cfg.Database.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("postgres connect: %w", err)
		}
		st := postgres.New(pool, postgres.WithLogger(a.logger))
		if err := st.Init(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres init: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error {
			pool.Close()
			return nil
		})
		return st, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", a.cfg.Database.Driver)
	}
}
