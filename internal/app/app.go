package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"botfleet/internal/alerting"
	"botfleet/internal/anomaly"
	"botfleet/internal/config"
	"botfleet/internal/dispatch"
	"botfleet/internal/engage"
	"botfleet/internal/llm"
	"botfleet/internal/metrics"
	"botfleet/internal/platform"
	"botfleet/internal/ratelimit"
	"botfleet/internal/reciprocity"
	"botfleet/internal/scheduler"
	"botfleet/internal/service"
	"botfleet/internal/storage"
	"botfleet/internal/velocity"
)

const telegramTimeout = 10 * time.Second

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

// bot is the object graph shared by the service and the one-shot commands.
type bot struct {
	store      storage.StateStore
	metrics    *metrics.Metrics
	limiter    *ratelimit.Limiter
	dispatcher *dispatch.Dispatcher
	velocity   *velocity.Tracker
	analyzer   *anomaly.Analyzer
	farm       *anomaly.FarmDetector
	recip      *reciprocity.Tracker
	engage     *engage.Engine
	alerts     *alerting.Router
	callout    *alerting.CalloutNotifier
}

func (b *bot) close(logger zerolog.Logger) {
	if err := b.store.Close(); err != nil {
		logger.Warn().Err(err).Msg("failed to close state store")
	}
}

func (a *App) open(ctx context.Context) (*bot, error) {
	cfg := a.Config
	store, err := storage.Open(ctx, cfg, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	b := &bot{store: store}
	if cfg.Metrics.Enabled {
		b.metrics = metrics.New()
	}

	b.limiter = ratelimit.New(store, ratelimit.OptionsFromConfig(cfg), a.Logger)
	dopts := dispatch.OptionsFromConfig(cfg)
	if b.metrics != nil {
		dopts.Observer = b.metrics
	}
	b.dispatcher = dispatch.New(platform.FromConfig(cfg, a.Logger), b.limiter, store, dopts, a.Logger)

	b.velocity = velocity.New(store, b.dispatcher, velocity.OptionsFromConfig(cfg), a.Logger)
	b.analyzer = anomaly.NewAnalyzer(store, b.dispatcher, anomaly.AnalyzerOptionsFromConfig(cfg), a.Logger)
	if cfg.Farm.Enabled {
		b.farm = anomaly.NewFarmDetector(store, b.dispatcher, anomaly.FarmOptionsFromConfig(cfg), a.Logger)
	}
	b.recip = reciprocity.New(store, b.dispatcher, reciprocity.OptionsFromConfig(cfg), a.Logger)

	var replier engage.Replier
	if cfg.LLM.Enabled {
		client, err := llm.New(llm.OptionsFromConfig(cfg.LLM), a.Logger)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		replier = client
	}
	b.engage = engage.New(store, b.dispatcher, replier, engage.OptionsFromConfig(cfg), a.Logger)

	b.alerts = newOperatorRouter(cfg, a.Logger)
	if cfg.Farm.Callout {
		b.callout = alerting.NewCalloutNotifier(b.dispatcher, a.Logger)
	}
	return b, nil
}

func (a *App) newService(b *bot, sched *scheduler.Scheduler) *service.Service {
	cfg := a.Config
	c := service.Components{
		Velocity: b.velocity,
		Analyzer: b.analyzer,
		Platform: b.dispatcher,
	}
	if b.farm != nil {
		c.Farm = b.farm
	}
	if cfg.Reciprocity.Enabled {
		c.Reciprocity = b.recip
	}
	if cfg.Engage.Enabled {
		c.Engage = b.engage
	}
	if b.alerts.Enabled() {
		c.Alerts = b.alerts
	}
	if b.callout != nil {
		c.Callout = b.callout
	}
	if b.metrics != nil {
		c.Metrics = b.metrics
	}
	if locker, ok := b.store.(storage.AdvisoryLocker); ok {
		c.Locker = locker
	}
	return service.New(sched, c, service.Options{
		Windows:      cfg.Velocity.Windows,
		AnalyzeEvery: cfg.Anomaly.AnalyzeEvery,
		LockKey:      cfg.State.AdvisoryLockKey,
	}, a.Logger)
}

// Run executes the long-running bot service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	b, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer b.close(a.Logger)

	if b.dispatcher.Status(ctx).DryRun {
		a.Logger.Warn().Msg("dry run enabled; no platform actions will be performed")
	}

	sched := scheduler.New(scheduler.OptionsFromConfig(a.Config.Scheduler), a.Logger)
	svc := a.newService(b, sched)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.Info().Strs("platforms", a.Config.EnabledPlatforms()).Msg("starting bot service")
		return svc.Run(gctx)
	})
	if b.metrics != nil {
		g.Go(func() error {
			return b.metrics.Serve(gctx, a.Config.Metrics.Listen, a.Logger)
		})
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("bot service stopped")
	return nil
}

// ExportOptions hold parameters for exporting an agent's metric series.
type ExportOptions struct {
	Agent     string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// VelocityOptions configure the velocity command.
type VelocityOptions struct {
	Window time.Duration
	Top    int
}
