// Package app wires the configuration, the observers, the store and the
// world together and drives the tick loop.
package app

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/equinix-labs/otel-init-go/otelinit"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/metal-toolbox/vmbus/internal/configuration"
	"github.com/metal-toolbox/vmbus/internal/firmware"
	"github.com/metal-toolbox/vmbus/internal/handlers"
	"github.com/metal-toolbox/vmbus/internal/log"
	"github.com/metal-toolbox/vmbus/internal/metrics"
	"github.com/metal-toolbox/vmbus/internal/model"
	"github.com/metal-toolbox/vmbus/internal/profiling"
	"github.com/metal-toolbox/vmbus/internal/publish"
	"github.com/metal-toolbox/vmbus/internal/store"
	"github.com/metal-toolbox/vmbus/internal/topology"
	"github.com/metal-toolbox/vmbus/internal/version"
	"github.com/metal-toolbox/vmbus/internal/world"
)

// App is a running world with everything it reports to.
type App struct {
	Config     *configuration.Configuration
	Logger     *logrus.Logger
	World      *world.World
	Repository store.Repository
	Publisher  publish.Publisher

	// mu serializes ticks and operator commands.
	mu       sync.Mutex
	shutdown func(context.Context)
}

// Option tweaks the app before the world is built.
type Option func(*App)

// WithoutServers skips the metrics endpoint and tracing setup, for one shot
// commands and tests.
func WithoutServers() Option {
	return func(a *App) {
		a.shutdown = func(context.Context) {}
	}
}

// New loads the configuration and builds the world, restoring it from the
// store when a saved world exists.
func New(ctx context.Context, args *model.Args, opts ...Option) (*App, error) {
	config, err := configuration.Load(args)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return nil, err
	}

	log.SetLevel(config.LogLevel)
	slog.Info("Configuration loaded", config.AsLogFields()...)

	a := &App{
		Config: config,
		Logger: log.NewLogrusLogger(config.LogLevel, os.Stdout),
	}

	for _, opt := range opts {
		opt(a)
	}

	if a.shutdown == nil {
		ctx = a.startServers(ctx)
	}

	if err := a.build(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}

	return a, nil
}

func (a *App) startServers(ctx context.Context) context.Context {
	metrics.ListenAndServe(a.Config.MetricsEndpoint)
	version.ExportBuildInfoMetric()

	if a.Config.EnableProfiling {
		profiling.Enable("")
	}

	log.BridgeOtel(a.Logger)

	ctx, otelShutdown := otelinit.InitOpenTelemetry(ctx, model.AppName)
	a.shutdown = otelShutdown

	return ctx
}

func (a *App) build(ctx context.Context) error {
	v, err := version.Current().AsMap()
	if err != nil {
		return err
	}

	fields := logrus.Fields{}
	for k, val := range v {
		fields[k] = val
	}

	entry := a.Logger.WithFields(fields)

	multi := publish.NewMulti(entry)
	multi.Add("log", publish.NewLogPublisher(entry))

	if a.Config.NatsConfig.NatsURL != "" {
		nats, err := publish.NewNatsPublisher(a.Config.NatsConfig)
		if err != nil {
			return err
		}

		multi.Add("nats", nats)
	}

	a.Publisher = multi

	a.Repository, err = store.NewRepository(ctx, a.Config)
	if err != nil {
		slog.Error("Failed to create repository", "error", err)
		return err
	}

	if a.Config.Topology == "" {
		return errors.Wrap(model.ErrConfig, "no topology file given")
	}

	topo, err := topology.Load(a.Config.Topology)
	if err != nil {
		return err
	}

	saved, err := a.Repository.Load(ctx)
	switch {
	case errors.Is(err, model.ErrNotFound):
		saved = nil
	case err != nil:
		return err
	}

	fetcher := firmware.NewFetcher(a.Config.Firmware, entry.WithField("component", "firmware"))

	a.World, err = world.New(a.Config, a.Publisher, fetcher, entry.WithField("component", "world"))
	if err != nil {
		return err
	}

	if err := a.World.Build(ctx, topo, saved); err != nil {
		return err
	}

	slog.With(version.Current().AsLogFields()...).Info("vmbus world built",
		"computers", len(a.World.Names()), "restored", saved != nil)

	return nil
}

// Handler returns a command handler sharing the tick lock.
func (a *App) Handler() *handlers.HandlerFactory {
	return handlers.NewHandlerFactory(a.World, a.Repository, &a.mu)
}

// Tick advances the world once.
func (a *App) Tick(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.World.Tick(ctx)
}

// Loop ticks the world at the configured rate until ctx is done, then saves
// it.
func (a *App) Loop(ctx context.Context) error {
	ticker := time.NewTicker(a.Config.TickRate)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return a.Save(context.WithoutCancel(ctx))
		case <-ticker.C:
			a.Tick(ctx)
		}
	}
}

// Save persists the world.
func (a *App) Save(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.World.Save(ctx, a.Repository); err != nil {
		slog.Error("Failed to save world", "error", err)
		return err
	}

	slog.Info("world saved", "tick", a.World.Ticks())

	return nil
}

// Close releases the publishers and flushes traces.
func (a *App) Close(ctx context.Context) {
	if a.Publisher != nil {
		a.Publisher.Close()
	}

	if a.shutdown != nil {
		a.shutdown(ctx)
	}
}

// WithSignals returns a context cancelled on SIGINT, SIGTERM or SIGQUIT.
func WithSignals(ctx context.Context) (context.Context, context.CancelFunc) {
	termChan := make(chan os.Signal, 1)
	signal.Notify(termChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	ctx, cancel := context.WithCancel(ctx)

	go func() {
		select {
		case s := <-termChan:
			slog.Info("Received signal for termination, exiting...", "signal", s.String())
			cancel()
		case <-ctx.Done():
		}

		signal.Stop(termChan)
	}()

	return ctx, cancel
}
