package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"konvo/internal/adapter/mcp"
	"konvo/internal/adapter/settings"
	"konvo/internal/domain"
	"konvo/internal/infra/config"
	"konvo/internal/infra/logger"
	"konvo/internal/infra/metrics"
	"konvo/internal/infra/tracer"
	"konvo/internal/usecase/eventbus"
	"konvo/internal/usecase/fleet"
)

const version = "0.1.0"

// app holds the process-wide components shared by every command.
type app struct {
	cfg     *config.Config
	source  *settings.Source
	logger  *slog.Logger
	metrics *metrics.Metrics
	bus     *eventbus.Bus
	fleet   *fleet.Manager

	closers []func() error
}

// newApp wires config, logging, tracing, metrics, the event bus and the
// fleet. The fleet is created but not started.
func newApp(ctx context.Context, configPath string, registry *prometheus.Registry) (*app, error) {
	if configPath == "" {
		configPath = config.DefaultPath()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, domain.NewDomainError("Konvo.Load", domain.ErrConfigLoad, err.Error())
	}

	a := &app{cfg: cfg}
	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeLog)
	a.logger = log
	slog.SetDefault(log)

	shutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("setup tracer: %w", err)
	}
	a.closers = append(a.closers, func() error { return shutdown(context.Background()) })

	a.metrics = metrics.New(registry)
	a.bus = eventbus.New(log, eventbus.WithMetrics(a.metrics))
	a.closers = append(a.closers, func() error { a.bus.Close(); return nil })

	policy, err := settings.Policy(cfg)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("permissions: %w", err)
	}

	fc := cfg.Fleet
	starter := mcp.NewStarter(mcp.Options{
		ClientName:      "konvo",
		ClientVersion:   version,
		CallTimeout:     fc.CallTimeout,
		CloseGrace:      fc.CloseGrace,
		ConnectAttempts: fc.ConnectAttempts,
		Logger:          log,
	})
	a.fleet = fleet.NewManager(starter, fleet.Options{
		StartConcurrency:  fc.StartConcurrency,
		InvokeConcurrency: fc.InvokeConcurrency,
		ConnectTimeout:    fc.ConnectTimeout,
		DrainTimeout:      fc.DrainTimeout,
		InvokeRate:        fc.InvokeRate,
		InvokeBurst:       fc.InvokeBurst,
		Breaker: fleet.BreakerConfig{
			MaxFailures: fc.Breaker.MaxFailures,
			Timeout:     fc.Breaker.Timeout,
			Interval:    fc.Breaker.Interval,
		},
		Policy:  policy,
		Bus:     a.bus,
		Metrics: a.metrics,
		Logger:  log,
	})
	// The fleet must close before the bus it publishes to.
	a.closers = append(a.closers, a.fleet.Close)

	a.source = settings.NewWithConfig(configPath, cfg, settings.Options{
		Logger:   log,
		OnReload: a.reloadPolicy,
	})
	return a, nil
}

// reloadPolicy applies the permission rules of a reloaded config to the
// running fleet. Rules that fail to build leave the current policy.
func (a *app) reloadPolicy(cfg *config.Config) {
	policy, err := settings.Policy(cfg)
	if err != nil {
		a.logger.Warn("permission rules not reloaded", "error", err)
		return
	}
	a.fleet.SetPolicy(policy)
}

// close releases components in reverse order of creation.
func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
