package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/actiond/internal/archive"
	"github.com/fyrsmithlabs/actiond/internal/config"
	"github.com/fyrsmithlabs/actiond/internal/controlplane"
	"github.com/fyrsmithlabs/actiond/internal/executor"
	"github.com/fyrsmithlabs/actiond/internal/governor"
	apphttp "github.com/fyrsmithlabs/actiond/internal/http"
	"github.com/fyrsmithlabs/actiond/internal/intake"
	"github.com/fyrsmithlabs/actiond/internal/knowledge"
	"github.com/fyrsmithlabs/actiond/internal/learning"
	"github.com/fyrsmithlabs/actiond/internal/logging"
	"github.com/fyrsmithlabs/actiond/internal/metrics"
	"github.com/fyrsmithlabs/actiond/internal/outcome"
	"github.com/fyrsmithlabs/actiond/internal/registry"
	"github.com/fyrsmithlabs/actiond/internal/rollback"
	"github.com/fyrsmithlabs/actiond/internal/safety"
	"github.com/fyrsmithlabs/actiond/internal/telemetry"
	"github.com/fyrsmithlabs/actiond/internal/translate"
)

// run starts actiond and blocks until ctx is cancelled.
//
// Startup order:
//  1. Loads and validates configuration
//  2. Initializes telemetry and the logger
//  3. Wires the governor and its collaborators (see newApp)
//  4. Serves HTTP until ctx is cancelled
//  5. Shuts down, rolling back every applied action
func run(ctx context.Context, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// The bootstrap logger reports telemetry setup; the final logger also
	// exports through the OTEL log provider.
	boot, err := logging.NewLogger(&cfg.Logging, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	tel, err := telemetry.New(ctx, &cfg.Telemetry, boot.Underlying())
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logger := boot
	if tel.IsEnabled() {
		if logger, err = logging.NewLogger(&cfg.Logging, tel.LoggerProvider()); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
	}
	z := logger.Underlying()
	defer func() {
		_ = z.Sync() // Best-effort sync on shutdown
	}()

	z.Info("starting actiond",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr()),
		zap.String("executor_mode", cfg.Executor.Mode),
		zap.String("metrics_provider", cfg.Metrics.Provider),
		zap.String("knowledge_provider", cfg.Knowledge.Provider),
		zap.Bool("nats", cfg.NATS.Enabled),
		zap.Bool("telemetry", tel.IsEnabled()),
	)

	a, err := newApp(ctx, cfg, z)
	if err != nil {
		shutdownTelemetry(tel, cfg, z)
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(a.server.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		return a.close(shutdownCtx)
	})
	err = g.Wait()

	shutdownTelemetry(tel, cfg, z)
	if err != nil {
		return err
	}
	z.Info("actiond shutdown complete")
	return nil
}

func shutdownTelemetry(tel *telemetry.Telemetry, cfg *config.Config, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Telemetry.ShutdownTimeout)
	defer cancel()
	if err := tel.Shutdown(ctx); err != nil {
		logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
}

// app holds everything run starts and must stop.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	validator  *safety.Validator
	registry   *registry.Registry
	plane      controlplane.ControlPlane
	governor   *governor.Governor
	server     *apphttp.Server
	promReg    *prometheus.Registry
	knowledge  knowledge.Store
	archive    *archive.Archive
	policy     *safety.PolicyWatcher
	nats       *nats.Conn
	subscriber *intake.Subscriber
}

// newApp wires the governor from cfg:
//  1. Safety validator, with the policy file watcher when configured
//  2. Control plane (simulated or live) and metrics port (static or Prometheus)
//  3. Registry, executor, rollback monitor and outcome assessor
//  4. Knowledge store, optional SQL archive and learning store
//  5. NATS publisher and intake when enabled
//  6. Governor and HTTP server
//
// Nothing listens until the returned app's server is started.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger, promReg: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = a.close(cleanupCtx)
			a = nil
		}
	}()

	a.promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if a.validator, err = safety.NewValidator(cfg.Safety.Limits, logger); err != nil {
		return a, fmt.Errorf("failed to create safety validator: %w", err)
	}
	if cfg.Safety.PolicyFile != "" {
		if a.policy, err = safety.NewPolicyWatcher(cfg.Safety.PolicyFile, a.validator, logger); err != nil {
			return a, fmt.Errorf("failed to load policy file: %w", err)
		}
		a.policy.Start(ctx)
		logger.Info("policy watcher started", zap.String("path", cfg.Safety.PolicyFile))
	}

	if a.plane, err = newControlPlane(cfg, logger); err != nil {
		return a, err
	}
	port, err := newMetricsPort(cfg, logger)
	if err != nil {
		return a, err
	}

	a.registry = registry.New(registry.Config{
		Capacity: func() int { return a.validator.Limits().MaxConcurrentActions },
		Logger:   logger,
	})
	prom := governor.NewMetrics(a.promReg, a.registry.SnapshotCount)

	exec, err := executor.New(executor.Config{
		Registry:      a.registry,
		ControlPlane:  a.plane,
		Logger:        logger,
		ExpiryTimeout: cfg.Monitor.RollbackTimeout.Duration(),
		OnRollback:    prom.ObserveRollback,
	})
	if err != nil {
		return a, fmt.Errorf("failed to create executor: %w", err)
	}
	mon, err := rollback.New(rollback.Config{
		Window:     cfg.Monitor.ObservationWindow.Duration(),
		Thresholds: cfg.Monitor.Thresholds,
		Registry:   a.registry,
		Metrics:    port,
		Rollbacker: exec,
		Logger:     logger,
	})
	if err != nil {
		return a, fmt.Errorf("failed to create rollback monitor: %w", err)
	}

	a.knowledge = knowledge.OpenWithFallback(ctx, cfg.Knowledge, logger)
	learnCfg := learning.Config{Knowledge: a.knowledge, Logger: logger}
	govCfg := governor.Config{
		Validator:       a.validator,
		Registry:        a.registry,
		Executor:        exec,
		Monitor:         mon,
		Assessor:        outcome.NewAssessor(nil, logger),
		Metrics:         port,
		Escalator:       governor.LogEscalator{Logger: logger},
		Translator:      translate.New(),
		Prometheus:      prom,
		Logger:          logger,
		SweepInterval:   cfg.Monitor.SweepInterval.Duration(),
		RollbackTimeout: cfg.Monitor.RollbackTimeout.Duration(),
		ApplyTimeout:    cfg.Executor.ApplyTimeout.Duration(),
	}

	if cfg.Archive.Enabled() {
		if a.archive, err = archive.Open(ctx, cfg.Archive, logger); err != nil {
			return a, fmt.Errorf("failed to open archive: %w", err)
		}
		learnCfg.Archive = a.archive
		govCfg.Archive = a.archive
		logger.Info("archive opened", zap.String("driver", cfg.Archive.Driver))
	}
	govCfg.Learning = learning.New(learnCfg)

	var publisher *intake.Publisher
	if cfg.NATS.Enabled {
		a.nats, err = nats.Connect(cfg.NATS.URL,
			nats.Name(cfg.NATS.Name),
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(5),
			nats.ReconnectWait(1*time.Second),
		)
		if err != nil {
			return a, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
		}
		logger.Info("connected to NATS", zap.String("url", cfg.NATS.URL))

		publisher = intake.NewPublisher(a.nats, cfg.NATS.Prefix)
		govCfg.Escalator = intake.MultiEscalator{govCfg.Escalator, publisher}
		govCfg.Events = publisher
	}

	if a.governor, err = governor.New(govCfg); err != nil {
		return a, fmt.Errorf("failed to create governor: %w", err)
	}

	if publisher != nil {
		a.subscriber, err = intake.NewSubscriber(intake.Config{
			Conn:      a.nats,
			Prefix:    cfg.NATS.Prefix,
			Submitter: a.governor,
			Logger:    logger,
		})
		if err != nil {
			return a, fmt.Errorf("failed to create NATS intake: %w", err)
		}
		if err = a.subscriber.Start(); err != nil {
			return a, fmt.Errorf("failed to start NATS intake: %w", err)
		}
	}

	a.server, err = apphttp.NewServer(a.governor, a.promReg, logger, &apphttp.Config{
		Host:    cfg.Server.Host,
		Port:    cfg.Server.Port,
		Version: version,
		Mode:    a.plane.Mode(),
	})
	if err != nil {
		return a, fmt.Errorf("failed to create HTTP server: %w", err)
	}
	return a, nil
}

func newControlPlane(cfg *config.Config, logger *zap.Logger) (controlplane.ControlPlane, error) {
	if cfg.Executor.Mode != config.ModeLive {
		return controlplane.NewSimulated(controlplane.NewState(), logger), nil
	}
	plane, err := controlplane.NewHTTP(cfg.Executor.ControlPlane(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create control plane client: %w", err)
	}
	return plane, nil
}

func newMetricsPort(cfg *config.Config, logger *zap.Logger) (metrics.Port, error) {
	if cfg.Metrics.Provider != config.MetricsPrometheus {
		return metrics.NewStaticPort(cfg.Metrics.Static.Snapshot()), nil
	}
	port, err := metrics.NewPrometheusPort(cfg.Metrics.Prometheus(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus metrics port: %w", err)
	}
	return port, nil
}

// close stops intake first so no new work arrives, then lets the governor
// roll back what is still applied, then releases storage. It is safe on a
// partially built app.
func (a *app) close(ctx context.Context) error {
	var errs []error

	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if a.subscriber != nil {
		if err := a.subscriber.Close(); err != nil {
			errs = append(errs, fmt.Errorf("nats intake: %w", err))
		}
	}
	if a.policy != nil {
		a.policy.Stop()
	}
	if a.governor != nil {
		if err := a.governor.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.nats != nil {
		if err := a.nats.Drain(); err != nil {
			a.nats.Close()
		}
	}
	if a.knowledge != nil {
		if err := a.knowledge.Close(); err != nil {
			errs = append(errs, fmt.Errorf("knowledge store: %w", err))
		}
	}
	if a.archive != nil {
		if err := a.archive.Close(); err != nil {
			errs = append(errs, fmt.Errorf("archive: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		a.logger.Error("shutdown incomplete", zap.Error(err))
		return err
	}
	return nil
}
