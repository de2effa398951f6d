package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/modvault/modvault/pkg/config"
	"github.com/modvault/modvault/pkg/engine"
	"github.com/modvault/modvault/pkg/logarchive"
	"github.com/modvault/modvault/pkg/policy"
	"github.com/modvault/modvault/pkg/registry"
	"github.com/modvault/modvault/pkg/sandbox"
	"github.com/modvault/modvault/pkg/stores"
	"github.com/modvault/modvault/pkg/telemetry"
)

// app holds the services one command invocation works with.
type app struct {
	cfg       *config.Config
	telemetry *telemetry.Telemetry
	logger    zerolog.Logger
	store     *stores.SQLStore
	runs      *engine.RunService
	policies  *policy.Service
	registry  *registry.Service
}

type appOptions struct {
	// migrate applies pending schema migrations after connecting.
	migrate bool

	// backend connects the configured job backend. Commands that never submit
	// or cancel jobs leave it off so they work outside the cluster.
	backend bool
}

func openApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.Telemetry.ServiceVersion == "dev" {
		cfg.Telemetry.ServiceVersion = buildVersion
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logger := tel.Logger.Zerolog()

	store, err := stores.NewSQLStore(cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Database.Driver, err)
	}
	if opts.migrate {
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	runOpts := []engine.ServiceOption{
		engine.WithMetrics(tel.Metrics),
		engine.WithEventPublisher(tel.Events),
		engine.WithLogger(logger),
	}
	if opts.backend {
		backend, err := newJobBackend(cfg.Sandbox, logger)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to create %s job backend: %w", cfg.Sandbox.Backend, err)
		}
		archiver, err := logarchive.New(ctx, cfg.LogArchive, store, logger)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to create log archive: %w", err)
		}
		runOpts = append(runOpts, engine.WithJobBackend(backend), engine.WithLogArchiver(archiver))
	}

	policies := policy.NewService(store,
		policy.WithMetrics(tel.Metrics),
		policy.WithEventPublisher(tel.Events),
		policy.WithLogger(logger),
	)

	return &app{
		cfg:       cfg,
		telemetry: tel,
		logger:    logger,
		store:     store,
		runs:      engine.NewRunService(store, runOpts...),
		policies:  policies,
		registry: registry.NewService(store, policies,
			registry.WithMetrics(tel.Metrics),
			registry.WithEventPublisher(tel.Events),
			registry.WithLogger(logger),
		),
	}, nil
}

func newJobBackend(cfg config.SandboxConfig, logger zerolog.Logger) (engine.JobBackend, error) {
	switch cfg.Backend {
	case config.BackendRecording:
		return sandbox.NewRecordingBackend(logger), nil
	case config.BackendKubernetes:
		return sandbox.NewKubernetesBackend(cfg.Kubernetes, logger)
	default:
		return nil, fmt.Errorf("unsupported job backend %q", cfg.Backend)
	}
}

// Close releases the database and flushes telemetry.
func (a *app) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return errors.Join(a.store.Close(), a.telemetry.Shutdown(ctx))
}
