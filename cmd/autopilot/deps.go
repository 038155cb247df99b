package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autopilot/internal/audit"
	"github.com/fyrsmithlabs/autopilot/internal/checkpoint"
	"github.com/fyrsmithlabs/autopilot/internal/config"
	"github.com/fyrsmithlabs/autopilot/internal/logging"
	"github.com/fyrsmithlabs/autopilot/internal/patternstore"
	"github.com/fyrsmithlabs/autopilot/internal/telemetry"
)

// dependencies holds the infrastructure shared by the commands.
type dependencies struct {
	cfg       *config.Config
	log       *logging.Logger
	logger    *zap.Logger
	telemetry *telemetry.Telemetry
	audit     *audit.Logger

	checkpoints checkpoint.Service
	patterns    *patternstore.Resilient
	natsConn    *nats.Conn
}

// loadConfig loads and validates the configuration and creates the
// project directory.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := config.EnsureProjectDir(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// initLogger builds the process logger from the configuration.
func initLogger(cfg *config.Config) (*logging.Logger, error) {
	lc, err := cfg.LoggingConfig()
	if err != nil {
		return nil, err
	}
	return logging.NewLogger(lc)
}

// initDependencies connects everything a workflow run needs. On error the
// parts already opened are closed.
func initDependencies(ctx context.Context, cfg *config.Config) (_ *dependencies, err error) {
	d := &dependencies{cfg: cfg}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	d.log, err = initLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	d.logger = d.log.Underlying()

	d.telemetry, err = telemetry.New(ctx, cfg.TelemetryConfig(), d.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	d.audit, err = audit.New(cfg.AuditConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	store, err := checkpoint.NewFileStore(cfg.Checkpoint.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	d.checkpoints, err = checkpoint.NewService(&checkpoint.Config{Capacity: cfg.Checkpoint.Capacity}, store, d.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint service: %w", err)
	}

	backend, err := d.patternBackend()
	if err != nil {
		return nil, err
	}
	d.patterns, err = patternstore.NewResilient(backend, cfg.ResilientConfig(), d.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create pattern store: %w", err)
	}

	d.logger.Debug("dependencies initialized",
		zap.String("pattern_backend", cfg.PatternStore.Backend),
		zap.Bool("nats_connected", d.natsConn != nil),
		zap.Bool("telemetry", d.telemetry.IsEnabled()))
	return d, nil
}

// patternBackend opens the configured pattern store backend.
func (d *dependencies) patternBackend() (patternstore.Store, error) {
	ps := d.cfg.PatternStore
	switch ps.Backend {
	case config.BackendMemory:
		return patternstore.NewMemoryStore(ps.Threshold), nil
	case config.BackendChromem:
		return openChromem(d.cfg, d.logger)
	case config.BackendNATS:
		nc, err := connectNATS(d.cfg, d.logger)
		if err != nil {
			return nil, err
		}
		d.natsConn = nc
		return patternstore.NewNATSClient(nc, ps.NATS.Subject), nil
	default:
		return nil, fmt.Errorf("unknown pattern store backend %q", ps.Backend)
	}
}

func openChromem(cfg *config.Config, logger *zap.Logger) (*patternstore.ChromemStore, error) {
	s, err := patternstore.NewChromemStore(patternstore.ChromemConfig{
		Path:          cfg.PatternStore.Chromem.Path,
		Compress:      cfg.PatternStore.Chromem.Compress,
		MinSimilarity: cfg.PatternStore.Threshold,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open chromem pattern store: %w", err)
	}
	return s, nil
}

// connectNATS dials the pattern service. The connection retries in the
// background, so an unreachable server degrades the store instead of
// failing the run.
func connectNATS(cfg *config.Config, logger *zap.Logger) (*nats.Conn, error) {
	nc := cfg.PatternStore.NATS
	opts := []nats.Option{
		nats.Name("autopilot"),
		nats.Timeout(nc.Timeout.Duration()),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("pattern service disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("pattern service reconnected", zap.String("url", c.ConnectedUrlRedacted()))
		}),
	}
	if nc.Token.IsSet() {
		opts = append(opts, nats.Token(nc.Token.Value()))
	}
	conn, err := nats.Connect(nc.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to pattern service: %w", err)
	}
	return conn, nil
}

// Close releases every dependency, flushing telemetry last.
func (d *dependencies) Close() {
	if d == nil {
		return
	}
	var errs []error
	if d.checkpoints != nil {
		errs = append(errs, d.checkpoints.Close())
	}
	if d.natsConn != nil {
		if err := d.natsConn.Drain(); err != nil {
			d.natsConn.Close()
		}
	}
	if d.audit != nil {
		errs = append(errs, d.audit.Close())
	}
	if d.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Telemetry.ShutdownTimeout.Duration()+time.Second)
		errs = append(errs, d.telemetry.Shutdown(ctx))
		cancel()
	}
	if err := errors.Join(errs...); err != nil && d.logger != nil {
		d.logger.Warn("shutdown incomplete", zap.Error(err))
	}
	if d.log != nil {
		_ = d.log.Close()
	}
}
