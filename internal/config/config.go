// Package config loads autopilot configuration from a YAML file and
// AUTOPILOT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/fyrsmithlabs/autopilot/internal/audit"
	"github.com/fyrsmithlabs/autopilot/internal/checkpoint"
	"github.com/fyrsmithlabs/autopilot/internal/escalation"
	"github.com/fyrsmithlabs/autopilot/internal/human"
	"github.com/fyrsmithlabs/autopilot/internal/logging"
	"github.com/fyrsmithlabs/autopilot/internal/orchestrator"
	"github.com/fyrsmithlabs/autopilot/internal/parallel"
	"github.com/fyrsmithlabs/autopilot/internal/patternstore"
	"github.com/fyrsmithlabs/autopilot/internal/recovery"
	"github.com/fyrsmithlabs/autopilot/internal/telemetry"
	"github.com/fyrsmithlabs/autopilot/internal/timeout"
)

// Pattern store backends.
const (
	BackendMemory  = "memory"
	BackendChromem = "chromem"
	BackendNATS    = "nats"
)

// Config is the complete autopilot configuration.
type Config struct {
	Timeouts     TimeoutsConfig     `koanf:"timeouts"`
	Thresholds   ThresholdsConfig   `koanf:"thresholds"`
	Checkpoint   CheckpointConfig   `koanf:"checkpoint"`
	Recovery     RecoveryConfig     `koanf:"recovery"`
	Parallel     ParallelConfig     `koanf:"parallel"`
	PatternStore PatternStoreConfig `koanf:"patternstore"`
	Human        HumanConfig        `koanf:"human"`
	Audit        AuditConfig        `koanf:"audit"`
	Server       ServerConfig       `koanf:"server"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`
	Logging      LoggingConfig      `koanf:"logging"`
}

// TimeoutsConfig holds the three nested timeout levels.
type TimeoutsConfig struct {
	Workflow Duration `koanf:"workflow"`
	Nested   Duration `koanf:"nested"`
	Agent    Duration `koanf:"agent"`
}

// ThresholdsConfig holds the confidence bands, the escalation gate and
// the loop guard.
type ThresholdsConfig struct {
	AutoContinue      float64 `koanf:"auto_continue"`
	Recommend         float64 `koanf:"recommend"`
	LoopLimit         int     `koanf:"loop_limit"`
	MaxBlockingErrors int     `koanf:"max_blocking_errors"`
	MaxMajorIssues    int     `koanf:"max_major_issues"`
	MinCompliance     float64 `koanf:"min_compliance"`
}

// CheckpointConfig locates the checkpoint files.
type CheckpointConfig struct {
	Dir      string `koanf:"dir"`
	Capacity int    `koanf:"capacity"`
}

// RecoveryConfig tunes the recovery chain.
type RecoveryConfig struct {
	MaxRetries           int      `koanf:"max_retries"`
	BackoffBase          Duration `koanf:"backoff_base"`
	PatternLimit         int      `koanf:"pattern_limit"`
	MinPatternConfidence float64  `koanf:"min_pattern_confidence"`
	// DotenvFiles are searched for missing configuration values.
	DotenvFiles []string `koanf:"dotenv_files"`
}

// ParallelConfig bounds parallel validation.
type ParallelConfig struct {
	Barrier           Duration `koanf:"barrier"`
	AggregationWindow Duration `koanf:"aggregation_window"`
}

// PatternStoreConfig selects and tunes the pattern memory.
type PatternStoreConfig struct {
	Backend        string   `koanf:"backend"`
	Threshold      float64  `koanf:"threshold"`
	Attempts       int      `koanf:"attempts"`
	AttemptTimeout Duration `koanf:"attempt_timeout"`
	QueuePath      string   `koanf:"queue_path"`
	QueueCapacity  int      `koanf:"queue_capacity"`
	FlushRate      float64  `koanf:"flush_rate"`

	Chromem ChromemConfig `koanf:"chromem"`
	NATS    NATSConfig    `koanf:"nats"`
}

// ChromemConfig configures the embedded vector store.
type ChromemConfig struct {
	Path     string `koanf:"path"`
	Compress bool   `koanf:"compress"`
}

// NATSConfig configures the remote pattern service.
type NATSConfig struct {
	URL     string   `koanf:"url"`
	Subject string   `koanf:"subject"`
	Token   Secret   `koanf:"token"`
	Timeout Duration `koanf:"timeout"`
}

// HumanConfig bounds the wait for each kind of prompt.
type HumanConfig struct {
	Confirm     Duration `koanf:"confirm"`
	Destructive Duration `koanf:"destructive"`
	DoubleStep  Duration `koanf:"double_step"`
	Choice      Duration `koanf:"choice"`
	Input       Duration `koanf:"input"`
}

// AuditConfig configures the append-only decision log.
type AuditConfig struct {
	Path       string `koanf:"path"`
	MaxSizeMB  int    `koanf:"max_size_mb"`
	MaxBackups int    `koanf:"max_backups"`
	MaxAgeDays int    `koanf:"max_age_days"`
	Compress   bool   `koanf:"compress"`
}

// ServerConfig configures the status server.
type ServerConfig struct {
	Enabled         bool     `koanf:"enabled"`
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// TelemetryConfig configures OTLP export.
type TelemetryConfig struct {
	Enabled         bool     `koanf:"enabled"`
	Protocol        string   `koanf:"protocol"`
	Endpoint        string   `koanf:"endpoint"`
	Insecure        bool     `koanf:"insecure"`
	ServiceName     string   `koanf:"service_name"`
	SampleRate      float64  `koanf:"sample_rate"`
	MetricsEnabled  bool     `koanf:"metrics_enabled"`
	ExportInterval  Duration `koanf:"export_interval"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string            `koanf:"level"`
	Format string            `koanf:"format"`
	Output string            `koanf:"output"`
	Fields map[string]string `koanf:"fields"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	cfg := &Config{}
	// Booleans that default to true cannot be told apart from an unset
	// value after unmarshalling, so they start set and the file or env
	// may turn them off.
	cfg.Telemetry.Insecure = true
	cfg.Telemetry.MetricsEnabled = true
	cfg.PatternStore.Chromem.Compress = true
	applyDefaults(cfg)
	return cfg
}

// applyDefaults fills every zero value.
func applyDefaults(cfg *Config) {
	td := timeout.DefaultConfig()
	setDuration(&cfg.Timeouts.Workflow, td.Workflow)
	setDuration(&cfg.Timeouts.Nested, td.Nested)
	setDuration(&cfg.Timeouts.Agent, td.Agent)

	oc := orchestrator.DefaultConfig()
	if cfg.Thresholds.AutoContinue == 0 {
		cfg.Thresholds.AutoContinue = oc.AutoContinue
	}
	if cfg.Thresholds.Recommend == 0 {
		cfg.Thresholds.Recommend = oc.Recommend
	}
	if cfg.Thresholds.LoopLimit == 0 {
		cfg.Thresholds.LoopLimit = oc.LoopLimit
	}
	et := escalation.DefaultThresholds()
	if cfg.Thresholds.MaxBlockingErrors == 0 {
		cfg.Thresholds.MaxBlockingErrors = et.MaxBlockingErrors
	}
	if cfg.Thresholds.MaxMajorIssues == 0 {
		cfg.Thresholds.MaxMajorIssues = et.MaxMajorIssues
	}
	if cfg.Thresholds.MinCompliance == 0 {
		cfg.Thresholds.MinCompliance = et.MinCompliance
	}

	if cfg.Checkpoint.Dir == "" {
		cfg.Checkpoint.Dir = ".autopilot/checkpoints"
	}
	if cfg.Checkpoint.Capacity == 0 {
		cfg.Checkpoint.Capacity = checkpoint.DefaultServiceConfig().Capacity
	}

	rc := recovery.DefaultConfig()
	if cfg.Recovery.MaxRetries == 0 {
		cfg.Recovery.MaxRetries = len(rc.Backoff)
	}
	setDuration(&cfg.Recovery.BackoffBase, rc.Backoff[0])
	if cfg.Recovery.PatternLimit == 0 {
		cfg.Recovery.PatternLimit = rc.PatternLimit
	}
	if cfg.Recovery.MinPatternConfidence == 0 {
		cfg.Recovery.MinPatternConfidence = rc.MinPatternConfidence
	}
	if cfg.Recovery.DotenvFiles == nil {
		cfg.Recovery.DotenvFiles = []string{".env"}
	}

	pc := parallel.DefaultConfig()
	setDuration(&cfg.Parallel.Barrier, pc.Barrier)
	setDuration(&cfg.Parallel.AggregationWindow, pc.AggregationWindow)

	rs := patternstore.DefaultResilientConfig()
	if cfg.PatternStore.Backend == "" {
		cfg.PatternStore.Backend = BackendMemory
	}
	if cfg.PatternStore.Threshold == 0 {
		cfg.PatternStore.Threshold = 0.5
	}
	if cfg.PatternStore.Attempts == 0 {
		cfg.PatternStore.Attempts = rs.Attempts
	}
	setDuration(&cfg.PatternStore.AttemptTimeout, rs.AttemptTimeout)
	if cfg.PatternStore.QueueCapacity == 0 {
		cfg.PatternStore.QueueCapacity = rs.QueueCapacity
	}
	if cfg.PatternStore.FlushRate == 0 {
		cfg.PatternStore.FlushRate = rs.FlushRate
	}
	if cfg.PatternStore.Chromem.Path == "" {
		cfg.PatternStore.Chromem.Path = ".autopilot/patterns"
	}
	if cfg.PatternStore.NATS.URL == "" {
		cfg.PatternStore.NATS.URL = "nats://127.0.0.1:4222"
	}
	if cfg.PatternStore.NATS.Subject == "" {
		cfg.PatternStore.NATS.Subject = patternstore.DefaultSubjectPrefix
	}
	setDuration(&cfg.PatternStore.NATS.Timeout, 2*time.Second)

	ht := human.DefaultTimeouts()
	setDuration(&cfg.Human.Confirm, ht.Confirm)
	setDuration(&cfg.Human.Destructive, ht.Destructive)
	setDuration(&cfg.Human.DoubleStep, ht.DoubleStep)
	setDuration(&cfg.Human.Choice, ht.Choice)
	setDuration(&cfg.Human.Input, ht.Input)

	if cfg.Audit.Path == "" {
		cfg.Audit.Path = ".autopilot/audit.log"
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9191
	}
	setDuration(&cfg.Server.ShutdownTimeout, 10*time.Second)

	tc := telemetry.NewDefaultConfig()
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = tc.Protocol
	}
	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = tc.Endpoint
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = tc.ServiceName
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = tc.SampleRate
	}
	setDuration(&cfg.Telemetry.ExportInterval, tc.ExportInterval)
	setDuration(&cfg.Telemetry.ShutdownTimeout, tc.ShutdownTimeout)

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = logging.OutputStderr
	}
}

func setDuration(d *Duration, def time.Duration) {
	if *d == 0 {
		*d = Duration(def)
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if err := c.TimeoutLimits().Validate(); err != nil {
		errs = append(errs, err)
	}
	t := c.Thresholds
	if t.AutoContinue <= 0 || t.AutoContinue > 100 {
		errs = append(errs, fmt.Errorf("thresholds.auto_continue must be in (0, 100], got %v", t.AutoContinue))
	}
	if t.Recommend <= 0 || t.Recommend >= t.AutoContinue {
		errs = append(errs, fmt.Errorf("thresholds.recommend must be positive and below auto_continue, got %v", t.Recommend))
	}
	if t.LoopLimit < 1 {
		errs = append(errs, fmt.Errorf("thresholds.loop_limit must be at least 1, got %d", t.LoopLimit))
	}
	if t.MinCompliance < 0 || t.MinCompliance > 100 {
		errs = append(errs, fmt.Errorf("thresholds.min_compliance must be in [0, 100], got %v", t.MinCompliance))
	}
	if c.Checkpoint.Capacity < 1 {
		errs = append(errs, fmt.Errorf("checkpoint.capacity must be at least 1, got %d", c.Checkpoint.Capacity))
	}
	if c.Recovery.MaxRetries < 0 || c.Recovery.MaxRetries > 10 {
		errs = append(errs, fmt.Errorf("recovery.max_retries must be in [0, 10], got %d", c.Recovery.MaxRetries))
	}

	switch c.PatternStore.Backend {
	case BackendMemory, BackendChromem:
	case BackendNATS:
		if c.PatternStore.NATS.URL == "" {
			errs = append(errs, errors.New("patternstore.nats.url is required for the nats backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("patternstore.backend must be memory, chromem or nats, got %q", c.PatternStore.Backend))
	}
	if c.PatternStore.Threshold < 0 || c.PatternStore.Threshold > 1 {
		errs = append(errs, fmt.Errorf("patternstore.threshold must be in [0, 1], got %v", c.PatternStore.Threshold))
	}

	if c.Server.Enabled && (c.Server.Port < 1 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Errorf("server.port must be a valid port, got %d", c.Server.Port))
	}

	if err := c.TelemetryConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}
	if lc, err := c.LoggingConfig(); err != nil {
		errs = append(errs, err)
	} else if err := lc.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}

	return errors.Join(errs...)
}

// TimeoutLimits returns the timeout manager configuration.
func (c *Config) TimeoutLimits() timeout.Config {
	return timeout.Config{
		Workflow: c.Timeouts.Workflow.Duration(),
		Nested:   c.Timeouts.Nested.Duration(),
		Agent:    c.Timeouts.Agent.Duration(),
	}
}

// ControllerConfig returns the automation controller configuration.
func (c *Config) ControllerConfig() orchestrator.Config {
	oc := orchestrator.DefaultConfig()
	oc.AutoContinue = c.Thresholds.AutoContinue
	oc.Recommend = c.Thresholds.Recommend
	oc.LoopLimit = c.Thresholds.LoopLimit
	oc.Timeouts = c.TimeoutLimits()
	return oc
}

// GateThresholds returns the escalation gate thresholds.
func (c *Config) GateThresholds() escalation.Thresholds {
	return escalation.Thresholds{
		MaxBlockingErrors: c.Thresholds.MaxBlockingErrors,
		MaxMajorIssues:    c.Thresholds.MaxMajorIssues,
		MinCompliance:     c.Thresholds.MinCompliance,
	}
}

// RecoveryConfig returns the recovery orchestrator configuration. The
// backoff doubles from BackoffBase for MaxRetries attempts.
func (c *Config) RecoveryConfig() recovery.Config {
	rc := recovery.DefaultConfig()
	rc.Backoff = make([]time.Duration, c.Recovery.MaxRetries)
	base := c.Recovery.BackoffBase.Duration()
	b := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         base << c.Recovery.MaxRetries,
	}
	b.Reset()
	for i := range rc.Backoff {
		rc.Backoff[i] = b.NextBackOff()
	}
	rc.PatternLimit = c.Recovery.PatternLimit
	rc.MinPatternConfidence = c.Recovery.MinPatternConfidence
	return rc
}

// ParallelConfig returns the validation coordinator configuration.
func (c *Config) ParallelConfig() parallel.Config {
	return parallel.Config{
		Barrier:           c.Parallel.Barrier.Duration(),
		AggregationWindow: c.Parallel.AggregationWindow.Duration(),
	}
}

// ResilientConfig returns the pattern store wrapper configuration.
func (c *Config) ResilientConfig() patternstore.ResilientConfig {
	rc := patternstore.DefaultResilientConfig()
	rc.Attempts = c.PatternStore.Attempts
	rc.AttemptTimeout = c.PatternStore.AttemptTimeout.Duration()
	rc.QueuePath = c.PatternStore.QueuePath
	rc.QueueCapacity = c.PatternStore.QueueCapacity
	rc.FlushRate = c.PatternStore.FlushRate
	return rc
}

// HumanTimeouts returns the prompt timeouts.
func (c *Config) HumanTimeouts() human.Timeouts {
	return human.Timeouts{
		Confirm:     c.Human.Confirm.Duration(),
		Destructive: c.Human.Destructive.Duration(),
		DoubleStep:  c.Human.DoubleStep.Duration(),
		Choice:      c.Human.Choice.Duration(),
		Input:       c.Human.Input.Duration(),
	}
}

// AuditConfig returns the audit log configuration.
func (c *Config) AuditConfig() audit.Config {
	return audit.Config{
		Path:       c.Audit.Path,
		MaxSizeMB:  c.Audit.MaxSizeMB,
		MaxBackups: c.Audit.MaxBackups,
		MaxAgeDays: c.Audit.MaxAgeDays,
		Compress:   c.Audit.Compress,
	}
}

// TelemetryConfig returns the telemetry configuration.
func (c *Config) TelemetryConfig() *telemetry.Config {
	tc := telemetry.NewDefaultConfig()
	tc.Enabled = c.Telemetry.Enabled
	tc.Protocol = c.Telemetry.Protocol
	tc.Endpoint = c.Telemetry.Endpoint
	tc.Insecure = c.Telemetry.Insecure
	tc.ServiceName = c.Telemetry.ServiceName
	tc.SampleRate = c.Telemetry.SampleRate
	tc.MetricsEnabled = c.Telemetry.MetricsEnabled
	tc.ExportInterval = c.Telemetry.ExportInterval.Duration()
	tc.ShutdownTimeout = c.Telemetry.ShutdownTimeout.Duration()
	return tc
}

// LoggingConfig returns the logger configuration.
func (c *Config) LoggingConfig() (*logging.Config, error) {
	lc := logging.NewDefaultConfig()
	level, err := logging.LevelFromString(c.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}
	lc.Level = level
	lc.Format = c.Logging.Format
	lc.Output = c.Logging.Output
	for k, v := range c.Logging.Fields {
		lc.Fields[k] = v
	}
	return lc, nil
}
