// Package audit writes the append-only decision log: every escalation,
// timeout and recovery decision with its reason, one JSON object per line.
package audit

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/fyrsmithlabs/autopilot/internal/workflow"
)

// Kind categorises an audit entry.
type Kind string

const (
	KindEscalation Kind = "escalation"
	KindTimeout    Kind = "timeout"
	KindRecovery   Kind = "recovery"
	KindRollback   Kind = "rollback"
	KindMenu       Kind = "menu"
	KindDecision   Kind = "decision"
)

// Config configures the audit log file.
type Config struct {
	// Path of the log file. Empty disables auditing.
	Path string
	// MaxSizeMB before rotation (default 100).
	MaxSizeMB int
	// MaxBackups kept (default 10).
	MaxBackups int
	// MaxAgeDays kept (default 30).
	MaxAgeDays int
	Compress   bool
}

// Logger is the audit log.
type Logger struct {
	z      *zap.Logger
	closer io.Closer
}

// New opens the audit log described by cfg.
func New(cfg Config) (*Logger, error) {
	if cfg.Path == "" {
		return Nop(), nil
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 100
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 10
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = 30
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	file := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	l := NewWithWriter(zapcore.AddSync(file))
	l.closer = file
	return l, nil
}

// NewWithWriter writes audit entries to w.
func NewWithWriter(w zapcore.WriteSyncer) *Logger {
	enc := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		MessageKey:     "event",
		LevelKey:       "",
		EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		LineEnding:     zapcore.DefaultLineEnding,
	})
	core := zapcore.NewCore(enc, w, zapcore.DebugLevel)
	return &Logger{z: zap.New(core)}
}

// Nop discards every entry.
func Nop() *Logger { return &Logger{z: zap.NewNop()} }

// Record writes one entry.
func (l *Logger) Record(kind Kind, workflowID, stepID, decision, reason string, fields ...zap.Field) {
	base := []zap.Field{
		zap.String("kind", string(kind)),
		zap.String("workflow_id", workflowID),
		zap.String("step_id", stepID),
		zap.String("decision", decision),
		zap.String("reason", reason),
	}
	l.z.Info(string(kind), append(base, fields...)...)
}

// Escalation records an escalation decision.
func (l *Logger) Escalation(workflowID, stepID string, level workflow.EscalationLevel, reason string) {
	l.Record(KindEscalation, workflowID, stepID, string(level), reason)
}

// Timeout records a fired timeout.
func (l *Logger) Timeout(workflowID string, te *workflow.TimeoutError) {
	l.Record(KindTimeout, workflowID, te.OperationID, string(te.Level), te.Error(),
		zap.String("parent_id", te.ParentID),
		zap.Duration("elapsed", te.Elapsed),
		zap.Duration("limit", te.Limit),
	)
}

// Recovery records the outcome of a recovery attempt.
func (l *Logger) Recovery(workflowID string, a workflow.RecoveryAttempt) {
	decision := "failed"
	if a.Succeeded {
		decision = "recovered"
	}
	l.Record(KindRecovery, workflowID, a.StepID, decision, a.Reason,
		zap.String("strategy", a.Strategy),
		zap.String("classification", string(a.Classification)),
		zap.Int("attempt", a.Attempt),
	)
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	err := l.z.Sync()
	// Syncing a rotated file handle or stdout may report EINVAL.
	var pe *os.PathError
	if errors.As(err, &pe) {
		return nil
	}
	return err
}

// Close flushes and closes the log file.
func (l *Logger) Close() error {
	_ = l.Sync()
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}
