package logging

import (
	"context"
	"fmt"
	"regexp"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type workflowCtxKey struct{}
type stepCtxKey struct{}

const maxIDLen = 128

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9._:/-]+$`)

// ContextFields returns the correlation fields carried by ctx: the
// OpenTelemetry trace and span, the workflow and the step.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 4)

	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if id := WorkflowIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("workflow_id", id))
	}
	if id := StepIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("step_id", id))
	}
	return fields
}

// WithWorkflowID tags ctx with a workflow instance ID. Invalid IDs are
// ignored.
func WithWorkflowID(ctx context.Context, id string) context.Context {
	if validateID(id) != nil {
		return ctx
	}
	return context.WithValue(ctx, workflowCtxKey{}, id)
}

// WorkflowIDFromContext returns the workflow ID, or "".
func WorkflowIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(workflowCtxKey{}).(string)
	return id
}

// WithStepID tags ctx with a step ID. Invalid IDs are ignored.
func WithStepID(ctx context.Context, id string) context.Context {
	if validateID(id) != nil {
		return ctx
	}
	return context.WithValue(ctx, stepCtxKey{}, id)
}

// StepIDFromContext returns the step ID, or "".
func StepIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(stepCtxKey{}).(string)
	return id
}

// FromContext returns logger with the correlation fields of ctx attached.
func FromContext(ctx context.Context, logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}

func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("id cannot be empty")
	}
	if len(id) > maxIDLen {
		return fmt.Errorf("id exceeds max length %d", maxIDLen)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("id %q contains invalid characters", id)
	}
	return nil
}
