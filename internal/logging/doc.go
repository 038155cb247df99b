// Package logging builds the process logger.
//
// The logger is Zap with ISO8601 timestamps, JSON or console encoding,
// optional sampling below error level, and a redacting encoder that masks
// sensitive keys and values. Components receive the underlying
// *zap.Logger; FromContext attaches the workflow, step and trace IDs
// carried by a context:
//
//	ctx = logging.WithWorkflowID(ctx, inst.ID)
//	logging.FromContext(ctx, logger).Info("step started")
//
// NewTestLogger records entries for assertions in tests.
package logging
