package recovery

import (
	"context"
	"errors"
	"regexp"

	"github.com/fyrsmithlabs/autopilot/internal/workflow"
)

var (
	missingConfigRe = regexp.MustCompile(`(?i)(not set|is required|missing (config|configuration|env|environment variable|credential|api key|token|setting)|undefined (variable|env)|no such file[^\n]*\.(ya?ml|toml|json|env|ini|conf)\b|\.(ya?ml|toml|json|env|ini|conf)\b[^\n]*no such file)`)
	transientRe     = regexp.MustCompile(`(?i)(timed? ?out|timeout|connection (refused|reset)|temporar(y|ily)|try again|rate limit|too many requests|\b(429|502|503|504)\b|unexpected eof|broken pipe|i/o timeout|no route to host|resource busy|deadlock)`)
	envKeyRe        = regexp.MustCompile(`\b([A-Z][A-Z0-9]*_[A-Z0-9_]+|[A-Z]{3,})\b`)
)

// Classify maps a failure onto the recovery taxonomy without consulting the
// pattern store. Typed errors win over message matching.
func Classify(err error) workflow.Classification {
	if err == nil {
		return workflow.ClassUnknown
	}
	switch {
	case errors.Is(err, workflow.ErrConfigurationMissing):
		return workflow.ClassMissingConfig
	case errors.Is(err, workflow.ErrTransientFailure),
		errors.Is(err, workflow.ErrTimeoutFired),
		errors.Is(err, context.DeadlineExceeded):
		return workflow.ClassTransientError
	case errors.Is(err, workflow.ErrKnownFailurePattern):
		return workflow.ClassKnownPattern
	}

	msg := err.Error()
	switch {
	case missingConfigRe.MatchString(msg):
		return workflow.ClassMissingConfig
	case transientRe.MatchString(msg):
		return workflow.ClassTransientError
	}
	return workflow.ClassUnknown
}

// MissingKey extracts the configuration key a failure refers to.
func MissingKey(err error) string {
	var mc *MissingConfigError
	if errors.As(err, &mc) {
		return mc.Key
	}
	if err == nil {
		return ""
	}
	if m := envKeyRe.FindStringSubmatch(err.Error()); m != nil {
		return m[1]
	}
	return ""
}
