package recovery

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/autopilot/internal/patternstore"
	"github.com/fyrsmithlabs/autopilot/internal/workflow"
)

type recordingCheckpointer struct {
	calls []string
	err   error
}

func (c *recordingCheckpointer) CheckpointRecovery(_ context.Context, stepID, strategy string) error {
	c.calls = append(c.calls, stepID+":"+strategy)
	return c.err
}

type staticPrompter struct {
	value string
	err   error
	asked []string
}

func (p *staticPrompter) ProvideValue(_ context.Context, key, _ string) (string, error) {
	p.asked = append(p.asked, key)
	return p.value, p.err
}

type mapSource map[string]string

func (m mapSource) Lookup(_ context.Context, key string) (string, bool, error) {
	v, ok := m[key]
	return v, ok, nil
}

type recordingApplier struct {
	applied []string
	fail    map[string]bool
}

func (a *recordingApplier) ApplyFix(_ context.Context, _ string, p patternstore.Pattern) error {
	a.applied = append(a.applied, p.ID)
	if a.fail[p.ID] {
		return errors.New("fix did not apply")
	}
	return nil
}

func noSleep(slept *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want workflow.Classification
	}{
		{"typed missing config", &MissingConfigError{Key: "API_TOKEN"}, workflow.ClassMissingConfig},
		{"wrapped transient", errors.Join(errors.New("boom"), workflow.ErrTransientFailure), workflow.ClassTransientError},
		{"timeout error", &workflow.TimeoutError{Level: workflow.LevelAgent}, workflow.ClassTransientError},
		{"deadline", context.DeadlineExceeded, workflow.ClassTransientError},
		{"known pattern", workflow.ErrKnownFailurePattern, workflow.ClassKnownPattern},
		{"env message", errors.New("DATABASE_URL is not set"), workflow.ClassMissingConfig},
		{"config file message", errors.New("open settings.yaml: no such file or directory"), workflow.ClassMissingConfig},
		{"connection refused", errors.New("dial tcp 10.0.0.1:5432: connection refused"), workflow.ClassTransientError},
		{"http 503", errors.New("upstream returned 503"), workflow.ClassTransientError},
		{"assertion", errors.New("expected 4 got 5"), workflow.ClassUnknown},
		{"nil", nil, workflow.ClassUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestMissingKey(t *testing.T) {
	assert.Equal(t, "API_TOKEN", MissingKey(&MissingConfigError{Key: "API_TOKEN"}))
	assert.Equal(t, "DATABASE_URL", MissingKey(errors.New("DATABASE_URL is not set")))
	assert.Empty(t, MissingKey(errors.New("something is not set")))
}

func TestRecover_LocatesConfigFromSource(t *testing.T) {
	cp := &recordingCheckpointer{}
	o := New(DefaultConfig(), nil,
		WithConfigSources(mapSource{"API_TOKEN": "s3cret"}),
		WithCheckpointer(cp),
	)

	var retried int
	out := o.Recover(context.Background(), Request{
		StepID: "deploy",
		Err:    &MissingConfigError{Key: "API_TOKEN"},
		Retry: func(context.Context) error {
			retried++
			v, ok := o.Overlay().Get("API_TOKEN")
			if !ok || v != "s3cret" {
				return errors.New("still missing")
			}
			return nil
		},
	})

	require.True(t, out.Recovered)
	assert.Equal(t, StrategyLocateConfig, out.Strategy)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, 1, retried)
	assert.Equal(t, []string{"deploy:locate_config"}, cp.calls)
	assert.Equal(t, []string{"API_TOKEN=s3cret"}, o.Overlay().Environ())
}

func TestRecover_PromptsWhenNotFound(t *testing.T) {
	prompter := &staticPrompter{value: "from-human"}
	o := New(DefaultConfig(), nil, WithConfigSources(mapSource{}), WithPrompter(prompter))

	out := o.Recover(context.Background(), Request{
		StepID: "s",
		Err:    &MissingConfigError{Key: "REGION"},
		Retry:  func(context.Context) error { return nil },
	})
	require.True(t, out.Recovered)
	assert.Equal(t, []string{"REGION"}, prompter.asked)
	assert.Contains(t, out.Log[0].Reason, "human")
}

func TestRecover_TransientBackoff(t *testing.T) {
	var slept []time.Duration
	o := New(DefaultConfig(), nil, WithSleep(noSleep(&slept)))

	calls := 0
	out := o.Recover(context.Background(), Request{
		StepID: "fetch",
		Err:    errors.New("connection reset by peer"),
		Retry: func(context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("connection reset by peer")
			}
			return nil
		},
	})

	require.True(t, out.Recovered)
	assert.Equal(t, StrategyTransientRetry, out.Strategy)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, slept)
	assert.Len(t, o.Log(), 3)
}

func TestRecover_NeverRetriesNonTransient(t *testing.T) {
	var slept []time.Duration
	o := New(DefaultConfig(), nil, WithSleep(noSleep(&slept)))

	calls := 0
	out := o.Recover(context.Background(), Request{
		StepID: "test",
		Err:    errors.New("expected 4 got 5"),
		Retry:  func(context.Context) error { calls++; return nil },
	})

	assert.False(t, out.Recovered)
	assert.Zero(t, calls)
	assert.Empty(t, slept)
}

func TestRecover_ExhaustedReportListsEveryStrategy(t *testing.T) {
	var slept []time.Duration
	o := New(DefaultConfig(), nil, WithSleep(noSleep(&slept)))

	out := o.Recover(context.Background(), Request{
		StepID: "fetch",
		Err:    errors.New("i/o timeout"),
		Retry:  func(context.Context) error { return errors.New("i/o timeout") },
	})

	require.False(t, out.Recovered)
	assert.Equal(t, StrategyEscalate, out.Strategy)
	assert.ErrorIs(t, out.Err, workflow.ErrEscalationRequired)

	var exhausted *workflow.RecoveryExhaustedError
	require.ErrorAs(t, out.Err, &exhausted)
	require.Len(t, exhausted.Report, 3)
	assert.Equal(t, "locate_config", exhausted.Report[0].Strategy)
	assert.Contains(t, exhausted.Report[0].Reason, "not applicable")
	assert.Equal(t, 3, exhausted.Report[1].Attempts)
	assert.Contains(t, exhausted.Report[1].Reason, "still failing after 3 retries")
	assert.Equal(t, "pattern store not configured", exhausted.Report[2].Reason)
	assert.Contains(t, out.Err.Error(), "transient_retry: still failing")
}

func TestRecover_PatternFixWithFeedback(t *testing.T) {
	mem := patternstore.NewMemoryStore(0.5)
	resilient, err := patternstore.NewResilient(mem, patternstore.DefaultResilientConfig(), nil)
	require.NoError(t, err)

	failure := errors.New("lockfile out of date: run install")
	sig := patternstore.Signature(failure.Error())
	ctx := context.Background()
	require.NoError(t, mem.Write(ctx, patternstore.Pattern{ID: "bad", Signature: sig, Fix: "rm -rf", Confidence: 0.9}))
	require.NoError(t, mem.Write(ctx, patternstore.Pattern{ID: "good", Signature: sig, Fix: "make install", Confidence: 0.6}))

	applier := &recordingApplier{fail: map[string]bool{"bad": true}}
	cp := &recordingCheckpointer{}
	o := New(DefaultConfig(), nil, WithPatterns(resilient, applier), WithCheckpointer(cp))

	out := o.Recover(ctx, Request{
		StepID: "build",
		Err:    failure,
		Retry:  func(context.Context) error { return nil },
	})

	require.True(t, out.Recovered)
	assert.Equal(t, StrategyPatternFix, out.Strategy)
	assert.Equal(t, workflow.ClassKnownPattern, out.Classification)
	assert.Equal(t, []string{"bad", "good"}, applier.applied)
	assert.Len(t, cp.calls, 2)

	got, err := mem.Query(ctx, sig, 5)
	require.NoError(t, err)
	byID := map[string]patternstore.Pattern{}
	for _, m := range got {
		byID[m.Pattern.ID] = m.Pattern
	}
	assert.Equal(t, 1, byID["bad"].FailureCount)
	assert.InDelta(t, 0.8, byID["bad"].Confidence, 1e-9)
	assert.Equal(t, 1, byID["good"].SuccessCount)
	assert.InDelta(t, 0.7, byID["good"].Confidence, 1e-9)
}

func TestRecover_CheckpointFailureBlocksAttempt(t *testing.T) {
	cp := &recordingCheckpointer{err: errors.New("disk full")}
	o := New(DefaultConfig(), nil, WithConfigSources(mapSource{"KEY_A": "v"}), WithCheckpointer(cp))

	calls := 0
	out := o.Recover(context.Background(), Request{
		StepID: "s",
		Err:    &MissingConfigError{Key: "KEY_A"},
		Retry:  func(context.Context) error { calls++; return nil },
	})
	assert.False(t, out.Recovered)
	assert.Zero(t, calls)
	_, set := o.Overlay().Get("KEY_A")
	assert.False(t, set)
}

func TestLearn(t *testing.T) {
	mem := patternstore.NewMemoryStore(0.5)
	resilient, err := patternstore.NewResilient(mem, patternstore.DefaultResilientConfig(), nil)
	require.NoError(t, err)
	o := New(DefaultConfig(), nil, WithPatterns(resilient, &recordingApplier{}))

	p, err := o.Learn(context.Background(), errors.New(`module "x" not found`), "dependency", "go mod tidy")
	require.NoError(t, err)
	assert.Equal(t, `module <str> not found`, p.Signature)
	assert.Equal(t, 1, mem.Len())
}

func TestDotenvSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("API_TOKEN=abc\nEMPTY=\n"), 0o600))

	src := DotenvSource{Paths: []string{filepath.Join(dir, "missing.env"), path}}
	v, ok, err := src.Lookup(context.Background(), "API_TOKEN")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "abc", v)

	_, ok, err = src.Lookup(context.Background(), "EMPTY")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecover_StallStopsChain(t *testing.T) {
	var slept []time.Duration
	o := New(DefaultConfig(), nil, WithSleep(noSleep(&slept)))

	stall := &workflow.StallError{StepID: "fetch", Hash: "abc", Attempt: 2}
	calls := 0
	out := o.Recover(context.Background(), Request{
		StepID: "fetch",
		Err:    errors.New("503 from upstream"),
		Retry: func(context.Context) error {
			calls++
			return stall
		},
		Checkpoint: func(context.Context, string) error { return nil },
	})

	assert.False(t, out.Recovered)
	assert.Equal(t, 1, calls)
	assert.Equal(t, StrategyTransientRetry, out.Strategy)
	assert.ErrorIs(t, out.Err, workflow.ErrStallDetected)
}
