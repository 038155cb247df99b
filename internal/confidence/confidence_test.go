package confidence

import (
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestCompute(t *testing.T) {
	calc := NewCalculator(nil)

	tests := []struct {
		name   string
		in     Signals
		want   float64
		method Method
	}{
		{"no signals", Signals{}, 25, MethodEmpty},
		{"single high signal is capped", Signals{Verdict: Value(95)}, 60, MethodSingle},
		{"single low signal passes through", Signals{Reviewer: Value(40)}, 40, MethodSingle},
		{
			"agreeing signals use plain weights",
			Signals{Verdict: Value(100), Memory: Value(80)},
			(100*35 + 80*25) / 60.0, MethodWeighted,
		},
		{
			"diverging signals use priority weights",
			Signals{Verdict: Value(100), Memory: Value(20)},
			(100*35*1.5 + 20*25*1.25) / (35*1.5 + 25*1.25), MethodPriority,
		},
		{
			"spread of exactly 30 is not divergence",
			Signals{Verdict: Value(80), Collaborative: Value(50)},
			(80*35 + 50*15) / 50.0, MethodWeighted,
		},
		{
			"all five signals",
			Signals{Verdict: Value(50), Memory: Value(50), Reviewer: Value(50), Collaborative: Value(50), ResourceTier: Value(50)},
			50, MethodWeighted,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := calc.Compute(tt.in)
			assert.InDelta(t, tt.want, got.Value, 1e-9)
			assert.Equal(t, tt.method, got.Method)
			assert.Equal(t, Classify(got.Value), got.Tier)
		})
	}
}

func TestCompute_ResourceTierRescalesWeights(t *testing.T) {
	got := NewCalculator(nil).Compute(Signals{Verdict: Value(90), ResourceTier: Value(70)})

	require.Len(t, got.Breakdown, 2)
	assert.InDelta(t, 35*100.0/110.0, got.Breakdown[0].Weight, 1e-9)
	assert.InDelta(t, 10.0, got.Breakdown[1].Weight, 1e-9)

	want := (90*35*100.0/110.0 + 70*10) / (35*100.0/110.0 + 10)
	assert.InDelta(t, want, got.Value, 1e-9)
}

func TestCompute_ErrorFallback(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	calc := NewCalculator(zap.New(core))

	for name, s := range map[string]Signals{
		"nan":          {Verdict: Value(math.NaN()), Memory: Value(50)},
		"out of range": {Memory: Value(140)},
		"negative":     {Reviewer: Value(-1)},
		"infinite":     {Collaborative: Value(math.Inf(1))},
	} {
		t.Run(name, func(t *testing.T) {
			got := calc.Compute(s)
			assert.Equal(t, ErrorScore, got.Value)
			assert.Equal(t, MethodError, got.Method)
			assert.NotEmpty(t, got.Err)
		})
	}
	assert.Equal(t, 4, logs.FilterMessage("confidence computation failed, using fallback").Len())
}

func TestClassify(t *testing.T) {
	assert.Equal(t, TierHigh, Classify(70))
	assert.Equal(t, TierMedium, Classify(69.9))
	assert.Equal(t, TierMedium, Classify(40))
	assert.Equal(t, TierLow, Classify(39.99))
}

func genSignal() gopter.Gen {
	return gen.PtrOf(gen.Float64Range(0, 100))
}

func TestProperty_ScoreBounds(t *testing.T) {
	properties := gopter.NewProperties(nil)
	calc := NewCalculator(nil)

	properties.Property("score always within 0..100", prop.ForAll(
		func(v, m, r, c, rt *float64) bool {
			got := calc.Compute(Signals{Verdict: v, Memory: m, Reviewer: r, Collaborative: c, ResourceTier: rt})
			return got.Value >= 0 && got.Value <= 100
		},
		genSignal(), genSignal(), genSignal(), genSignal(), genSignal(),
	))

	properties.Property("single signal never exceeds cap", prop.ForAll(
		func(v float64) bool {
			return calc.Compute(Signals{Memory: &v}).Value <= SingleSignalCap
		},
		gen.Float64Range(0, 100),
	))

	properties.Property("score lies between min and max signal", prop.ForAll(
		func(a, b float64) bool {
			got := calc.Compute(Signals{Verdict: &a, Reviewer: &b}).Value
			return got >= math.Min(a, b)-1e-9 && got <= math.Max(a, b)+1e-9
		},
		gen.Float64Range(0, 100), gen.Float64Range(0, 100),
	))

	properties.TestingRun(t)
}
