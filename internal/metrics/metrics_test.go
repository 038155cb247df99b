package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSetPatternStore(t *testing.T) {
	SetPatternStore(true, 7)
	assert.Equal(t, 1.0, testutil.ToFloat64(PatternStoreDegraded))
	assert.Equal(t, 7.0, testutil.ToFloat64(PatternWritesPending))

	SetPatternStore(false, 0)
	assert.Equal(t, 0.0, testutil.ToFloat64(PatternStoreDegraded))
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(Escalations.WithLabelValues("advanced_review"))
	Escalations.WithLabelValues("advanced_review").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(Escalations.WithLabelValues("advanced_review")))
}
