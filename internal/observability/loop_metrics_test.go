package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestLoopMetrics_Records(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewLoopMetricsWithRegisterer(reg)

	m.RecordBudgetStop("tokens")
	m.RecordBudgetStop("tokens")
	m.RecordBudgetStop("cost_usd")
	m.RecordCheckpoint()
	m.RecordCheckpointError()
	m.RecordCacheDegraded()
	m.RecordApprovalExpired()
	m.RecordStreakAbort("denials")
	m.SetBudgetRemaining("steps", 7)
	m.SetBudgetRemaining("steps", 5)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.budgetStops.WithLabelValues("tokens")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.budgetStops.WithLabelValues("cost_usd")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.checkpointSaves))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.checkpointErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheDegraded))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.approvalExpiries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.streakAborts.WithLabelValues("denials")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.budgetRemaining.WithLabelValues("steps")))
}

func TestLoopMetrics_NilReceiverIsSafe(t *testing.T) {
	var m *LoopMetrics

	m.RecordBudgetStop("steps")
	m.RecordCheckpoint()
	m.RecordCheckpointError()
	m.RecordCacheDegraded()
	m.RecordApprovalExpired()
	m.RecordStreakAbort("failures")
	m.SetBudgetRemaining("tokens", 100)
}

func TestLoopMetrics_DefaultIsSingleton(t *testing.T) {
	first := NewLoopMetrics()
	second := NewLoopMetrics()
	assert.Same(t, first, second)
}
