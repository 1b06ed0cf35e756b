package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LoopMetrics tracks health of the bounded execution loop.
type LoopMetrics struct {
	budgetStops      prometheus.CounterVec
	checkpointSaves  prometheus.Counter
	checkpointErrors prometheus.Counter
	cacheDegraded    prometheus.Counter
	approvalExpiries prometheus.Counter
	streakAborts     prometheus.CounterVec
	budgetRemaining  prometheus.GaugeVec
}

var (
	defaultLoopMetrics     *LoopMetrics
	defaultLoopMetricsOnce sync.Once
)

// NewLoopMetrics builds a LoopMetrics recorder using the default registry.
func NewLoopMetrics() *LoopMetrics {
	defaultLoopMetricsOnce.Do(func() {
		defaultLoopMetrics = newLoopMetrics(prometheus.DefaultRegisterer)
	})
	return defaultLoopMetrics
}

// NewLoopMetricsWithRegisterer allows tests to provide a dedicated registry.
func NewLoopMetricsWithRegisterer(reg prometheus.Registerer) *LoopMetrics {
	return newLoopMetrics(reg)
}

func newLoopMetrics(reg prometheus.Registerer) *LoopMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &LoopMetrics{
		budgetStops: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tether",
			Subsystem: "loop",
			Name:      "budget_stop_total",
			Help:      "Runs halted because a budget resource ran out, by resource",
		}, []string{"resource"}),
		checkpointSaves: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tether",
			Subsystem: "loop",
			Name:      "checkpoint_total",
			Help:      "Checkpoints persisted during task runs",
		}),
		checkpointErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tether",
			Subsystem: "loop",
			Name:      "checkpoint_error_total",
			Help:      "Checkpoint writes that failed and were skipped",
		}),
		cacheDegraded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tether",
			Subsystem: "loop",
			Name:      "cache_degraded_total",
			Help:      "Cache lookups or stores that failed and were treated as misses",
		}),
		approvalExpiries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tether",
			Subsystem: "loop",
			Name:      "approval_expired_total",
			Help:      "Approval requests that timed out waiting for a decision",
		}),
		streakAborts: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tether",
			Subsystem: "loop",
			Name:      "streak_abort_total",
			Help:      "Runs aborted by consecutive denial or failure streaks, by cause",
		}, []string{"cause"}),
		budgetRemaining: *factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tether",
			Subsystem: "loop",
			Name:      "budget_remaining",
			Help:      "Remaining budget per resource after the most recent step",
		}, []string{"resource"}),
	}
}

// RecordBudgetStop increments the budget stop counter for a resource.
func (m *LoopMetrics) RecordBudgetStop(resource string) {
	if m == nil {
		return
	}
	counter := m.budgetStops.WithLabelValues(resource)
	counter.Inc()
}

// RecordCheckpoint increments the checkpoint save counter.
func (m *LoopMetrics) RecordCheckpoint() {
	if m == nil || m.checkpointSaves == nil {
		return
	}
	m.checkpointSaves.Inc()
}

// RecordCheckpointError increments the checkpoint error counter.
func (m *LoopMetrics) RecordCheckpointError() {
	if m == nil || m.checkpointErrors == nil {
		return
	}
	m.checkpointErrors.Inc()
}

// RecordCacheDegraded increments the degraded cache operation counter.
func (m *LoopMetrics) RecordCacheDegraded() {
	if m == nil || m.cacheDegraded == nil {
		return
	}
	m.cacheDegraded.Inc()
}

// RecordApprovalExpired increments the approval timeout counter.
func (m *LoopMetrics) RecordApprovalExpired() {
	if m == nil || m.approvalExpiries == nil {
		return
	}
	m.approvalExpiries.Inc()
}

// RecordStreakAbort increments the abort counter for a cause: denials or failures.
func (m *LoopMetrics) RecordStreakAbort(cause string) {
	if m == nil {
		return
	}
	counter := m.streakAborts.WithLabelValues(cause)
	counter.Inc()
}

// SetBudgetRemaining sets the latest remaining budget for a resource.
func (m *LoopMetrics) SetBudgetRemaining(resource string, remaining float64) {
	if m == nil {
		return
	}
	gauge := m.budgetRemaining.WithLabelValues(resource)
	gauge.Set(remaining)
}
