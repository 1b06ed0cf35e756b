package budget

import (
	"fmt"
	"sync"
	"time"

	"tether/internal/agent/ports"
	"tether/internal/errors"
	"tether/internal/shared/logging"
)

// Resource identifies one budgeted resource kind.
type Resource int

const (
	ResourceSteps Resource = iota
	ResourceTokens
	ResourceCost
	ResourceDuration
)

func (r Resource) String() string {
	switch r {
	case ResourceSteps:
		return "steps"
	case ResourceTokens:
		return "tokens"
	case ResourceCost:
		return "cost"
	case ResourceDuration:
		return "duration"
	default:
		return "unknown"
	}
}

// Limits configures a task's execution budget. A zero or negative value
// leaves that resource unlimited.
type Limits struct {
	MaxSteps    int           `json:"max_steps" yaml:"max_steps"`
	MaxTokens   int           `json:"max_tokens" yaml:"max_tokens"`
	MaxCostUSD  float64       `json:"max_cost_usd" yaml:"max_cost_usd"`
	MaxDuration time.Duration `json:"max_duration" yaml:"max_duration"`
}

// Ledger tracks one task's consumption against its limits. Counters only
// ever grow and are mutated exclusively through Record; a failed Record
// leaves every counter untouched.
//
// Duration is not a counter: it is measured from task start and evaluated
// lazily whenever the ledger is queried, so a long-running tool call can
// overrun the deadline and is caught at the next step boundary.
type Ledger struct {
	mu     sync.Mutex
	limits Limits
	logger logging.Logger

	steps   int
	tokens  int
	costUSD float64
	start   time.Time
}

// Option customizes ledger construction.
type Option func(*Ledger)

// WithLogger attaches a logger for budget denials.
func WithLogger(logger logging.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// WithStartTime overrides the task start used for duration accounting,
// used when resuming from a checkpoint.
func WithStartTime(start time.Time) Option {
	return func(l *Ledger) {
		l.start = start
	}
}

// NewLedger creates a ledger with all counters at zero and the task clock
// started now.
func NewLedger(limits Limits, opts ...Option) *Ledger {
	l := &Ledger{
		limits: limits,
		logger: logging.Nop(),
		start:  time.Now(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewLedgerFromReport seeds a ledger from a checkpointed consumption report.
// The task clock is rewound so the already-elapsed time keeps counting
// against the duration limit.
func NewLedgerFromReport(limits Limits, report ports.BudgetReport, opts ...Option) *Ledger {
	l := NewLedger(limits, opts...)
	l.steps = report.Steps
	l.tokens = report.Tokens
	l.costUSD = report.CostUSD
	l.start = time.Now().Add(-report.Elapsed)
	return l
}

// Record adds amount to the counter for res. It fails with a
// BudgetExceededError when the post-increment value would exceed the limit,
// leaving the counter unchanged. Amounts must be non-negative; step and
// token amounts are whole numbers.
func (l *Ledger) Record(res Resource, amount float64) error {
	if amount < 0 {
		return fmt.Errorf("budget: negative amount %g for %s", amount, res)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	switch res {
	case ResourceSteps:
		n := int(amount)
		if l.limits.MaxSteps > 0 && l.steps+n > l.limits.MaxSteps {
			return l.reject(res, float64(l.limits.MaxSteps), float64(l.steps), amount)
		}
		l.steps += n

	case ResourceTokens:
		n := int(amount)
		if l.limits.MaxTokens > 0 && l.tokens+n > l.limits.MaxTokens {
			return l.reject(res, float64(l.limits.MaxTokens), float64(l.tokens), amount)
		}
		l.tokens += n

	case ResourceCost:
		if l.limits.MaxCostUSD > 0 && l.costUSD+amount > l.limits.MaxCostUSD {
			return l.reject(res, l.limits.MaxCostUSD, l.costUSD, amount)
		}
		l.costUSD += amount

	case ResourceDuration:
		// Duration accrues from the task clock, not from Record calls.
		return fmt.Errorf("budget: duration is derived from the task clock and cannot be recorded")

	default:
		return fmt.Errorf("budget: unknown resource %d", res)
	}

	return nil
}

func (l *Ledger) reject(res Resource, limit, used, requested float64) error {
	err := &errors.BudgetExceededError{
		Resource:  res.String(),
		Limit:     limit,
		Used:      used,
		Requested: requested,
	}
	l.logger.Warn("Budget denial: %v", err)
	return err
}

// Remaining returns how much of a resource is left before its limit.
// Unlimited resources report a negative value.
func (l *Ledger) Remaining(res Resource) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch res {
	case ResourceSteps:
		if l.limits.MaxSteps <= 0 {
			return -1
		}
		return float64(l.limits.MaxSteps - l.steps)
	case ResourceTokens:
		if l.limits.MaxTokens <= 0 {
			return -1
		}
		return float64(l.limits.MaxTokens - l.tokens)
	case ResourceCost:
		if l.limits.MaxCostUSD <= 0 {
			return -1
		}
		return l.limits.MaxCostUSD - l.costUSD
	case ResourceDuration:
		if l.limits.MaxDuration <= 0 {
			return -1
		}
		return (l.limits.MaxDuration - time.Since(l.start)).Seconds()
	default:
		return 0
	}
}

// IsExhausted reports whether any resource is at or over its limit.
func (l *Ledger) IsExhausted() bool {
	_, exhausted := l.ExhaustedResource()
	return exhausted
}

// ExhaustedResource returns the first resource at or over its limit.
func (l *Ledger) ExhaustedResource() (Resource, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.exhaustedLocked()
}

func (l *Ledger) exhaustedLocked() (Resource, bool) {
	if l.limits.MaxSteps > 0 && l.steps >= l.limits.MaxSteps {
		return ResourceSteps, true
	}
	if l.limits.MaxTokens > 0 && l.tokens >= l.limits.MaxTokens {
		return ResourceTokens, true
	}
	if l.limits.MaxCostUSD > 0 && l.costUSD >= l.limits.MaxCostUSD {
		return ResourceCost, true
	}
	if l.limits.MaxDuration > 0 && time.Since(l.start) >= l.limits.MaxDuration {
		return ResourceDuration, true
	}
	return 0, false
}

// Report returns the current consumption snapshot.
func (l *Ledger) Report() ports.BudgetReport {
	l.mu.Lock()
	defer l.mu.Unlock()

	report := ports.BudgetReport{
		Steps:       l.steps,
		MaxSteps:    l.limits.MaxSteps,
		Tokens:      l.tokens,
		MaxTokens:   l.limits.MaxTokens,
		CostUSD:     l.costUSD,
		MaxCostUSD:  l.limits.MaxCostUSD,
		Elapsed:     time.Since(l.start),
		MaxDuration: l.limits.MaxDuration,
	}
	if res, exhausted := l.exhaustedLocked(); exhausted {
		report.Exhausted = res.String()
	}
	return report
}

// Limits returns the configured limits.
func (l *Ledger) Limits() Limits {
	return l.limits
}
