package ports

import (
	"context"
	"time"
)

// Task is one unit of work submitted to the execution loop. It is created at
// invocation and never mutated afterwards.
type Task struct {
	ID        string    `json:"id"`
	Goal      string    `json:"goal"`
	Actor     string    `json:"actor,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskStatus is the terminal outcome of a task.
type TaskStatus string

const (
	StatusCompleted       TaskStatus = "completed"
	StatusBudgetExhausted TaskStatus = "budget_exhausted"
	StatusRejected        TaskStatus = "rejected"
	StatusError           TaskStatus = "error"
)

// StepKind classifies a history entry.
type StepKind string

const (
	// StepExecuted is a tool call that ran and produced a result.
	StepExecuted StepKind = "executed"
	// StepCacheHit is a tool call answered from the result cache.
	StepCacheHit StepKind = "cache_hit"
	// StepDenied is a tool call refused by policy, approver, or timeout.
	StepDenied StepKind = "denied"
	// StepFailed is a tool call that kept failing after its retry budget.
	StepFailed StepKind = "failed"
)

// Step is one entry in a task's history. Executed and cache-hit steps carry a
// result; denied and failed steps carry a note describing what happened so
// the decision-maker can adapt.
type Step struct {
	Index    int           `json:"index"`
	Kind     StepKind      `json:"kind"`
	Call     *ToolCall     `json:"call,omitempty"`
	Result   *ToolResult   `json:"result,omitempty"`
	Note     string        `json:"note,omitempty"`
	At       time.Time     `json:"at"`
	Duration time.Duration `json:"duration,omitempty"`
}

// BudgetReport is the consumption summary attached to every task result and
// checkpoint. Counters never decrease; Elapsed is measured from task start.
type BudgetReport struct {
	Steps       int           `json:"steps"`
	MaxSteps    int           `json:"max_steps"`
	Tokens      int           `json:"tokens"`
	MaxTokens   int           `json:"max_tokens"`
	CostUSD     float64       `json:"cost_usd"`
	MaxCostUSD  float64       `json:"max_cost_usd"`
	Elapsed     time.Duration `json:"elapsed"`
	MaxDuration time.Duration `json:"max_duration"`
	// Exhausted names the first resource that hit its limit, empty otherwise.
	Exhausted string `json:"exhausted,omitempty"`
}

// TaskResult represents the result of task execution. It is returned for
// every terminal state; failed tasks still carry their partial history and
// budget report.
type TaskResult struct {
	TaskID       string        `json:"task_id"`
	Status       TaskStatus    `json:"status"`
	Answer       string        `json:"answer,omitempty"`
	History      []Step        `json:"history"`
	Budget       BudgetReport  `json:"budget"`
	ErrorMessage string        `json:"error_message,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// Checkpoint is an immutable snapshot of a task taken every N executed steps,
// used to resume after interruption.
type Checkpoint struct {
	TaskID    string       `json:"task_id"`
	Step      int          `json:"step"`
	History   []Step       `json:"history"`
	Budget    BudgetReport `json:"budget"`
	CreatedAt time.Time    `json:"created_at"`
}

// CheckpointStore persists checkpoints. Implementations must keep snapshots
// immutable: a later checkpoint replaces, never edits, an earlier one.
type CheckpointStore interface {
	// Save persists a checkpoint.
	Save(ctx context.Context, cp *Checkpoint) error

	// Latest returns the most recent checkpoint for a task, or nil when the
	// task has none.
	Latest(ctx context.Context, taskID string) (*Checkpoint, error)

	// Delete removes all checkpoints for a task.
	Delete(ctx context.Context, taskID string) error
}
