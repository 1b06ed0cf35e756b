package domain

import "tether/internal/agent/ports"

// LoopState is the execution loop's position in its lifecycle. Transitions
// only ever move forward within an iteration (planning -> executing or
// awaiting_approval) or into a terminal state; terminal states never leave.
type LoopState int

const (
	// StatePlanning is asking the decision-maker for the next action.
	StatePlanning LoopState = iota
	// StateExecuting is running an authorized tool call.
	StateExecuting
	// StateAwaitingApproval is blocked on a human decision.
	StateAwaitingApproval
	// StateCompleted is the final answer terminal.
	StateCompleted
	// StateBudgetExhausted is the resource-limit terminal.
	StateBudgetExhausted
	// StateRejected is the cancellation terminal.
	StateRejected
	// StateErrored is the unrecoverable-failure terminal.
	StateErrored
)

func (s LoopState) String() string {
	switch s {
	case StatePlanning:
		return "planning"
	case StateExecuting:
		return "executing"
	case StateAwaitingApproval:
		return "awaiting_approval"
	case StateCompleted:
		return "completed"
	case StateBudgetExhausted:
		return "budget_exhausted"
	case StateRejected:
		return "rejected"
	case StateErrored:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state ends the loop.
func (s LoopState) Terminal() bool {
	switch s {
	case StateCompleted, StateBudgetExhausted, StateRejected, StateErrored:
		return true
	}
	return false
}

// Status maps a terminal state to the task status reported to callers.
func (s LoopState) Status() ports.TaskStatus {
	switch s {
	case StateCompleted:
		return ports.StatusCompleted
	case StateBudgetExhausted:
		return ports.StatusBudgetExhausted
	case StateRejected:
		return ports.StatusRejected
	default:
		return ports.StatusError
	}
}
