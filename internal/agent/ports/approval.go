package ports

import (
	"context"
	"time"
)

// ApprovalStatus is the lifecycle state of an approval record.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
	// ApprovalExpired marks a request that hit its deadline with no decision.
	// Expiry denies execution exactly like ApprovalDenied; it is kept
	// distinct so operators can tell a timeout from an explicit refusal.
	ApprovalExpired ApprovalStatus = "expired"
)

// Resolved reports whether the status is terminal.
func (s ApprovalStatus) Resolved() bool {
	return s == ApprovalApproved || s == ApprovalDenied || s == ApprovalExpired
}

// Granted reports whether the status permits execution.
func (s ApprovalStatus) Granted() bool {
	return s == ApprovalApproved
}

// ApprovalRecord tracks one approval request from creation to resolution.
type ApprovalRecord struct {
	ID         string         `json:"id"`
	TaskID     string         `json:"task_id"`
	Call       ToolCall       `json:"call"`
	Summary    string         `json:"summary,omitempty"`
	Status     ApprovalStatus `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	ExpiresAt  time.Time      `json:"expires_at"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
	Actor      string         `json:"actor,omitempty"`
	Reason     string         `json:"reason,omitempty"`
}

// Notifier alerts an external approver about approval activity. Calls are
// fire-and-forget: a notification failure never blocks or resolves the
// request, the timeout path handles silence.
type Notifier interface {
	Notify(ctx context.Context, rec ApprovalRecord) error
}
