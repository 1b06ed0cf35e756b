// Package id produces prefixed, time-ordered identifiers for tasks,
// approvals, and checkpoints.
package id

import (
	"fmt"

	"github.com/google/uuid"
)

// NewTaskID generates a task identifier with a stable prefix for display.
func NewTaskID() string {
	return newIdentifier("task")
}

// NewApprovalID generates an approval request identifier.
func NewApprovalID() string {
	return newIdentifier("approval")
}

// NewCallID generates a tool call identifier.
func NewCallID() string {
	return newIdentifier("call")
}

// NewCheckpointID generates a checkpoint identifier.
func NewCheckpointID() string {
	return newIdentifier("ckpt")
}

func newIdentifier(prefix string) string {
	// UUIDv7 sorts by creation time, which keeps listings chronological.
	if v7, err := uuid.NewV7(); err == nil {
		return fmt.Sprintf("%s-%s", prefix, v7.String())
	}
	return fmt.Sprintf("%s-%s", prefix, uuid.New().String())
}
