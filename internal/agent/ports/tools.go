package ports

import (
	"context"
)

// ToolExecutor executes a single tool call
type ToolExecutor interface {
	// Execute runs the tool with given arguments
	Execute(ctx context.Context, call ToolCall) (*ToolResult, error)

	// Definition returns the tool's schema for the decision-maker
	Definition() ToolDefinition

	// Metadata returns tool metadata
	Metadata() ToolMetadata
}

// ToolRegistry manages available tools
type ToolRegistry interface {
	// Register adds a tool to the registry
	Register(tool ToolExecutor) error

	// Get retrieves a tool by name
	Get(name string) (ToolExecutor, error)

	// List returns all available tools
	List() []ToolDefinition

	// Unregister removes a tool
	Unregister(name string) error
}

// ToolCall represents a request to execute a tool
type ToolCall struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Arguments     map[string]any `json:"arguments"`
	Justification string         `json:"justification,omitempty"`
	TaskID        string         `json:"task_id,omitempty"`
}

// ToolResult is the execution result
type ToolResult struct {
	CallID     string         `json:"call_id"`
	Content    string         `json:"content"`
	Error      string         `json:"error,omitempty"`
	TokensUsed int            `json:"tokens_used,omitempty"`
	CostUSD    float64        `json:"cost_usd,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Failed reports whether the result carries a tool-level error.
func (r *ToolResult) Failed() bool {
	return r != nil && r.Error != ""
}

// ToolDefinition describes a tool for the decision-maker
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  ParameterSchema `json:"parameters"`
}

// ToolMetadata contains tool information
type ToolMetadata struct {
	Name      string   `json:"name"`
	Version   string   `json:"version"`
	Category  string   `json:"category"`
	Tags      []string `json:"tags"`
	Dangerous bool     `json:"dangerous"`
}

// ParameterSchema defines tool parameters (JSON Schema format)
type ParameterSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// Property defines a single parameter
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Enum        []any  `json:"enum,omitempty"`
}

// ApprovalPreviewer is an optional executor capability. Tools that can
// describe the effect of a call without running it return a human-readable
// preview which is attached to the approval record shown to the approver.
type ApprovalPreviewer interface {
	ApprovalPreview(ctx context.Context, call ToolCall) string
}
