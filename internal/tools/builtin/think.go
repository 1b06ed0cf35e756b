package builtin

import (
	"context"

	"tether/internal/agent/ports"
)

// think gives the decision-maker a scratchpad step with no side effects.
// Recording the thought in history is the entire point.
type think struct{}

func NewThink() ports.ToolExecutor {
	return &think{}
}

func (t *think) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	thought := stringArg(call.Arguments, "thought")
	if thought == "" {
		return fail(call, "missing 'thought'"), nil
	}
	return &ports.ToolResult{
		CallID:  call.ID,
		Content: "Thought noted.",
		Metadata: map[string]any{
			"thought": thought,
		},
	}, nil
}

func (t *think) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "think",
		Description: "Record a reasoning step without taking any action",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"thought": {Type: "string", Description: "The reasoning to record"},
			},
			Required: []string{"thought"},
		},
	}
}

func (t *think) Metadata() ports.ToolMetadata {
	return ports.ToolMetadata{
		Name: "think", Version: "1.0.0", Category: "reasoning",
		Tags: []string{"readonly", "internal"},
	}
}
