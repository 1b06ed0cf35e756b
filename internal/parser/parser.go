// Package parser turns raw tool-call argument text into argument maps and
// validates proposed calls against tool definitions. Argument JSON often
// arrives slightly broken (single quotes, trailing commas, truncation), so
// parsing falls back to jsonrepair before giving up.
package parser

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"tether/internal/agent/ports"
)

// Arguments parses a JSON object of tool arguments. Malformed input is run
// through jsonrepair and parsed again; an empty string is an empty map.
func Arguments(raw string) (map[string]any, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return map[string]any{}, nil
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(trimmed), &args); err == nil {
		return args, nil
	}

	repaired, err := jsonrepair.JSONRepair(trimmed)
	if err != nil {
		return nil, fmt.Errorf("arguments are not valid JSON and could not be repaired: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), &args); err != nil {
		return nil, fmt.Errorf("arguments are not a JSON object: %w", err)
	}
	return args, nil
}

// ValidateCall checks a proposed call against the tool's schema. Only the
// required parameters are enforced; extra arguments pass through so a tool
// can accept more than it advertises.
func ValidateCall(call ports.ToolCall, def ports.ToolDefinition) error {
	for _, required := range def.Parameters.Required {
		value, ok := call.Arguments[required]
		if !ok || value == nil {
			return fmt.Errorf("missing required parameter: %s", required)
		}
	}
	return nil
}
