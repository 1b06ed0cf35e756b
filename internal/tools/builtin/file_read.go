package builtin

import (
	"context"
	"os"

	"tether/internal/agent/ports"
	tokenutil "tether/internal/shared/token"
)

// maxReadBytes caps file_read output so one oversized file cannot flood the
// decision-maker's context.
const maxReadBytes = 256 * 1024

type fileRead struct {
	cfg Config
}

func NewFileRead(cfg Config) ports.ToolExecutor {
	return &fileRead{cfg: cfg}
}

func (t *fileRead) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	path := stringArg(call.Arguments, "path")
	if path == "" {
		return fail(call, "missing 'path'"), nil
	}

	resolved, err := t.cfg.resolve(path)
	if err != nil {
		return fail(call, "%v", err), nil
	}

	content, err := os.ReadFile(resolved)
	if err != nil {
		return fail(call, "%v", err), nil
	}

	text := string(content)
	truncated := false
	if len(text) > maxReadBytes {
		text = text[:maxReadBytes] + "\n\n[content truncated]"
		truncated = true
	}

	return &ports.ToolResult{
		CallID:     call.ID,
		Content:    text,
		TokensUsed: tokenutil.Count(text),
		Metadata: map[string]any{
			"path":      path,
			"size":      len(content),
			"truncated": truncated,
		},
	}, nil
}

func (t *fileRead) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "file_read",
		Description: "Read file contents",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"path": {Type: "string", Description: "File path"},
			},
			Required: []string{"path"},
		},
	}
}

func (t *fileRead) Metadata() ports.ToolMetadata {
	return ports.ToolMetadata{
		Name: "file_read", Version: "1.0.0", Category: "file_operations",
		Tags: []string{"readonly"},
	}
}
