package builtin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"tether/internal/agent/ports"
	"tether/internal/diff"
)

// previewMaxLines caps the diff shown to approvers.
const previewMaxLines = 200

type fileWrite struct {
	cfg    Config
	differ *diff.Generator
}

func NewFileWrite(cfg Config) ports.ToolExecutor {
	return &fileWrite{cfg: cfg, differ: diff.NewGenerator(diff.DefaultContextLines, false)}
}

func (t *fileWrite) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	path := stringArg(call.Arguments, "path")
	if path == "" {
		return fail(call, "missing 'path'"), nil
	}
	content, ok := call.Arguments["content"].(string)
	if !ok {
		return fail(call, "missing 'content'"), nil
	}

	resolved, err := t.cfg.resolve(path)
	if err != nil {
		return fail(call, "%v", err), nil
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return fail(call, "%v", err), nil
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return fail(call, "%v", err), nil
	}

	return &ports.ToolResult{
		CallID:  call.ID,
		Content: fmt.Sprintf("Wrote %d bytes to %s", len(content), path),
		Metadata: map[string]any{
			"path":  path,
			"bytes": len(content),
		},
	}, nil
}

// ApprovalPreview shows the approver what the write would change.
func (t *fileWrite) ApprovalPreview(ctx context.Context, call ports.ToolCall) string {
	path := stringArg(call.Arguments, "path")
	content, ok := call.Arguments["content"].(string)
	if path == "" || !ok {
		return ""
	}
	resolved, err := t.cfg.resolve(path)
	if err != nil {
		return fmt.Sprintf("refused: %v", err)
	}

	old := ""
	if data, err := os.ReadFile(resolved); err == nil {
		old = string(data)
	}

	result := t.differ.Unified(old, content, path)
	if result.Empty() {
		return "no changes"
	}
	return fmt.Sprintf("%s (%s)\n%s", path, result.Summary(), result.Truncated(previewMaxLines))
}

func (t *fileWrite) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "file_write",
		Description: "Write content to a file, creating it if needed",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"path":    {Type: "string", Description: "File path"},
				"content": {Type: "string", Description: "Content to write"},
			},
			Required: []string{"path", "content"},
		},
	}
}

func (t *fileWrite) Metadata() ports.ToolMetadata {
	return ports.ToolMetadata{
		Name: "file_write", Version: "1.0.0", Category: "file_operations",
		Tags: []string{"write"}, Dangerous: true,
	}
}

var _ ports.ApprovalPreviewer = (*fileWrite)(nil)
