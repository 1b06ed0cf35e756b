package builtin

import (
	"context"
	"fmt"
	"os"
	"strings"

	"tether/internal/agent/ports"
	"tether/internal/diff"
)

type fileEdit struct {
	cfg    Config
	differ *diff.Generator
}

func NewFileEdit(cfg Config) ports.ToolExecutor {
	return &fileEdit{cfg: cfg, differ: diff.NewGenerator(diff.DefaultContextLines, false)}
}

// apply computes the edited content without touching the file.
func (t *fileEdit) apply(call ports.ToolCall) (resolved, updated string, failure string) {
	path := stringArg(call.Arguments, "path")
	if path == "" {
		return "", "", "missing 'path'"
	}
	oldString := stringArg(call.Arguments, "old_string")
	if oldString == "" {
		return "", "", "missing 'old_string'"
	}
	newString, ok := call.Arguments["new_string"].(string)
	if !ok {
		return "", "", "missing 'new_string'"
	}
	replaceAll := boolArg(call.Arguments, "replace_all", false)

	resolved, err := t.cfg.resolve(path)
	if err != nil {
		return "", "", err.Error()
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", "", err.Error()
	}
	content := string(data)

	count := strings.Count(content, oldString)
	if count == 0 {
		return "", "", fmt.Sprintf("old_string not found in %s", path)
	}
	if count > 1 && !replaceAll {
		return "", "", fmt.Sprintf("old_string appears %d times in %s, pass replace_all to replace every occurrence", count, path)
	}

	n := 1
	if replaceAll {
		n = -1
	}
	return resolved, strings.Replace(content, oldString, newString, n), ""
}

func (t *fileEdit) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	resolved, updated, failure := t.apply(call)
	if failure != "" {
		return fail(call, "%s", failure), nil
	}

	if err := os.WriteFile(resolved, []byte(updated), 0o644); err != nil {
		return fail(call, "%v", err), nil
	}

	path := stringArg(call.Arguments, "path")
	return &ports.ToolResult{
		CallID:  call.ID,
		Content: fmt.Sprintf("Edited %s", path),
		Metadata: map[string]any{
			"path": path,
		},
	}, nil
}

// ApprovalPreview shows the approver the edit as a diff.
func (t *fileEdit) ApprovalPreview(ctx context.Context, call ports.ToolCall) string {
	resolved, updated, failure := t.apply(call)
	if failure != "" {
		return fmt.Sprintf("refused: %s", failure)
	}

	old, err := os.ReadFile(resolved)
	if err != nil {
		return ""
	}

	path := stringArg(call.Arguments, "path")
	result := t.differ.Unified(string(old), updated, path)
	if result.Empty() {
		return "no changes"
	}
	return fmt.Sprintf("%s (%s)\n%s", path, result.Summary(), result.Truncated(previewMaxLines))
}

func (t *fileEdit) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "file_edit",
		Description: "Replace an exact string in a file",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"path":        {Type: "string", Description: "File path"},
				"old_string":  {Type: "string", Description: "Exact text to replace"},
				"new_string":  {Type: "string", Description: "Replacement text"},
				"replace_all": {Type: "boolean", Description: "Replace every occurrence"},
			},
			Required: []string{"path", "old_string", "new_string"},
		},
	}
}

func (t *fileEdit) Metadata() ports.ToolMetadata {
	return ports.ToolMetadata{
		Name: "file_edit", Version: "1.0.0", Category: "file_operations",
		Tags: []string{"write"}, Dangerous: true,
	}
}

var _ ports.ApprovalPreviewer = (*fileEdit)(nil)
