package builtin

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"tether/internal/agent/ports"
)

// maxListEntries caps directory listings.
const maxListEntries = 500

type listFiles struct {
	cfg Config
}

func NewListFiles(cfg Config) ports.ToolExecutor {
	return &listFiles{cfg: cfg}
}

func (t *listFiles) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	path := stringArg(call.Arguments, "path")
	if path == "" {
		path = "."
	}
	recursive := boolArg(call.Arguments, "recursive", false)
	showHidden := boolArg(call.Arguments, "show_hidden", false)
	maxDepth := intArg(call.Arguments, "max_depth", 3)
	if maxDepth < 1 {
		maxDepth = 1
	}

	root, err := t.cfg.resolve(path)
	if err != nil {
		return fail(call, "%v", err), nil
	}

	var entries []string
	truncated := false
	walkErr := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return relErr
		}

		hidden := strings.HasPrefix(d.Name(), ".")
		if hidden && !showHidden {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		depth := strings.Count(rel, string(filepath.Separator)) + 1
		if depth > maxDepth || (!recursive && depth > 1) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if len(entries) >= maxListEntries {
			truncated = true
			return filepath.SkipAll
		}

		name := rel
		if d.IsDir() {
			name += "/"
		}
		entries = append(entries, name)
		return nil
	})
	if walkErr != nil {
		return fail(call, "%v", walkErr), nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s: %d entries\n", path, len(entries)))
	for _, e := range entries {
		sb.WriteString(e)
		sb.WriteByte('\n')
	}
	if truncated {
		sb.WriteString("[listing truncated]\n")
	}

	return &ports.ToolResult{
		CallID:  call.ID,
		Content: sb.String(),
		Metadata: map[string]any{
			"path":      path,
			"entries":   len(entries),
			"truncated": truncated,
		},
	}, nil
}

func (t *listFiles) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "list_files",
		Description: "List files and directories under a path",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"path":        {Type: "string", Description: "Directory to list, defaults to the working directory"},
				"recursive":   {Type: "boolean", Description: "Descend into subdirectories"},
				"show_hidden": {Type: "boolean", Description: "Include entries starting with a dot"},
				"max_depth":   {Type: "integer", Description: "Depth limit for recursive listing"},
			},
		},
	}
}

func (t *listFiles) Metadata() ports.ToolMetadata {
	return ports.ToolMetadata{
		Name: "list_files", Version: "1.0.0", Category: "file_operations",
		Tags: []string{"readonly"},
	}
}
