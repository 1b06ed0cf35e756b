// Package builtin provides the tool set wired into every agent: file
// operations scoped to a working directory, web fetching, shell execution,
// and a reasoning scratchpad. Tools report their own failures in
// ToolResult.Error so the decision-maker can read and adapt; a Go error is
// reserved for infrastructure problems.
package builtin

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"tether/internal/agent/ports"
	"tether/internal/shared/logging"
)

// Config holds shared settings for the built-in tools.
type Config struct {
	// WorkDir confines file tools and shell execution. Empty means
	// unrestricted, which is only sensible in tests.
	WorkDir string

	// HTTPTimeout bounds a single web_fetch request.
	HTTPTimeout time.Duration

	// FetchMaxBytes caps the response body web_fetch will read.
	FetchMaxBytes int64

	Logger logging.Logger
}

// All returns the complete built-in tool set for registration.
func All(cfg Config) []ports.ToolExecutor {
	return []ports.ToolExecutor{
		NewFileRead(cfg),
		NewFileWrite(cfg),
		NewFileEdit(cfg),
		NewListFiles(cfg),
		NewWebFetch(cfg),
		NewShellExec(cfg),
		NewThink(),
	}
}

// resolve normalizes a path against WorkDir and rejects escapes.
func (c Config) resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path")
	}
	if c.WorkDir == "" {
		return filepath.Clean(path), nil
	}
	p := path
	if !filepath.IsAbs(p) {
		p = filepath.Join(c.WorkDir, p)
	}
	clean := filepath.Clean(p)
	base := filepath.Clean(c.WorkDir)
	rel, err := filepath.Rel(base, clean)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes the working directory: %s", path)
	}
	return clean, nil
}

// fail builds a failure result carrying a message for the decision-maker.
func fail(call ports.ToolCall, format string, args ...any) *ports.ToolResult {
	return &ports.ToolResult{CallID: call.ID, Error: fmt.Sprintf(format, args...)}
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func boolArg(args map[string]any, key string, def bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return def
}

// intArg reads an integer argument. JSON decoding yields float64, so both
// numeric forms are accepted.
func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return def
	}
}
