package builtin

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"tether/internal/agent/ports"
	tokenutil "tether/internal/shared/token"
)

const (
	defaultShellTimeout = 60 * time.Second
	maxShellTimeout     = 5 * time.Minute
	// maxShellOutput caps captured command output.
	maxShellOutput = 100 * 1024
)

type shellExec struct {
	cfg Config
}

func NewShellExec(cfg Config) ports.ToolExecutor {
	return &shellExec{cfg: cfg}
}

func (t *shellExec) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	command := stringArg(call.Arguments, "command")
	if command == "" {
		return fail(call, "missing 'command'"), nil
	}

	timeout := defaultShellTimeout
	if secs := intArg(call.Arguments, "timeout_seconds", 0); secs > 0 {
		timeout = time.Duration(secs) * time.Second
		if timeout > maxShellTimeout {
			timeout = maxShellTimeout
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "bash", "-c", command)
	if t.cfg.WorkDir != "" {
		cmd.Dir = t.cfg.WorkDir
	}

	output, err := cmd.CombinedOutput()
	if len(output) > maxShellOutput {
		output = append(output[:maxShellOutput], []byte("\n[output truncated]")...)
	}

	// Task cancellation propagates; a per-call timeout is the command's own
	// failure.
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if execCtx.Err() == context.DeadlineExceeded {
		return fail(call, "command timed out after %v\n%s", timeout, output), nil
	}

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return fail(call, "%v", err), nil
		}
	}

	result := &ports.ToolResult{
		CallID:     call.ID,
		Content:    string(output),
		TokensUsed: tokenutil.Count(string(output)),
		Metadata: map[string]any{
			"command":   command,
			"exit_code": exitCode,
		},
	}
	if exitCode != 0 {
		result.Error = fmt.Sprintf("exit status %d", exitCode)
	}
	return result, nil
}

// ApprovalPreview shows the approver the exact command line.
func (t *shellExec) ApprovalPreview(ctx context.Context, call ports.ToolCall) string {
	command := stringArg(call.Arguments, "command")
	if command == "" {
		return ""
	}
	if t.cfg.WorkDir != "" {
		return fmt.Sprintf("$ %s   (in %s)", command, t.cfg.WorkDir)
	}
	return "$ " + command
}

func (t *shellExec) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "shell_exec",
		Description: "Run a shell command and capture its output",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"command":         {Type: "string", Description: "Command to run with bash -c"},
				"timeout_seconds": {Type: "integer", Description: "Time limit, capped at 300 seconds"},
			},
			Required: []string{"command"},
		},
	}
}

func (t *shellExec) Metadata() ports.ToolMetadata {
	return ports.ToolMetadata{
		Name: "shell_exec", Version: "1.0.0", Category: "system",
		Tags: []string{"shell"}, Dangerous: true,
	}
}

var _ ports.ApprovalPreviewer = (*shellExec)(nil)
