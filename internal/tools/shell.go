package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/haasonsaas/valet/pkg/models"
)

const (
	shellDefaultTimeout = 30 * time.Second
	shellMaxTimeoutSecs = 300
	shellOutputLimit    = 10_000
)

// ShellConfig configures the host shell tool.
type ShellConfig struct {
	// Shell is the interpreter invoked with -c. Default: /bin/sh.
	Shell string

	// Workdir is the default working directory when a call names none.
	Workdir string

	// Timeout is the default per-command budget. Default: 30s.
	Timeout time.Duration

	// OutputLimit caps the combined stdout+stderr characters fed back to
	// the model. Default: 10,000, split evenly across the two streams.
	OutputLimit int
}

// ShellTool executes commands on the host through the configured shell.
// A non-zero exit code is a successful result; the model reads the exit
// code from the output. Only start failures and timeouts are errors.
type ShellTool struct {
	shell   string
	workdir string
	timeout time.Duration
	limit   int
}

// NewShellTool creates the shell tool with defaults filled in.
func NewShellTool(cfg ShellConfig) *ShellTool {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = shellDefaultTimeout
	}
	if cfg.OutputLimit <= 0 {
		cfg.OutputLimit = shellOutputLimit
	}
	return &ShellTool{
		shell:   cfg.Shell,
		workdir: cfg.Workdir,
		timeout: cfg.Timeout,
		limit:   cfg.OutputLimit,
	}
}

// Name returns the tool name.
func (t *ShellTool) Name() string { return "shell.run" }

// Description returns the tool description.
func (t *ShellTool) Description() string {
	return "Execute a shell command and return stdout, stderr, and exit code. " +
		"Use for file operations, system commands, running scripts, etc. " +
		"Output is limited to 10,000 characters. Timeout is 30 seconds by default."
}

// Schema returns the JSON schema for the tool arguments.
func (t *ShellTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {
				"type": "string",
				"description": "The shell command to execute"
			},
			"timeout_secs": {
				"type": "integer",
				"description": "Timeout in seconds (default: 30, max: 300)"
			},
			"working_dir": {
				"type": "string",
				"description": "Working directory for the command (optional)"
			}
		},
		"required": ["command"]
	}`)
}

type shellArgs struct {
	Command     string `json:"command"`
	TimeoutSecs int    `json:"timeout_secs"`
	WorkingDir  string `json:"working_dir"`
}

// Execute runs the command and formats stdout, stderr, and the exit code.
func (t *ShellTool) Execute(ctx context.Context, args json.RawMessage) (*models.ToolResult, error) {
	var in shellArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return errorResult(fmt.Sprintf("Invalid arguments: %v", err)), nil
	}
	if strings.TrimSpace(in.Command) == "" {
		return errorResult("command must not be empty"), nil
	}

	timeout := t.timeout
	if in.TimeoutSecs > 0 {
		secs := in.TimeoutSecs
		if secs > shellMaxTimeoutSecs {
			secs = shellMaxTimeoutSecs
		}
		timeout = time.Duration(secs) * time.Second
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, t.shell, "-c", in.Command)
	// Cap at 4 bytes per rune so the char-level truncation below still
	// sees enough to decide.
	stdout := &limitedBuffer{max: t.limit * 4}
	stderr := &limitedBuffer{max: t.limit * 4}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if in.WorkingDir != "" {
		cmd.Dir = in.WorkingDir
	} else if t.workdir != "" {
		cmd.Dir = t.workdir
	}

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return NewToolError(ErrorTimeout, t.Name(),
			fmt.Sprintf("Command timed out after %ds", int(timeout.Seconds()))).Result(), nil
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		// The command never ran: missing shell, bad working directory.
		return NewToolError(ErrorExecFailure, t.Name(),
			fmt.Sprintf("Failed to run command: %v", err)).Result(), nil
	}

	out := FormatCommandOutput(
		TruncateOutput(stdout.String(), t.limit/2),
		TruncateOutput(stderr.String(), t.limit/2),
		exitCode(err),
	)
	return textResult(out), nil
}

// exitCode extracts the process exit code from a cmd.Run error. A nil
// error is exit 0; a process killed before exiting reports -1.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
