package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/valet/internal/tools/sandbox"
	"github.com/haasonsaas/valet/pkg/models"
)

const (
	containerDefaultTimeout = 30 * time.Second
	containerMaxTimeoutSecs = 300
)

// ContainerRunner abstracts the sandbox engine so tests can fake it.
type ContainerRunner interface {
	Run(ctx context.Context, spec sandbox.RunSpec) (*sandbox.RunResult, error)
}

// ContainerTool executes commands in disposable sandbox containers. When
// no engine is available and the call allows it, the command falls back
// to a host subprocess and the result is annotated accordingly.
type ContainerTool struct {
	runner  ContainerRunner
	timeout time.Duration
	limit   int
}

// NewContainerTool creates the container tool. timeout is the default
// per-run budget; outputLimit caps the characters fed back to the model.
func NewContainerTool(runner ContainerRunner, timeout time.Duration, outputLimit int) *ContainerTool {
	if timeout <= 0 {
		timeout = containerDefaultTimeout
	}
	if outputLimit <= 0 {
		outputLimit = shellOutputLimit
	}
	return &ContainerTool{runner: runner, timeout: timeout, limit: outputLimit}
}

// Name returns the tool name.
func (t *ContainerTool) Name() string { return "container.run" }

// Description returns the tool description.
func (t *ContainerTool) Description() string {
	return "Run a shell command inside a fresh sandbox container and return stdout, stderr, and exit code. " +
		"The workspace is mounted read-only and network access is disabled unless requested. " +
		"Timeout is 30 seconds by default, 300 maximum."
}

// Schema returns the JSON schema for the tool arguments.
func (t *ContainerTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {
				"type": "string",
				"description": "The shell command to execute inside the container"
			},
			"image": {
				"type": "string",
				"description": "Container image to run (defaults to the configured sandbox image)"
			},
			"timeout_secs": {
				"type": "integer",
				"description": "Timeout in seconds (default: 30, max: 300)"
			},
			"working_dir": {
				"type": "string",
				"description": "Working directory inside the container (default: /workspace)"
			},
			"env": {
				"type": "array",
				"items": {"type": "string"},
				"description": "Extra environment entries as KEY=VALUE strings"
			},
			"allow_network": {
				"type": "boolean",
				"description": "Enable network access for the container (default: false)"
			},
			"workspace_dir": {
				"type": "string",
				"description": "Host directory mounted read-only at /workspace (defaults to the configured workspace)"
			},
			"memory_mb": {
				"type": "integer",
				"description": "Memory limit in megabytes (default: 512, min: 64)"
			},
			"cpu_millis": {
				"type": "integer",
				"description": "CPU limit in millicores (default: 1000, min: 100)"
			},
			"pull": {
				"type": "boolean",
				"description": "Pull the image before running (default: false)"
			},
			"inject_task_token": {
				"type": "boolean",
				"description": "Mint a short-lived task token and source it into the command environment (default: false)"
			},
			"token_ttl_secs": {
				"type": "integer",
				"description": "Task token lifetime in seconds (default: 300, max: 900)"
			},
			"token_env_name": {
				"type": "string",
				"description": "Environment variable name for the task token (default: VALET_TASK_TOKEN)"
			},
			"allow_subprocess_fallback": {
				"type": "boolean",
				"description": "Run directly on the host when no container engine is available (default: false)"
			}
		},
		"required": ["command"]
	}`)
}

type containerArgs struct {
	Command                 string   `json:"command"`
	Image                   string   `json:"image"`
	TimeoutSecs             int      `json:"timeout_secs"`
	WorkingDir              string   `json:"working_dir"`
	Env                     []string `json:"env"`
	AllowNetwork            bool     `json:"allow_network"`
	WorkspaceDir            string   `json:"workspace_dir"`
	MemoryMB                int      `json:"memory_mb"`
	CPUMillis               int      `json:"cpu_millis"`
	Pull                    bool     `json:"pull"`
	InjectTaskToken         bool     `json:"inject_task_token"`
	TokenTTLSecs            int      `json:"token_ttl_secs"`
	TokenEnvName            string   `json:"token_env_name"`
	AllowSubprocessFallback bool     `json:"allow_subprocess_fallback"`
}

// Execute runs the command in a fresh container and formats the output
// like shell.run. A non-zero exit is a successful result.
func (t *ContainerTool) Execute(ctx context.Context, args json.RawMessage) (*models.ToolResult, error) {
	var in containerArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return errorResult(fmt.Sprintf("Invalid arguments: %v", err)), nil
	}

	timeout := t.timeout
	if in.TimeoutSecs > 0 {
		secs := in.TimeoutSecs
		if secs > containerMaxTimeoutSecs {
			secs = containerMaxTimeoutSecs
		}
		timeout = time.Duration(secs) * time.Second
	}

	callID := CallIDFrom(ctx)
	spec := sandbox.RunSpec{
		CallID:                  callID,
		Image:                   in.Image,
		Command:                 in.Command,
		WorkingDir:              in.WorkingDir,
		Env:                     in.Env,
		AllowNetwork:            in.AllowNetwork,
		Workspace:               in.WorkspaceDir,
		MemoryMB:                in.MemoryMB,
		CPUMillis:               in.CPUMillis,
		Pull:                    in.Pull,
		Timeout:                 timeout,
		AllowSubprocessFallback: in.AllowSubprocessFallback,
	}

	if in.InjectTaskToken {
		cred, err := sandbox.NewTaskCredential(callID, in.TokenEnvName,
			time.Duration(in.TokenTTLSecs)*time.Second)
		if err != nil {
			return errorResult(err.Error()), nil
		}
		defer cred.Zero()
		spec.Credential = cred
	}

	res, err := t.runner.Run(ctx, spec)
	if err != nil {
		if errors.Is(err, sandbox.ErrEngineUnavailable) {
			return NewToolError(ErrorSandboxUnavailable, t.Name(), err.Error()).Result(), nil
		}
		return errorResult(err.Error()), nil
	}
	if res.TimedOut {
		return NewToolError(ErrorTimeout, t.Name(),
			fmt.Sprintf("Command timed out after %ds", int(timeout.Seconds()))).Result(), nil
	}

	out := textResult(FormatCommandOutput(
		TruncateOutput(res.Stdout, t.limit/2),
		TruncateOutput(res.Stderr, t.limit/2),
		res.ExitCode,
	))
	if res.Fallback {
		out.Metadata = map[string]string{"sandbox": "subprocess-fallback"}
	}
	return out, nil
}
