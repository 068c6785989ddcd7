package skills

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/valet/internal/tools"
	"github.com/haasonsaas/valet/internal/tools/sandbox"
	"github.com/haasonsaas/valet/pkg/models"
)

// wasmModuleFile is the module file name inside a wasm skill directory.
const wasmModuleFile = "main.wasm"

// entrypoints lists recognized skill entrypoint scripts in precedence
// order, each with its interpreter candidates.
var entrypoints = []struct {
	script       string
	interpreters []string
}{
	{"run.sh", []string{"bash"}},
	{"main.py", []string{"python", "python3"}},
	{"main.sh", []string{"bash"}},
}

// BuildTool creates the callable tool for a skill. Flat manifests have
// no directory and contribute prompt context only, so ok is false.
func BuildTool(skill *Skill, root string, wasm *sandbox.WasmRunner) (tools.Tool, bool) {
	if skill.Dir == "" {
		return nil, false
	}
	if skill.Mode == ModeWasm {
		return &wasmSkillTool{skill: skill, root: root, runner: wasm}, true
	}
	return &subprocessSkillTool{skill: skill, root: root}, true
}

// subprocessSkillTool runs a skill's entrypoint script as a host
// subprocess with the skill directory as working directory.
type subprocessSkillTool struct {
	skill *Skill
	root  string
}

func (t *subprocessSkillTool) Name() string {
	return t.skill.ToolName()
}

func (t *subprocessSkillTool) Description() string {
	if t.skill.Description != "" {
		return t.skill.Description
	}
	return "Run the " + t.skill.Name + " skill"
}

func (t *subprocessSkillTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"args": {
				"type": "array",
				"items": {"type": "string"},
				"description": "Command-line arguments passed to the skill entrypoint"
			}
		},
		"additionalProperties": false
	}`)
}

func (t *subprocessSkillTool) Execute(ctx context.Context, params json.RawMessage) (*models.ToolResult, error) {
	var args struct {
		Args []string `json:"args"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			return tools.NewToolError(tools.ErrorInvalidArguments, t.Name(),
				fmt.Sprintf("Invalid arguments: %v", err)).Result(), nil
		}
	}

	script, interpreters, err := t.resolveEntrypoint()
	if err != nil {
		return tools.NewToolError(tools.ErrorExecFailure, t.Name(), err.Error()).Result(), nil
	}

	stdout, stderr, exitCode, runErr := runWithInterpreters(ctx, interpreters, script, args.Args, t.skill.Dir)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return tools.NewToolError(tools.ErrorTimeout, t.Name(), "Skill execution timed out").Result(), nil
	}
	if runErr != nil {
		return tools.NewToolError(tools.ErrorExecFailure, t.Name(),
			fmt.Sprintf("Failed to run skill: %v", runErr)).Result(), nil
	}

	combined := stdout
	if stderr != "" {
		combined = stdout + "\nstderr: " + stderr
	}
	if exitCode != 0 {
		return tools.NewToolError(tools.ErrorExecFailure, t.Name(), combined).
			WithExit(exitCode, stderr).Result(), nil
	}
	return &models.ToolResult{Content: combined}, nil
}

// resolveEntrypoint finds the first entrypoint script present in the
// skill directory.
func (t *subprocessSkillTool) resolveEntrypoint() (string, []string, error) {
	for _, entry := range entrypoints {
		path := filepath.Join(t.skill.Dir, entry.script)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, entry.interpreters, nil
		}
	}
	return "", nil, fmt.Errorf("Skill '%s' not found in %s", t.skill.Name, t.root)
}

// runWithInterpreters runs script with the first interpreter that
// exists on PATH. A non-zero exit is reported through exitCode, not
// the error return.
func runWithInterpreters(ctx context.Context, interpreters []string, script string, args []string, dir string) (stdout, stderr string, exitCode int, err error) {
	var lastErr error
	for _, interpreter := range interpreters {
		argv := append([]string{script}, args...)
		cmd := exec.CommandContext(ctx, interpreter, argv...)
		cmd.Dir = dir

		var outBuf, errBuf bytes.Buffer
		cmd.Stdout = &outBuf
		cmd.Stderr = &errBuf

		runErr := cmd.Run()
		stdout = strings.TrimRight(outBuf.String(), "\n")
		stderr = strings.TrimRight(errBuf.String(), "\n")

		if runErr == nil {
			return stdout, stderr, 0, nil
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return stdout, stderr, exitErr.ExitCode(), nil
		}
		if errors.Is(runErr, exec.ErrNotFound) {
			lastErr = runErr
			continue
		}
		return stdout, stderr, 0, runErr
	}
	return "", "", 0, lastErr
}

// wasmSkillTool runs a skill's main.wasm module in the embedded
// runtime with the skills root mounted read-only.
type wasmSkillTool struct {
	skill  *Skill
	root   string
	runner *sandbox.WasmRunner
}

func (t *wasmSkillTool) Name() string {
	return t.skill.ToolName()
}

func (t *wasmSkillTool) Description() string {
	if t.skill.Description != "" {
		return t.skill.Description
	}
	return "Run the " + t.skill.Name + " skill"
}

func (t *wasmSkillTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type": "object"}`)
}

func (t *wasmSkillTool) Execute(ctx context.Context, params json.RawMessage) (*models.ToolResult, error) {
	module := filepath.Join(t.skill.Dir, wasmModuleFile)
	if _, err := os.Stat(module); err != nil {
		return tools.NewToolError(tools.ErrorExecFailure, t.Name(),
			fmt.Sprintf("Skill '%s' has no %s module", t.skill.Name, wasmModuleFile)).Result(), nil
	}

	args := params
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	call := sandbox.WasmCall{
		ID:        tools.CallIDFrom(ctx),
		Name:      t.skill.Name,
		Arguments: args,
	}

	res, err := t.runner.Run(ctx, module, t.root, call, 0)
	if err != nil {
		return tools.WrapErr(t.Name(), err).Result(), nil
	}
	return &models.ToolResult{Content: res.Output, IsError: res.IsError}, nil
}
