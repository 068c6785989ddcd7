package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/valet/internal/tools/sandbox"
)

// fakeRunner records the spec it was called with and returns a canned
// result or error.
type fakeRunner struct {
	spec   sandbox.RunSpec
	result *sandbox.RunResult
	err    error
}

func (f *fakeRunner) Run(ctx context.Context, spec sandbox.RunSpec) (*sandbox.RunResult, error) {
	f.spec = spec
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &sandbox.RunResult{}, nil
}

// TestContainerToolMetadata tests the model-facing identity.
func TestContainerToolMetadata(t *testing.T) {
	tool := NewContainerTool(&fakeRunner{}, 0, 0)
	if tool.Name() != "container.run" {
		t.Errorf("expected container.run, got %q", tool.Name())
	}
	if !strings.Contains(tool.Description(), "sandbox container") {
		t.Errorf("unexpected description: %q", tool.Description())
	}
	var schema struct {
		Properties map[string]any `json:"properties"`
		Required   []string       `json:"required"`
	}
	if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
		t.Fatalf("schema is not valid JSON: %v", err)
	}
	if len(schema.Required) != 1 || schema.Required[0] != "command" {
		t.Errorf("expected command required, got %v", schema.Required)
	}
	for _, prop := range []string{"image", "env", "allow_network", "inject_task_token", "allow_subprocess_fallback"} {
		if _, ok := schema.Properties[prop]; !ok {
			t.Errorf("expected %s property", prop)
		}
	}
}

// TestContainerToolSpec tests that call arguments reach the runner.
func TestContainerToolSpec(t *testing.T) {
	runner := &fakeRunner{result: &sandbox.RunResult{Stdout: "hi\n"}}
	tool := NewContainerTool(runner, 0, 0)

	args := `{
		"command": "echo hi",
		"image": "alpine:3.20",
		"working_dir": "/workspace/sub",
		"env": ["FOO=bar"],
		"allow_network": true,
		"workspace_dir": "/tmp/ws",
		"memory_mb": 256,
		"cpu_millis": 500,
		"pull": true
	}`
	ctx := WithCallID(context.Background(), "call_9")
	res, err := tool.Execute(ctx, json.RawMessage(args))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Content)
	}

	spec := runner.spec
	if spec.CallID != "call_9" {
		t.Errorf("expected call id from context, got %q", spec.CallID)
	}
	if spec.Command != "echo hi" || spec.Image != "alpine:3.20" {
		t.Errorf("unexpected command/image: %q %q", spec.Command, spec.Image)
	}
	if spec.WorkingDir != "/workspace/sub" || spec.Workspace != "/tmp/ws" {
		t.Errorf("unexpected dirs: %q %q", spec.WorkingDir, spec.Workspace)
	}
	if len(spec.Env) != 1 || spec.Env[0] != "FOO=bar" {
		t.Errorf("unexpected env: %v", spec.Env)
	}
	if !spec.AllowNetwork || !spec.Pull {
		t.Error("expected allow_network and pull to pass through")
	}
	if spec.MemoryMB != 256 || spec.CPUMillis != 500 {
		t.Errorf("unexpected limits: %d %d", spec.MemoryMB, spec.CPUMillis)
	}
	if spec.Timeout != 30*time.Second {
		t.Errorf("expected default timeout, got %s", spec.Timeout)
	}
	if spec.Credential != nil {
		t.Error("expected no credential without inject_task_token")
	}

	if !strings.Contains(res.Content, "stdout:\nhi") || !strings.Contains(res.Content, "exit_code: 0") {
		t.Errorf("unexpected output: %q", res.Content)
	}
}

// TestContainerToolTimeoutClamp tests the 300 second cap.
func TestContainerToolTimeoutClamp(t *testing.T) {
	runner := &fakeRunner{}
	tool := NewContainerTool(runner, 0, 0)

	if _, err := tool.Execute(context.Background(),
		json.RawMessage(`{"command":"true","timeout_secs":999}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if runner.spec.Timeout != 300*time.Second {
		t.Errorf("expected clamp to 300s, got %s", runner.spec.Timeout)
	}
}

// TestContainerToolTimedOut tests the timeout error shape.
func TestContainerToolTimedOut(t *testing.T) {
	runner := &fakeRunner{result: &sandbox.RunResult{TimedOut: true}}
	tool := NewContainerTool(runner, 0, 0)

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"command":"sleep 100"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected error result")
	}
	if res.Content != "Command timed out after 30s" {
		t.Errorf("unexpected content: %q", res.Content)
	}
	if res.Metadata["error_kind"] != "timeout" {
		t.Errorf("expected timeout kind, got %q", res.Metadata["error_kind"])
	}
}

// TestContainerToolEngineUnavailable tests the sandbox failure kind.
func TestContainerToolEngineUnavailable(t *testing.T) {
	runner := &fakeRunner{err: fmt.Errorf("%w: no engine binary found", sandbox.ErrEngineUnavailable)}
	tool := NewContainerTool(runner, 0, 0)

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"command":"true"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected error result")
	}
	if res.Metadata["error_kind"] != "sandbox_unavailable" {
		t.Errorf("expected sandbox_unavailable kind, got %q", res.Metadata["error_kind"])
	}
	if !strings.Contains(res.Content, "container engine unavailable") {
		t.Errorf("unexpected content: %q", res.Content)
	}
}

// TestContainerToolRunnerError tests plain runner failures.
func TestContainerToolRunnerError(t *testing.T) {
	runner := &fakeRunner{err: errors.New("Invalid env entry 'X', expected KEY=VALUE")}
	tool := NewContainerTool(runner, 0, 0)

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"command":"true","env":["X"]}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsError || !strings.Contains(res.Content, "Invalid env entry") {
		t.Errorf("expected env error, got %q", res.Content)
	}
}

// TestContainerToolFallbackAnnotation tests the host-run marker.
func TestContainerToolFallbackAnnotation(t *testing.T) {
	runner := &fakeRunner{result: &sandbox.RunResult{Stdout: "ok\n", Fallback: true}}
	tool := NewContainerTool(runner, 0, 0)

	res, err := tool.Execute(context.Background(),
		json.RawMessage(`{"command":"echo ok","allow_subprocess_fallback":true}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Content)
	}
	if !runner.spec.AllowSubprocessFallback {
		t.Error("expected fallback flag to pass through")
	}
	if res.Metadata["sandbox"] != "subprocess-fallback" {
		t.Errorf("expected fallback annotation, got %v", res.Metadata)
	}
}

// TestContainerToolCredential tests task token minting.
func TestContainerToolCredential(t *testing.T) {
	runner := &fakeRunner{}
	tool := NewContainerTool(runner, 0, 0)

	ctx := WithCallID(context.Background(), "call_7")
	res, err := tool.Execute(ctx,
		json.RawMessage(`{"command":"true","inject_task_token":true,"token_ttl_secs":60}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Content)
	}
	cred := runner.spec.Credential
	if cred == nil {
		t.Fatal("expected a credential")
	}
	if cred.CallID != "call_7" {
		t.Errorf("expected credential bound to call, got %q", cred.CallID)
	}
	if cred.EnvName != sandbox.DefaultTokenEnvName {
		t.Errorf("expected default env name, got %q", cred.EnvName)
	}
	// The tool zeroes the token once the run returns.
	if cred.Token() != "" {
		t.Error("expected token wiped after execution")
	}
}

// TestContainerToolCredentialEnvName tests the custom variable name and
// its validation.
func TestContainerToolCredentialEnvName(t *testing.T) {
	runner := &fakeRunner{}
	tool := NewContainerTool(runner, 0, 0)

	res, err := tool.Execute(context.Background(),
		json.RawMessage(`{"command":"true","inject_task_token":true,"token_env_name":"MY_TOKEN"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Content)
	}
	if runner.spec.Credential.EnvName != "MY_TOKEN" {
		t.Errorf("expected MY_TOKEN, got %q", runner.spec.Credential.EnvName)
	}

	res, err = tool.Execute(context.Background(),
		json.RawMessage(`{"command":"true","inject_task_token":true,"token_env_name":"1BAD"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsError || !strings.Contains(res.Content, "token_env_name must match") {
		t.Errorf("expected env name validation error, got %q", res.Content)
	}
}

// TestContainerToolInvalidArgs tests argument decoding.
func TestContainerToolInvalidArgs(t *testing.T) {
	tool := NewContainerTool(&fakeRunner{}, 0, 0)
	res, err := tool.Execute(context.Background(), json.RawMessage(`{broken`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsError || !strings.Contains(res.Content, "Invalid arguments") {
		t.Errorf("expected invalid arguments, got %q", res.Content)
	}
}
