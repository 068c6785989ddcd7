package sandbox

import (
	"context"
	"errors"
	"os"
	"runtime"
	"strings"
	"testing"
	"time"
)

func requirePOSIX(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("requires /bin/sh")
	}
}

// argPair reports whether args contains flag immediately followed by
// value.
func argPair(args []string, flag, value string) bool {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag && args[i+1] == value {
			return true
		}
	}
	return false
}

// TestContainerArgs tests the isolation flag set.
func TestContainerArgs(t *testing.T) {
	r := NewRunner(RunnerConfig{Workspace: "/home/u/ws"})
	cred, err := NewTaskCredential("call_1", "", 0)
	if err != nil {
		t.Fatalf("credential: %v", err)
	}
	spec := RunSpec{
		CallID:     "call_1",
		Command:    "echo hi",
		WorkingDir: "/workspace/sub",
		Env:        []string{"FOO=bar", "BAZ=qux"},
		Credential: cred,
	}
	args := r.containerArgs("valet-call_1", "alpine:3.20", spec)

	if args[0] != "run" || args[1] != "--rm" {
		t.Fatalf("expected run --rm prefix, got %v", args[:2])
	}
	if !argPair(args, "--name", "valet-call_1") {
		t.Error("expected container name")
	}
	if !argPair(args, "--network", "none") {
		t.Error("expected network disabled")
	}
	if !argPair(args, "--cap-drop", "ALL") {
		t.Error("expected capabilities dropped")
	}
	if !argPair(args, "--security-opt", "no-new-privileges") {
		t.Error("expected no-new-privileges")
	}
	if !argPair(args, "--pids-limit", "256") {
		t.Error("expected pids limit")
	}
	found := false
	for _, a := range args {
		if a == "--read-only" {
			found = true
		}
	}
	if !found {
		t.Error("expected read-only rootfs")
	}
	if !argPair(args, "--tmpfs", "/tmp:rw,nosuid,nodev,size=64m") {
		t.Error("expected /tmp tmpfs")
	}
	if !argPair(args, "--tmpfs", "/run/secrets:rw,nosuid,nodev,noexec,size=1m") {
		t.Error("expected credential tmpfs")
	}
	hasStdin := false
	for _, a := range args {
		if a == "-i" {
			hasStdin = true
		}
	}
	if !hasStdin {
		t.Error("expected -i for credential stdin")
	}
	if !argPair(args, "--cpus", "1.00") || !argPair(args, "--memory", "512m") {
		t.Errorf("expected default limits, got %v", args)
	}
	if !argPair(args, "--memory-swap", "512m") {
		t.Error("expected swap pinned to memory limit")
	}
	if !argPair(args, "-v", "/home/u/ws:/workspace:ro") {
		t.Error("expected read-only workspace mount")
	}
	if !argPair(args, "-w", "/workspace/sub") {
		t.Error("expected working dir override")
	}
	if !argPair(args, "-e", "FOO=bar") || !argPair(args, "-e", "BAZ=qux") {
		t.Error("expected env entries")
	}

	n := len(args)
	if args[n-3] != "alpine:3.20" || args[n-2] != "sh" {
		t.Errorf("expected image sh -lc tail, got %v", args[n-3:])
	}
	if !strings.Contains(args[n-1], "echo hi") {
		t.Errorf("expected command in tail, got %q", args[n-1])
	}
}

// TestContainerArgsNetworkAndLimits tests opt-in network and limit
// clamping.
func TestContainerArgsNetworkAndLimits(t *testing.T) {
	r := NewRunner(RunnerConfig{})
	spec := RunSpec{
		Command:      "true",
		AllowNetwork: true,
		MemoryMB:     10,
		CPUMillis:    50,
	}
	args := r.containerArgs("n", "img", spec)

	if argPair(args, "--network", "none") {
		t.Error("expected network enabled")
	}
	if !argPair(args, "--memory", "64m") {
		t.Errorf("expected memory floor 64m, got %v", args)
	}
	if !argPair(args, "--cpus", "0.10") {
		t.Errorf("expected cpu floor 0.10, got %v", args)
	}
	if argPair(args, "--tmpfs", "/run/secrets:rw,nosuid,nodev,noexec,size=1m") {
		t.Error("expected no credential tmpfs without a credential")
	}
	for _, a := range args {
		if a == "-i" {
			t.Error("expected no stdin without a credential")
		}
	}
}

// TestShellCommand tests credential sourcing.
func TestShellCommand(t *testing.T) {
	if got := shellCommand(RunSpec{Command: "echo hi"}); got != "echo hi" {
		t.Errorf("expected passthrough, got %q", got)
	}

	cred, err := NewTaskCredential("c", "", 0)
	if err != nil {
		t.Fatalf("credential: %v", err)
	}
	got := shellCommand(RunSpec{Command: "echo hi", Credential: cred})
	want := "umask 077; cat > /run/secrets/.valet_task_env; " +
		". /run/secrets/.valet_task_env >/dev/null 2>&1; echo hi"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

// TestContainerName tests call ID sanitization.
func TestContainerName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"call_abc", "valet-call_abc"},
		{"a/b:c", "valet-a-b-c"},
		{"OK.2-x", "valet-OK.2-x"},
	}
	for _, tt := range tests {
		if got := containerName(tt.in); got != tt.want {
			t.Errorf("containerName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	generated := containerName("")
	if !strings.HasPrefix(generated, "valet-") || len(generated) <= len("valet-") {
		t.Errorf("expected generated name, got %q", generated)
	}
}

// TestValidateEnvEntry tests KEY=VALUE validation.
func TestValidateEnvEntry(t *testing.T) {
	for _, ok := range []string{"KEY=v", "ok_KEY2=x=y", "_A="} {
		if err := validateEnvEntry(ok); err != nil {
			t.Errorf("expected %q to pass, got %v", ok, err)
		}
	}
	for _, bad := range []string{"NOEQ", "1BAD=v", "has-dash=v", "=v"} {
		err := validateEnvEntry(bad)
		if err == nil {
			t.Errorf("expected %q to fail", bad)
		} else if !strings.Contains(err.Error(), "expected KEY=VALUE") {
			t.Errorf("unexpected error for %q: %v", bad, err)
		}
	}
}

// TestEngineUnreachable tests daemon-down detection.
func TestEngineUnreachable(t *testing.T) {
	down := []string{
		"Cannot connect to the Docker daemon at unix:///var/run/docker.sock",
		"error during connect: this error may indicate that the docker daemon is not running",
		"unable to connect to Podman socket",
	}
	for _, s := range down {
		if !engineUnreachable(s) {
			t.Errorf("expected %q to read as engine down", s)
		}
	}
	up := []string{
		"sh: python: not found",
		"exit status 1",
		"",
	}
	for _, s := range up {
		if engineUnreachable(s) {
			t.Errorf("expected %q to read as command failure", s)
		}
	}
}

// TestClampTimeout tests the run budget bounds.
func TestClampTimeout(t *testing.T) {
	r := NewRunner(RunnerConfig{})
	tests := []struct {
		in   time.Duration
		want time.Duration
	}{
		{0, 30 * time.Second},
		{10 * time.Second, 10 * time.Second},
		{400 * time.Second, 300 * time.Second},
		{500 * time.Millisecond, time.Second},
	}
	for _, tt := range tests {
		if got := r.clampTimeout(tt.in); got != tt.want {
			t.Errorf("clampTimeout(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

// TestRunnerValidation tests request validation before any engine work.
func TestRunnerValidation(t *testing.T) {
	r := NewRunner(RunnerConfig{Engine: "none"})

	if _, err := r.Run(context.Background(), RunSpec{Command: "  "}); err == nil {
		t.Error("expected empty command to fail")
	} else if !strings.Contains(err.Error(), "command must not be empty") {
		t.Errorf("unexpected error: %v", err)
	}

	_, err := r.Run(context.Background(), RunSpec{Command: "true", Env: []string{"1BAD=x"}})
	if err == nil || !strings.Contains(err.Error(), "Invalid env entry") {
		t.Errorf("expected env validation error, got %v", err)
	}
}

// TestRunnerNoEngine tests the unavailable error without fallback.
func TestRunnerNoEngine(t *testing.T) {
	r := NewRunner(RunnerConfig{Engine: "none"})
	_, err := r.Run(context.Background(), RunSpec{Command: "echo hi"})
	if !errors.Is(err, ErrEngineUnavailable) {
		t.Errorf("expected ErrEngineUnavailable, got %v", err)
	}
}

// TestRunnerSubprocessFallback tests host execution when no engine
// exists and the request allows it.
func TestRunnerSubprocessFallback(t *testing.T) {
	requirePOSIX(t)
	r := NewRunner(RunnerConfig{Engine: "none"})

	res, err := r.Run(context.Background(), RunSpec{
		Command:                 "echo hi; echo oops >&2; exit 3",
		AllowSubprocessFallback: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Fallback {
		t.Error("expected fallback marker")
	}
	if res.Stdout != "hi\n" {
		t.Errorf("expected stdout hi, got %q", res.Stdout)
	}
	if res.Stderr != "oops\n" {
		t.Errorf("expected stderr oops, got %q", res.Stderr)
	}
	if res.ExitCode != 3 {
		t.Errorf("expected exit 3, got %d", res.ExitCode)
	}
	if res.TimedOut {
		t.Error("expected no timeout")
	}
}

// TestRunnerSubprocessEnvAndCredential tests that extra env and the
// credential reach the fallback command.
func TestRunnerSubprocessEnvAndCredential(t *testing.T) {
	requirePOSIX(t)
	r := NewRunner(RunnerConfig{Engine: "none"})
	cred, err := NewTaskCredential("call_1", "", 0)
	if err != nil {
		t.Fatalf("credential: %v", err)
	}

	res, err := r.Run(context.Background(), RunSpec{
		Command:                 `printf '%s|%s' "$FOO" "$VALET_TASK_TOKEN"`,
		Env:                     []string{"FOO=bar"},
		Credential:              cred,
		AllowSubprocessFallback: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "bar|" + cred.Token()
	if res.Stdout != want {
		t.Errorf("expected %q, got %q", want, res.Stdout)
	}
}

// TestRunnerSubprocessWorkdir tests the directory precedence.
func TestRunnerSubprocessWorkdir(t *testing.T) {
	requirePOSIX(t)
	dir := t.TempDir()
	r := NewRunner(RunnerConfig{Engine: "none", Workspace: "/"})

	res, err := r.Run(context.Background(), RunSpec{
		Command:                 "pwd",
		WorkingDir:              dir,
		AllowSubprocessFallback: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != dir {
		t.Errorf("expected %q, got %q", dir, res.Stdout)
	}
}

// TestRunnerSubprocessTimeout tests deadline enforcement on the host
// path.
func TestRunnerSubprocessTimeout(t *testing.T) {
	requirePOSIX(t)
	r := NewRunner(RunnerConfig{Engine: "none"})

	res, err := r.Run(context.Background(), RunSpec{
		Command:                 "sleep 5",
		Timeout:                 time.Second,
		AllowSubprocessFallback: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.TimedOut {
		t.Error("expected timeout")
	}
}

// TestCappedWriter tests the retention bound.
func TestCappedWriter(t *testing.T) {
	w := &cappedWriter{max: 5}
	n, err := w.Write([]byte("abc"))
	if err != nil || n != 3 {
		t.Fatalf("expected full write, got %d %v", n, err)
	}
	n, err = w.Write([]byte("defgh"))
	if err != nil || n != 5 {
		t.Fatalf("expected full reported write, got %d %v", n, err)
	}
	if w.String() != "abcde" {
		t.Errorf("expected abcde, got %q", w.String())
	}
	if _, err := w.Write([]byte("zzz")); err != nil {
		t.Fatalf("expected swallowed write, got %v", err)
	}
	if w.String() != "abcde" {
		t.Errorf("expected unchanged buffer, got %q", w.String())
	}
}
