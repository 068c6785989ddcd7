package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultRunTimeout = 30 * time.Second
	maxRunTimeoutSecs = 300

	defaultMemoryMB  = 512
	minMemoryMB      = 64
	defaultCPUMillis = 1000
	minCPUMillis     = 100

	// stdioCap bounds captured container output. The tool layer trims
	// further before the model sees it.
	stdioCap = 64 << 10
)

// ErrEngineUnavailable indicates no container engine could be reached.
// Callers may retry through the subprocess fallback when the request
// allows it.
var ErrEngineUnavailable = errors.New("container engine unavailable")

// RunnerConfig configures the container runner.
type RunnerConfig struct {
	// Engine selects the container engine: "docker", "podman", "auto"
	// (probe docker then podman), or "none" to force the subprocess
	// fallback. Default: auto.
	Engine string

	// Image is the default image when a request names none.
	Image string

	// Timeout is the default wall-clock budget per run. Default: 30s.
	Timeout time.Duration

	// Workspace is the host directory mounted read-only at /workspace.
	Workspace string

	Logger *slog.Logger
}

// RunSpec is one container execution request.
type RunSpec struct {
	// CallID ties the run and its credential to a tool call.
	CallID string

	Image      string
	Command    string
	WorkingDir string

	// Env holds extra KEY=VALUE pairs for the command environment.
	Env []string

	AllowNetwork bool

	// Workspace overrides the configured workspace mount for this run.
	Workspace string

	MemoryMB  int
	CPUMillis int

	// Pull fetches the image before running.
	Pull bool

	// Timeout overrides the configured budget, clamped to 1..300s.
	Timeout time.Duration

	// Credential, when set, is injected through an in-memory mount and
	// sourced into the command's environment.
	Credential *TaskCredential

	// AllowSubprocessFallback runs the command directly on the host when
	// no engine is available.
	AllowSubprocessFallback bool
}

// RunResult carries the outcome of one sandboxed execution.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int

	// TimedOut reports that the run was killed at its deadline.
	TimedOut bool

	// Fallback reports that the command ran as a host subprocess because
	// no container engine was available.
	Fallback bool
}

// Runner executes commands in fresh containers through the engine CLI.
// Every run gets its own container with the workspace mounted read-only,
// a read-only rootfs, no capabilities, and no network unless requested.
type Runner struct {
	cfg RunnerConfig

	engineOnce sync.Once
	engine     string
}

// NewRunner creates a container runner. The engine binary is resolved
// lazily on first use.
func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.Engine == "" {
		cfg.Engine = "auto"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRunTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runner{cfg: cfg}
}

// DefaultImage returns the configured default image.
func (r *Runner) DefaultImage() string {
	return r.cfg.Image
}

func (r *Runner) resolveEngine() string {
	r.engineOnce.Do(func() {
		switch r.cfg.Engine {
		case "none":
		case "auto":
			for _, name := range []string{"docker", "podman"} {
				if path, err := exec.LookPath(name); err == nil {
					r.engine = path
					break
				}
			}
		default:
			if path, err := exec.LookPath(r.cfg.Engine); err == nil {
				r.engine = path
			}
		}
	})
	return r.engine
}

// Run executes one request. Engine problems surface as
// ErrEngineUnavailable unless the request allows the subprocess
// fallback; command failures are reported through RunResult.
func (r *Runner) Run(ctx context.Context, spec RunSpec) (*RunResult, error) {
	if strings.TrimSpace(spec.Command) == "" {
		return nil, fmt.Errorf("command must not be empty")
	}
	for _, entry := range spec.Env {
		if err := validateEnvEntry(entry); err != nil {
			return nil, err
		}
	}

	timeout := r.clampTimeout(spec.Timeout)

	engine := r.resolveEngine()
	if engine == "" {
		if spec.AllowSubprocessFallback {
			return r.runSubprocess(ctx, spec, timeout)
		}
		return nil, fmt.Errorf("%w: no engine binary found", ErrEngineUnavailable)
	}

	res, err := r.runContainer(ctx, engine, spec, timeout)
	if errors.Is(err, ErrEngineUnavailable) && spec.AllowSubprocessFallback {
		r.cfg.Logger.Warn("container engine unavailable, falling back to subprocess",
			"call_id", spec.CallID, "error", err)
		return r.runSubprocess(ctx, spec, timeout)
	}
	return res, err
}

func (r *Runner) clampTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		d = r.cfg.Timeout
	}
	if d > maxRunTimeoutSecs*time.Second {
		d = maxRunTimeoutSecs * time.Second
	}
	if d < time.Second {
		d = time.Second
	}
	return d
}

func (r *Runner) runContainer(ctx context.Context, engine string, spec RunSpec, timeout time.Duration) (*RunResult, error) {
	image := spec.Image
	if image == "" {
		image = r.cfg.Image
	}
	if image == "" {
		return nil, fmt.Errorf("image must not be empty")
	}

	if spec.Pull {
		pullCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		out, err := exec.CommandContext(pullCtx, engine, "pull", image).CombinedOutput()
		cancel()
		if err != nil {
			if engineUnreachable(string(out)) {
				return nil, fmt.Errorf("%w: %s", ErrEngineUnavailable, strings.TrimSpace(string(out)))
			}
			return nil, fmt.Errorf("pull %s: %v: %s", image, err, strings.TrimSpace(string(out)))
		}
	}

	name := containerName(spec.CallID)
	args := r.containerArgs(name, image, spec)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, engine, args...)
	stdout := &cappedWriter{max: stdioCap}
	stderr := &cappedWriter{max: stdioCap}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if spec.Credential != nil {
		cmd.Stdin = strings.NewReader(spec.Credential.ExportScript())
	}

	// The container may outlive a killed CLI; removal is unconditional.
	defer r.forceRemove(engine, name)

	err := cmd.Run()
	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)

	result := &RunResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: commandExitCode(err),
		TimedOut: timedOut,
	}
	if timedOut {
		return result, nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
		}
		if engineUnreachable(result.Stderr) {
			return nil, fmt.Errorf("%w: %s", ErrEngineUnavailable, strings.TrimSpace(result.Stderr))
		}
	}
	return result, nil
}

// containerArgs assembles the engine run arguments: fresh container,
// read-only rootfs and workspace, all capabilities dropped, bounded
// cpu/memory/pids, and tmpfs mounts for /tmp and the credential file.
func (r *Runner) containerArgs(name, image string, spec RunSpec) []string {
	memory := spec.MemoryMB
	if memory <= 0 {
		memory = defaultMemoryMB
	}
	if memory < minMemoryMB {
		memory = minMemoryMB
	}
	cpu := spec.CPUMillis
	if cpu <= 0 {
		cpu = defaultCPUMillis
	}
	if cpu < minCPUMillis {
		cpu = minCPUMillis
	}

	args := []string{"run", "--rm", "--name", name}
	if !spec.AllowNetwork {
		args = append(args, "--network", "none")
	}
	args = append(args,
		"--cpus", fmt.Sprintf("%.2f", float64(cpu)/1000),
		"--memory", fmt.Sprintf("%dm", memory),
		"--memory-swap", fmt.Sprintf("%dm", memory),
		"--pids-limit", "256",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--read-only",
		"--tmpfs", "/tmp:rw,nosuid,nodev,size=64m",
	)
	if spec.Credential != nil {
		args = append(args,
			"--tmpfs", "/run/secrets:rw,nosuid,nodev,noexec,size=1m",
			"-i",
		)
	}

	workspace := spec.Workspace
	if workspace == "" {
		workspace = r.cfg.Workspace
	}
	if workspace != "" {
		args = append(args, "-v", workspace+":/workspace:ro", "-w", "/workspace")
	}
	if spec.WorkingDir != "" {
		args = append(args, "-w", spec.WorkingDir)
	}
	for _, entry := range spec.Env {
		args = append(args, "-e", entry)
	}

	return append(args, image, "sh", "-lc", shellCommand(spec))
}

// shellCommand wraps the requested command so the credential file is
// written from stdin and sourced before the command runs.
func shellCommand(spec RunSpec) string {
	if spec.Credential == nil {
		return spec.Command
	}
	path := "/run/secrets/" + credentialFile
	return fmt.Sprintf("umask 077; cat > %s; . %s >/dev/null 2>&1; %s", path, path, spec.Command)
}

func (r *Runner) forceRemove(engine, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Errors are expected: --rm usually wins the race.
	_ = exec.CommandContext(ctx, engine, "rm", "-f", name).Run()
}

// runSubprocess executes the command directly on the host. The credential
// travels through the environment since there is no tmpfs to source.
func (r *Runner) runSubprocess(ctx context.Context, spec RunSpec, timeout time.Duration) (*RunResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", spec.Command)
	stdout := &cappedWriter{max: stdioCap}
	stderr := &cappedWriter{max: stdioCap}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	switch {
	case spec.WorkingDir != "":
		cmd.Dir = spec.WorkingDir
	case spec.Workspace != "":
		cmd.Dir = spec.Workspace
	case r.cfg.Workspace != "":
		cmd.Dir = r.cfg.Workspace
	}

	env := append(os.Environ(), spec.Env...)
	if spec.Credential != nil {
		env = append(env, spec.Credential.Env()...)
	}
	cmd.Env = env

	err := cmd.Run()
	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)
	if err != nil && !timedOut {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("run subprocess: %w", err)
		}
	}

	return &RunResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: commandExitCode(err),
		TimedOut: timedOut,
		Fallback: true,
	}, nil
}

// containerName derives a safe container name from the call ID.
func containerName(callID string) string {
	if callID == "" {
		callID = uuid.NewString()
	}
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '_', r == '.', r == '-':
			return r
		default:
			return '-'
		}
	}, callID)
	return "valet-" + mapped
}

func validateEnvEntry(entry string) error {
	key, _, ok := strings.Cut(entry, "=")
	if !ok || !envNamePattern.MatchString(key) {
		return fmt.Errorf("Invalid env entry '%s', expected KEY=VALUE", entry)
	}
	return nil
}

// engineUnreachable reports whether CLI output indicates the engine
// daemon itself is down rather than the command failing.
func engineUnreachable(output string) bool {
	low := strings.ToLower(output)
	return strings.Contains(low, "cannot connect to the docker daemon") ||
		strings.Contains(low, "error during connect") ||
		strings.Contains(low, "docker daemon is not running") ||
		strings.Contains(low, "unable to connect to podman")
}

func commandExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// cappedWriter retains at most max bytes while reporting full writes.
type cappedWriter struct {
	buf []byte
	max int
}

func (w *cappedWriter) Write(p []byte) (int, error) {
	if len(w.buf) < w.max {
		remaining := w.max - len(w.buf)
		if len(p) > remaining {
			w.buf = append(w.buf, p[:remaining]...)
		} else {
			w.buf = append(w.buf, p...)
		}
	}
	return len(p), nil
}

func (w *cappedWriter) String() string {
	return string(w.buf)
}
