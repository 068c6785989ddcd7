package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

const (
	defaultWasmTimeout = 30 * time.Second
	maxWasmTimeoutSecs = 300

	defaultWasmMemoryMB = 64

	// wasmStdioCap bounds captured guest stdout/stderr.
	wasmStdioCap = 256 << 10
)

// WasmConfig bounds guest execution.
type WasmConfig struct {
	// Timeout is the default wall-clock budget, clamped to 1..300s.
	// Default: 30s.
	Timeout time.Duration

	// MemoryLimitMB caps guest linear memory. Default: 64.
	MemoryLimitMB int

	Logger *slog.Logger
}

// WasmCall is the host-to-guest request, written into guest memory as
// UTF-8 JSON.
type WasmCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// WasmResult is the guest's reply with its stdio folded in.
type WasmResult struct {
	Output  string
	IsError bool
}

// wasmToolResult is the guest's wire reply.
type wasmToolResult struct {
	CallID   string `json:"call_id"`
	ToolName string `json:"tool_name"`
	Output   string `json:"output"`
	IsError  bool   `json:"is_error"`
}

// WasmRunner executes skill modules compiled to wasm32-wasi. The guest
// sees a restricted host: the workspace mounted read-only at /workspace,
// captured stdio, and nothing else.
//
// ABI: the module exports `memory`, `alloc(len) -> ptr`, and
// `run(ptr, len) -> i64` packing the result as ptr<<32|len, plus an
// optional `dealloc(ptr, len)`. The host writes a JSON tool call, the
// guest returns a JSON tool result.
type WasmRunner struct {
	cfg WasmConfig
}

// NewWasmRunner creates a runner with defaults filled in.
func NewWasmRunner(cfg WasmConfig) *WasmRunner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultWasmTimeout
	}
	if cfg.MemoryLimitMB <= 0 {
		cfg.MemoryLimitMB = defaultWasmMemoryMB
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WasmRunner{cfg: cfg}
}

// Run loads the module at modulePath and executes one call. Wall-clock
// enforcement closes the module at the deadline; memory is capped by the
// configured limit.
func (r *WasmRunner) Run(ctx context.Context, modulePath, workspace string, call WasmCall, timeout time.Duration) (*WasmResult, error) {
	source, err := os.ReadFile(modulePath)
	if err != nil {
		return nil, fmt.Errorf("read module: %w", err)
	}

	timeout = clampWasmTimeout(timeout, r.cfg.Timeout)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rtCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(uint32(r.cfg.MemoryLimitMB * 16)).
		WithCloseOnContextDone(true)
	rt := wazero.NewRuntimeWithConfig(runCtx, rtCfg)
	defer rt.Close(context.Background())

	wasi_snapshot_preview1.MustInstantiate(runCtx, rt)

	stdout := &cappedWriter{max: wasmStdioCap}
	stderr := &cappedWriter{max: wasmStdioCap}
	modCfg := wazero.NewModuleConfig().
		WithStdout(stdout).
		WithStderr(stderr).
		WithStartFunctions()
	if workspace != "" {
		modCfg = modCfg.WithFSConfig(
			wazero.NewFSConfig().WithReadOnlyDirMount(workspace, "/workspace"))
	}

	mod, err := rt.InstantiateWithConfig(runCtx, source, modCfg)
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, wasmTimeoutError(timeout)
		}
		return nil, fmt.Errorf("instantiate module: %w", err)
	}

	memory := mod.Memory()
	allocFn := mod.ExportedFunction("alloc")
	runFn := mod.ExportedFunction("run")
	if memory == nil || allocFn == nil || runFn == nil {
		return nil, fmt.Errorf("module does not export the memory/alloc/run ABI")
	}

	payload, err := json.Marshal(call)
	if err != nil {
		return nil, fmt.Errorf("encode tool call: %w", err)
	}

	allocRets, err := allocFn.Call(runCtx, uint64(len(payload)))
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, wasmTimeoutError(timeout)
		}
		return nil, fmt.Errorf("call alloc: %w", err)
	}
	ptr := uint32(allocRets[0])
	if ptr == 0 {
		return nil, fmt.Errorf("WASM alloc returned 0")
	}
	if !memory.Write(ptr, payload) {
		return nil, fmt.Errorf("write tool call into guest memory")
	}

	runRets, err := runFn.Call(runCtx, uint64(ptr), uint64(len(payload)))
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, wasmTimeoutError(timeout)
		}
		return nil, fmt.Errorf("call run: %w", err)
	}

	resultPtr, resultLen := unpackResult(runRets[0])
	if resultLen == 0 {
		return nil, fmt.Errorf("WASM ABI returned empty ToolResult buffer")
	}
	data, ok := memory.Read(resultPtr, resultLen)
	if !ok {
		return nil, fmt.Errorf("read tool result from guest memory")
	}
	// The module dies with the runtime; dealloc is only a courtesy.
	if deallocFn := mod.ExportedFunction("dealloc"); deallocFn != nil {
		_, _ = deallocFn.Call(runCtx, uint64(resultPtr), uint64(resultLen))
	}

	var reply wasmToolResult
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, fmt.Errorf("Invalid ToolResult JSON returned from WASM skill")
	}

	return &WasmResult{
		Output:  foldStdio(reply.Output, stdout.String(), stderr.String()),
		IsError: reply.IsError,
	}, nil
}

func clampWasmTimeout(requested, fallback time.Duration) time.Duration {
	d := requested
	if d <= 0 {
		d = fallback
	}
	if d > maxWasmTimeoutSecs*time.Second {
		d = maxWasmTimeoutSecs * time.Second
	}
	if d < time.Second {
		d = time.Second
	}
	return d
}

func wasmTimeoutError(timeout time.Duration) error {
	return fmt.Errorf("WASM execution timed out after %ds", int(timeout.Seconds()))
}

// unpackResult splits the packed i64 returned by run: the pointer in the
// high 32 bits, the length in the low 32.
func unpackResult(packed uint64) (ptr, length uint32) {
	return uint32(packed >> 32), uint32(packed)
}

// foldStdio appends trimmed guest stdout/stderr to the result output so
// print-style debugging from skills reaches the model.
func foldStdio(output, stdout, stderr string) string {
	if s := strings.TrimSpace(stdout); s != "" {
		output += "\n\nstdout:\n" + s
	}
	if s := strings.TrimSpace(stderr); s != "" {
		output += "\n\nstderr:\n" + s
	}
	return output
}
