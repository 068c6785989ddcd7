package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestNewWasmRunnerDefaults tests config defaulting.
func TestNewWasmRunnerDefaults(t *testing.T) {
	r := NewWasmRunner(WasmConfig{})
	if r.cfg.Timeout != 30*time.Second {
		t.Errorf("expected 30s default, got %s", r.cfg.Timeout)
	}
	if r.cfg.MemoryLimitMB != 64 {
		t.Errorf("expected 64MB default, got %d", r.cfg.MemoryLimitMB)
	}
}

// TestClampWasmTimeout tests the budget bounds.
func TestClampWasmTimeout(t *testing.T) {
	tests := []struct {
		requested time.Duration
		want      time.Duration
	}{
		{0, 30 * time.Second},
		{10 * time.Second, 10 * time.Second},
		{400 * time.Second, 300 * time.Second},
		{100 * time.Millisecond, time.Second},
	}
	for _, tt := range tests {
		if got := clampWasmTimeout(tt.requested, 30*time.Second); got != tt.want {
			t.Errorf("clampWasmTimeout(%s) = %s, want %s", tt.requested, got, tt.want)
		}
	}
}

// TestUnpackResult tests the packed pointer/length split.
func TestUnpackResult(t *testing.T) {
	tests := []struct {
		packed  uint64
		wantPtr uint32
		wantLen uint32
	}{
		{0, 0, 0},
		{uint64(2048)<<32 | 17, 2048, 17},
		{uint64(0xFFFFFFFF)<<32 | 0xFFFFFFFF, 0xFFFFFFFF, 0xFFFFFFFF},
	}
	for _, tt := range tests {
		ptr, length := unpackResult(tt.packed)
		if ptr != tt.wantPtr || length != tt.wantLen {
			t.Errorf("unpackResult(%#x) = (%d, %d), want (%d, %d)",
				tt.packed, ptr, length, tt.wantPtr, tt.wantLen)
		}
	}
}

// TestFoldStdio tests guest stdio folding.
func TestFoldStdio(t *testing.T) {
	tests := []struct {
		name   string
		output string
		stdout string
		stderr string
		want   string
	}{
		{name: "no stdio", output: "result", want: "result"},
		{name: "stdout only", output: "result", stdout: "debug\n", want: "result\n\nstdout:\ndebug"},
		{name: "stderr only", output: "result", stderr: " warn ", want: "result\n\nstderr:\nwarn"},
		{
			name:   "both",
			output: "result",
			stdout: "a",
			stderr: "b",
			want:   "result\n\nstdout:\na\n\nstderr:\nb",
		},
		{name: "whitespace only ignored", output: "result", stdout: "  \n ", want: "result"},
		{name: "empty output keeps stdio", stdout: "x", want: "\n\nstdout:\nx"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := foldStdio(tt.output, tt.stdout, tt.stderr); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

// TestWasmTimeoutError tests the message format.
func TestWasmTimeoutError(t *testing.T) {
	err := wasmTimeoutError(30 * time.Second)
	if err.Error() != "WASM execution timed out after 30s" {
		t.Errorf("unexpected message: %q", err.Error())
	}
}

// TestWasmRunMissingModule tests the load failure path.
func TestWasmRunMissingModule(t *testing.T) {
	r := NewWasmRunner(WasmConfig{})
	_, err := r.Run(context.Background(), "/definitely/not/a/module.wasm", "",
		WasmCall{ID: "c", Name: "hello"}, 0)
	if err == nil || !strings.Contains(err.Error(), "read module") {
		t.Errorf("expected read module error, got %v", err)
	}
}

// TestWasmRunInvalidModule tests rejection of non-wasm bytes.
func TestWasmRunInvalidModule(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.wasm")
	if err := os.WriteFile(path, []byte("not a wasm module"), 0o644); err != nil {
		t.Fatalf("write module: %v", err)
	}

	r := NewWasmRunner(WasmConfig{})
	_, err := r.Run(context.Background(), path, "", WasmCall{ID: "c", Name: "hello"}, 0)
	if err == nil || !strings.Contains(err.Error(), "instantiate module") {
		t.Errorf("expected instantiate error, got %v", err)
	}
}
