package tools

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/haasonsaas/valet/pkg/models"
)

// ExecutorConfig bounds tool execution.
type ExecutorConfig struct {
	// MaxConcurrency limits the number of tools executing at once across
	// all sessions. Default: 4.
	MaxConcurrency int

	// DefaultTimeout is the execution deadline for tools without an
	// override. Default: 30s.
	DefaultTimeout time.Duration
}

// Executor runs tool calls through the registry with bounded concurrency
// and per-tool deadlines. Late results from timed-out executions land in
// a buffered channel and are discarded without leaking the goroutine.
type Executor struct {
	registry *Registry
	config   ExecutorConfig
	logger   *slog.Logger

	mu       sync.RWMutex
	timeouts map[string]time.Duration

	sem chan struct{}
}

// NewExecutor creates an executor over the given registry.
func NewExecutor(registry *Registry, config ExecutorConfig, logger *slog.Logger) *Executor {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 4
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry: registry,
		config:   config,
		logger:   logger,
		timeouts: make(map[string]time.Duration),
		sem:      make(chan struct{}, config.MaxConcurrency),
	}
}

// SetTimeout overrides the execution deadline for one tool. Tools that
// manage their own argument-driven budgets (shell, container, browser)
// are registered with their maximum budget plus headroom so their own
// timeout message reaches the model first.
func (e *Executor) SetTimeout(name string, d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.timeouts[name] = d
}

func (e *Executor) timeoutFor(name string) time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if d, ok := e.timeouts[name]; ok && d > 0 {
		return d
	}
	return e.config.DefaultTimeout
}

// Execute runs a single tool call, blocking for a concurrency slot first.
// The returned result is always non-nil and carries the call ID.
func (e *Executor) Execute(ctx context.Context, call *models.ToolCall) *models.ToolResult {
	start := time.Now()

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		return NewToolError(ErrorTimeout, call.Name, "context cancelled").
			WithCallID(call.ID).WithCause(ctx.Err()).Result()
	}

	timeout := e.timeoutFor(call.Name)
	res := e.executeWithTimeout(ctx, call, timeout)

	duration := time.Since(start)
	if res.Metadata == nil {
		res.Metadata = map[string]string{}
	}
	res.Metadata["duration_ms"] = fmt.Sprintf("%d", duration.Milliseconds())

	e.logger.Debug("tool executed",
		"tool", call.Name,
		"call_id", call.ID,
		"duration", duration,
		"is_error", res.IsError)
	return res
}

func (e *Executor) executeWithTimeout(ctx context.Context, call *models.ToolCall, timeout time.Duration) *models.ToolResult {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultCh := make(chan *models.ToolResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("tool panicked",
					"tool", call.Name,
					"call_id", call.ID,
					"panic", r,
					"stack", string(debug.Stack()))
				resultCh <- NewToolError(ErrorInternal, call.Name, fmt.Sprintf("tool panicked: %v", r)).
					WithCallID(call.ID).Result()
			}
		}()
		resultCh <- e.registry.Execute(execCtx, call)
	}()

	select {
	case res := <-resultCh:
		return res
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return NewToolError(ErrorTimeout, call.Name, "context cancelled").
				WithCallID(call.ID).WithCause(ctx.Err()).Result()
		}
		return NewToolError(ErrorTimeout, call.Name, fmt.Sprintf("execution timed out after %s", timeout)).
			WithCallID(call.ID).Result()
	}
}
