package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/valet/pkg/models"
)

// ErrorKind categorizes tool execution failures for the agent loop,
// logging, and metrics.
type ErrorKind string

const (
	// ErrorRejected indicates the user denied the tool call.
	ErrorRejected ErrorKind = "rejected"

	// ErrorTimeout indicates the execution exceeded its deadline.
	ErrorTimeout ErrorKind = "timeout"

	// ErrorSandboxUnavailable indicates no sandbox engine could run the call.
	ErrorSandboxUnavailable ErrorKind = "sandbox_unavailable"

	// ErrorExecFailure indicates the command started but failed to complete.
	ErrorExecFailure ErrorKind = "exec_failure"

	// ErrorInvalidArguments indicates the arguments failed validation.
	ErrorInvalidArguments ErrorKind = "invalid_arguments"

	// ErrorInternal indicates an unclassified failure inside the tool.
	ErrorInternal ErrorKind = "internal"
)

// ToolError is a structured tool execution failure. It implements error
// for logging, and converts to the error ToolResult handed back to the
// agent loop via Result.
type ToolError struct {
	Kind       ErrorKind
	ToolName   string
	ToolCallID string
	Message    string

	// ExitCode and Stderr are set for ErrorExecFailure.
	ExitCode int
	Stderr   string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	parts := []string{fmt.Sprintf("[tool:%s]", e.Kind)}
	if e.ToolName != "" {
		parts = append(parts, e.ToolName)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	if e.Kind == ErrorExecFailure {
		parts = append(parts, fmt.Sprintf("(exit=%d)", e.ExitCode))
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *ToolError) Unwrap() error {
	return e.Cause
}

// NewToolError creates a ToolError with an explicit kind and message.
func NewToolError(kind ErrorKind, toolName, message string) *ToolError {
	return &ToolError{Kind: kind, ToolName: toolName, Message: message}
}

// WithCallID sets the tool call ID for correlating the error with its call.
func (e *ToolError) WithCallID(id string) *ToolError {
	e.ToolCallID = id
	return e
}

// WithCause attaches the underlying error.
func (e *ToolError) WithCause(cause error) *ToolError {
	e.Cause = cause
	return e
}

// WithExit records the exit code and captured stderr of a failed command.
func (e *ToolError) WithExit(code int, stderr string) *ToolError {
	e.ExitCode = code
	e.Stderr = stderr
	return e
}

// Result converts the error into the error ToolResult fed back to the
// model. The kind and exec details travel in result metadata, which is
// persisted but never shown to the model.
func (e *ToolError) Result() *models.ToolResult {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	res := &models.ToolResult{
		ToolCallID: e.ToolCallID,
		ToolName:   e.ToolName,
		Content:    msg,
		IsError:    true,
		Metadata:   map[string]string{"error_kind": string(e.Kind)},
	}
	if e.Kind == ErrorExecFailure {
		res.Metadata["exit_code"] = fmt.Sprintf("%d", e.ExitCode)
		if e.Stderr != "" {
			res.Metadata["stderr"] = e.Stderr
		}
	}
	return res
}

// WrapErr converts an arbitrary execution error into a ToolError. An
// existing ToolError passes through unchanged; context deadline errors
// classify as timeouts, everything else as internal.
func WrapErr(toolName string, err error) *ToolError {
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	kind := ErrorInternal
	if errors.Is(err, context.DeadlineExceeded) {
		kind = ErrorTimeout
	} else if err != nil {
		low := strings.ToLower(err.Error())
		if strings.Contains(low, "timed out") || strings.Contains(low, "deadline exceeded") {
			kind = ErrorTimeout
		}
	}
	return &ToolError{Kind: kind, ToolName: toolName, Cause: err}
}
