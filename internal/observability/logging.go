// Package observability provides logging, metrics, and tracing for the
// daemon.
//
// Logging is built on log/slog with automatic redaction of secret-shaped
// values. Metrics are Prometheus collectors exposed on the gateway's HTTP
// listener. Tracing is OpenTelemetry with an OTLP/gRPC exporter.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"golang.org/x/term"
)

// LogConfig configures the logging behavior.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error"
	Level string

	// Format specifies output format: "json", "text", or "auto".
	// Auto selects text when stderr is a terminal, json otherwise.
	Format string

	// Output is the writer for log output (defaults to os.Stderr)
	Output io.Writer

	// AddSource includes file and line number in log records
	AddSource bool

	// RedactPatterns are additional regex patterns for sensitive data
	// redaction. Default patterns already cover common secret shapes.
	RedactPatterns []string
}

// DefaultRedactPatterns contains regex patterns for common sensitive data.
var DefaultRedactPatterns = []string{
	// API keys and tokens
	`(?i)(api[_-]?key|apikey)[\s:=]+["']?([a-zA-Z0-9_\-]{16,})["']?`,
	`(?i)(bearer|token)[\s:]+([a-zA-Z0-9_\-\.]{16,})`,
	`(?i)(secret|password|passwd|pwd)[\s:=]+["']?([^\s"']{8,})["']?`,

	// Anthropic API and OAuth keys
	`sk-ant-[a-zA-Z0-9_-]{20,}`,

	// OpenAI-style API keys
	`sk-[a-zA-Z0-9]{40,}`,

	// JWT tokens
	`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`,
}

// NewLogger creates a structured logger with redaction of secret-shaped
// values in messages and string attributes.
func NewLogger(config LogConfig) *slog.Logger {
	if config.Output == nil {
		config.Output = os.Stderr
	}

	var level slog.Level
	switch strings.ToLower(config.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: config.AddSource,
	}

	format := strings.ToLower(config.Format)
	if format == "" || format == "auto" {
		format = "json"
		if f, ok := config.Output.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			format = "text"
		}
	}

	var inner slog.Handler
	if format == "text" {
		inner = slog.NewTextHandler(config.Output, opts)
	} else {
		inner = slog.NewJSONHandler(config.Output, opts)
	}

	redacts := make([]*regexp.Regexp, 0, len(DefaultRedactPatterns)+len(config.RedactPatterns))
	for _, pattern := range append(append([]string{}, DefaultRedactPatterns...), config.RedactPatterns...) {
		if re, err := regexp.Compile(pattern); err == nil {
			redacts = append(redacts, re)
		}
	}

	return slog.New(&redactHandler{inner: inner, redacts: redacts})
}

// SetDefault installs a redacting logger as the process default.
func SetDefault(config LogConfig) *slog.Logger {
	logger := NewLogger(config)
	slog.SetDefault(logger)
	return logger
}

// redactHandler wraps a slog.Handler, masking secret-shaped substrings in
// the record message and in string attribute values.
type redactHandler struct {
	inner   slog.Handler
	redacts []*regexp.Regexp
}

func (h *redactHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *redactHandler) Handle(ctx context.Context, record slog.Record) error {
	clean := slog.NewRecord(record.Time, record.Level, h.redactString(record.Message), record.PC)
	record.Attrs(func(attr slog.Attr) bool {
		clean.AddAttrs(h.redactAttr(attr))
		return true
	})
	return h.inner.Handle(ctx, clean)
}

func (h *redactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, len(attrs))
	for i, attr := range attrs {
		clean[i] = h.redactAttr(attr)
	}
	return &redactHandler{inner: h.inner.WithAttrs(clean), redacts: h.redacts}
}

func (h *redactHandler) WithGroup(name string) slog.Handler {
	return &redactHandler{inner: h.inner.WithGroup(name), redacts: h.redacts}
}

func (h *redactHandler) redactAttr(attr slog.Attr) slog.Attr {
	switch attr.Value.Kind() {
	case slog.KindString:
		return slog.String(attr.Key, h.redactString(attr.Value.String()))
	case slog.KindGroup:
		members := attr.Value.Group()
		clean := make([]any, 0, len(members))
		for _, member := range members {
			clean = append(clean, h.redactAttr(member))
		}
		return slog.Group(attr.Key, clean...)
	case slog.KindAny:
		if err, ok := attr.Value.Any().(error); ok && err != nil {
			return slog.String(attr.Key, h.redactString(err.Error()))
		}
		return attr
	default:
		return attr
	}
}

func (h *redactHandler) redactString(s string) string {
	for _, re := range h.redacts {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}
