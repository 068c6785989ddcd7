package tools

import (
	"fmt"
	"strings"
	"sync"
)

// TruncateOutput truncates s to maxChars code points and appends a marker
// when anything was cut.
func TruncateOutput(s string, maxChars int) string {
	if maxChars <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return fmt.Sprintf("%s\n[... output truncated at %d chars]", string(runes[:maxChars]), maxChars)
}

// FormatCommandOutput renders captured stdout, stderr, and the exit code
// the way the model sees command results. Empty streams are omitted; the
// exit code is always present.
func FormatCommandOutput(stdout, stderr string, exitCode int) string {
	var out strings.Builder

	if stdout != "" {
		out.WriteString("stdout:\n")
		out.WriteString(stdout)
		if !strings.HasSuffix(stdout, "\n") {
			out.WriteByte('\n')
		}
	}

	if stderr != "" {
		if out.Len() > 0 {
			out.WriteByte('\n')
		}
		out.WriteString("stderr:\n")
		out.WriteString(stderr)
		if !strings.HasSuffix(stderr, "\n") {
			out.WriteByte('\n')
		}
	}

	fmt.Fprintf(&out, "\nexit_code: %d", exitCode)
	return out.String()
}

// limitedBuffer is an io.Writer that stops retaining bytes past max while
// still reporting full writes, so a chatty process is never blocked.
type limitedBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.max > 0 && len(b.buf) >= b.max {
		return len(p), nil
	}
	if b.max > 0 && len(p) > b.max-len(b.buf) {
		b.buf = append(b.buf, p[:b.max-len(b.buf)]...)
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
