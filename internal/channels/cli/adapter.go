// Package cli is the interactive terminal channel. It reads lines
// from stdin and prints agent responses, which makes the daemon
// usable without configuring any messaging platform.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/valet/internal/channels"
	"github.com/haasonsaas/valet/pkg/models"
)

const prompt = "> "

// Config holds configuration for the CLI adapter.
type Config struct {
	// Input defaults to os.Stdin.
	Input io.Reader

	// Output defaults to os.Stdout.
	Output io.Writer

	// Logger is an optional slog.Logger instance.
	Logger *slog.Logger
}

// Adapter implements channels.Adapter for an interactive terminal.
type Adapter struct {
	*channels.BaseHealthAdapter

	input  io.Reader
	output io.Writer
	outMu  sync.Mutex

	events chan *models.ChannelEvent
	cancel context.CancelFunc
}

// NewAdapter creates a CLI adapter.
func NewAdapter(config Config) *Adapter {
	if config.Input == nil {
		config.Input = os.Stdin
	}
	if config.Output == nil {
		config.Output = os.Stdout
	}

	return &Adapter{
		BaseHealthAdapter: channels.NewBaseHealthAdapter(models.ChannelCLI, config.Logger),
		input:             config.Input,
		output:            config.Output,
		events:            make(chan *models.ChannelEvent, 16),
	}
}

// Start begins reading lines from the input in the background.
func (a *Adapter) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.SetStatus(true, "")
	go a.readLoop(ctx)
	return nil
}

// readLoop emits one event per non-empty line until EOF. A read
// blocked on the input cannot be interrupted, so after Stop the
// goroutine lingers until the next line or EOF arrives.
func (a *Adapter) readLoop(ctx context.Context) {
	defer close(a.events)

	scanner := bufio.NewScanner(a.input)
	a.write(prompt)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}

		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			a.write(prompt)
			continue
		}

		a.RecordEventReceived()
		a.UpdateLastPing()

		evt := &models.ChannelEvent{
			ChannelID:   models.ChannelID(models.ChannelCLI, "local"),
			UserMessage: text,
			ReceivedAt:  time.Now(),
		}
		select {
		case a.events <- evt:
		case <-ctx.Done():
			return
		}
	}

	if err := scanner.Err(); err != nil {
		a.Logger().Warn("input closed", "error", err)
	}
}

// Send prints a response and re-issues the prompt.
func (a *Adapter) Send(ctx context.Context, resp *models.AgentResponse) error {
	start := time.Now()

	content := resp.Content
	if resp.IsError {
		content = "error: " + content
	}
	a.write("\n" + content + "\n" + prompt)

	a.RecordResponseSent()
	a.RecordSendLatency(time.Since(start))
	return nil
}

func (a *Adapter) write(s string) {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	fmt.Fprint(a.output, s)
}

// Messages returns the inbound event stream.
func (a *Adapter) Messages() <-chan *models.ChannelEvent {
	return a.events
}

// Type returns the channel type.
func (a *Adapter) Type() models.ChannelType {
	return models.ChannelCLI
}

// Stop stops emitting events. It does not wait for the reader
// goroutine, which may be blocked on the terminal.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	a.SetStatus(false, "")
	return nil
}
