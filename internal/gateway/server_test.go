package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/valet/internal/agent"
	"github.com/haasonsaas/valet/internal/channels"
	"github.com/haasonsaas/valet/internal/config"
	"github.com/haasonsaas/valet/internal/observability"
	"github.com/haasonsaas/valet/internal/sessions"
	"github.com/haasonsaas/valet/pkg/models"
)

// scriptedRunner is a TurnRunner with observable, controllable turns.
// A turn signals started, then blocks on release when one is set; a
// cancelled wait returns the runtime's cancellation response.
type scriptedRunner struct {
	started chan *models.ChannelEvent
	release chan struct{}
	fn      func(ctx context.Context, session *models.Session, allow *agent.Allowlist, evt *models.ChannelEvent) *models.AgentResponse
}

func (r *scriptedRunner) ProcessTurn(ctx context.Context, session *models.Session, allow *agent.Allowlist, evt *models.ChannelEvent) *models.AgentResponse {
	if r.started != nil {
		r.started <- evt
	}
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return models.NewCancelledResponse(evt.ChannelID, session.ID, agent.CancellationCauseOf(ctx))
		}
	}
	if r.fn != nil {
		return r.fn(ctx, session, allow, evt)
	}
	return models.NewAgentResponse(evt.ChannelID, session.ID, "echo: "+evt.UserMessage)
}

type testGateway struct {
	srv   *Server
	fake  *fakeAdapter
	store *sessions.MemoryStore
}

func newTestServer(t *testing.T, runner TurnRunner, queueSize int) *testGateway {
	t.Helper()
	store := sessions.NewMemoryStore()
	registry := channels.NewRegistry()
	fake := newFakeAdapter(models.ChannelCLI)
	registry.Register(fake)

	router := NewRouter(RouterOptions{
		Store:     store,
		Registry:  registry,
		Provider:  "anthropic",
		Model:     "claude-sonnet-4-20250514",
		QueueSize: queueSize,
		Logger:    discardLogger(),
	})
	broker := NewApprovalBroker(router, discardLogger())

	cfg := &config.Config{}
	cfg.Gateway.QueueSize = queueSize
	cfg.Gateway.Workers = 2

	srv, err := NewServer(Options{
		Config:   cfg,
		Registry: registry,
		Router:   router,
		Broker:   broker,
		Runner:   runner,
		Store:    store,
		Metrics:  observability.NewMetrics(),
		Logger:   discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	return &testGateway{srv: srv, fake: fake, store: store}
}

func chatEvent(channelID, text string) *models.ChannelEvent {
	return &models.ChannelEvent{
		ChannelID:   channelID,
		UserMessage: text,
		ReceivedAt:  time.Now(),
	}
}

func recvResponse(t *testing.T, ch <-chan *models.AgentResponse) *models.AgentResponse {
	t.Helper()
	select {
	case resp := <-ch:
		return resp
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a response")
		return nil
	}
}

func recvEvent(t *testing.T, ch <-chan *models.ChannelEvent) *models.ChannelEvent {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a turn to start")
		return nil
	}
}

func TestTurnRoundTrip(t *testing.T) {
	runner := &scriptedRunner{}
	tg := newTestServer(t, runner, 4)

	tg.fake.events <- chatEvent("cli:local", "hello")

	resp := recvResponse(t, tg.fake.sent)
	if resp.Content != "echo: hello" {
		t.Errorf("content = %q, want %q", resp.Content, "echo: hello")
	}
	if resp.IsError {
		t.Error("round trip should not be an error")
	}
	if resp.SessionID == "" {
		t.Fatal("response missing session id")
	}

	session, err := tg.store.Get(context.Background(), resp.SessionID)
	if err != nil {
		t.Fatalf("session not persisted: %v", err)
	}
	if session.ChannelID != "cli:local" {
		t.Errorf("channel = %q, want cli:local", session.ChannelID)
	}
}

func TestSessionsRunConcurrently(t *testing.T) {
	runner := &scriptedRunner{
		started: make(chan *models.ChannelEvent, 4),
		release: make(chan struct{}),
	}
	tg := newTestServer(t, runner, 4)

	tg.fake.events <- chatEvent("cli:alpha", "one")
	tg.fake.events <- chatEvent("cli:beta", "two")

	// Both turns must be in flight before either is released.
	recvEvent(t, runner.started)
	recvEvent(t, runner.started)
	close(runner.release)

	got := map[string]bool{}
	got[recvResponse(t, tg.fake.sent).Content] = true
	got[recvResponse(t, tg.fake.sent).Content] = true
	if !got["echo: one"] || !got["echo: two"] {
		t.Errorf("responses = %v, want both echoes", got)
	}
}

func TestBusyWhenSessionQueueFull(t *testing.T) {
	runner := &scriptedRunner{
		started: make(chan *models.ChannelEvent, 4),
		release: make(chan struct{}),
	}
	tg := newTestServer(t, runner, 1)

	tg.fake.events <- chatEvent("cli:local", "first")
	recvEvent(t, runner.started)
	tg.fake.events <- chatEvent("cli:local", "second")
	tg.fake.events <- chatEvent("cli:local", "third")

	busy := recvResponse(t, tg.fake.sent)
	if !busy.IsError || !strings.Contains(busy.Content, "Still working") {
		t.Fatalf("expected a busy rejection, got %+v", busy)
	}

	close(runner.release)
	if resp := recvResponse(t, tg.fake.sent); resp.Content != "echo: first" {
		t.Errorf("first response = %q, want echo: first", resp.Content)
	}
	if resp := recvResponse(t, tg.fake.sent); resp.Content != "echo: second" {
		t.Errorf("second response = %q, want echo: second", resp.Content)
	}
}

func TestStopCommandCancelsTurn(t *testing.T) {
	runner := &scriptedRunner{
		started: make(chan *models.ChannelEvent, 4),
		release: make(chan struct{}),
	}
	tg := newTestServer(t, runner, 4)

	tg.fake.events <- chatEvent("cli:local", "long task")
	recvEvent(t, runner.started)
	tg.fake.events <- chatEvent("cli:local", "/stop")

	resp := recvResponse(t, tg.fake.sent)
	if resp.CancellationCause != models.CancelledByUser {
		t.Errorf("cause = %q, want %q", resp.CancellationCause, models.CancelledByUser)
	}
	if resp.Content != "Generation cancelled." {
		t.Errorf("content = %q, want the cancellation notice", resp.Content)
	}
}

func TestStopCommandWhenIdle(t *testing.T) {
	runner := &scriptedRunner{}
	tg := newTestServer(t, runner, 4)

	tg.fake.events <- chatEvent("cli:local", "/stop")

	resp := recvResponse(t, tg.fake.sent)
	if resp.IsError {
		t.Error("idle stop should not be an error")
	}
	if resp.Content != "Nothing is running right now." {
		t.Errorf("content = %q", resp.Content)
	}
}

func TestShutdownCancelsWithShutdownCause(t *testing.T) {
	runner := &scriptedRunner{
		started: make(chan *models.ChannelEvent, 4),
		release: make(chan struct{}),
	}
	tg := newTestServer(t, runner, 4)

	tg.fake.events <- chatEvent("cli:local", "long task")
	recvEvent(t, runner.started)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tg.srv.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	resp := recvResponse(t, tg.fake.sent)
	if resp.CancellationCause != models.CancelledByShutdown {
		t.Errorf("cause = %q, want %q", resp.CancellationCause, models.CancelledByShutdown)
	}

	if tg.srv.Inject(chatEvent("cli:local", "late")) {
		t.Error("inject should be refused after shutdown")
	}
}

func TestDrainingDropsEvents(t *testing.T) {
	runner := &scriptedRunner{started: make(chan *models.ChannelEvent, 4)}
	tg := newTestServer(t, runner, 4)

	tg.srv.draining.Store(true)
	tg.fake.events <- chatEvent("cli:local", "hello")

	select {
	case evt := <-runner.started:
		t.Fatalf("turn ran while draining: %q", evt.UserMessage)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestApprovalFlowThroughChannel(t *testing.T) {
	decisions := make(chan models.ApprovalDecision, 1)
	runner := &scriptedRunner{}
	tg := newTestServer(t, runner, 4)
	runner.fn = func(ctx context.Context, session *models.Session, allow *agent.Allowlist, evt *models.ChannelEvent) *models.AgentResponse {
		decision, err := tg.srv.broker.RequestApproval(ctx, &models.ToolApprovalRequest{
			CallID:    "call-1",
			ChannelID: evt.ChannelID,
			SessionID: session.ID,
			ToolName:  "shell",
			Arguments: `{"command":"ls ~/Downloads"}`,
		})
		if err != nil {
			return models.NewErrorResponse(evt.ChannelID, session.ID, err.Error())
		}
		decisions <- decision
		return models.NewAgentResponse(evt.ChannelID, session.ID, "done")
	}

	tg.fake.events <- chatEvent("cli:local", "clean up my downloads")

	prompt := recvResponse(t, tg.fake.sent)
	if !strings.Contains(prompt.Content, "Tool approval required: shell") {
		t.Fatalf("expected the approval prompt, got %q", prompt.Content)
	}

	tg.fake.events <- chatEvent("cli:local", "allow")

	final := recvResponse(t, tg.fake.sent)
	if final.Content != "done" {
		t.Errorf("content = %q, want done", final.Content)
	}
	select {
	case d := <-decisions:
		if d != models.ApprovalAllowForSession {
			t.Errorf("decision = %q, want %q", d, models.ApprovalAllowForSession)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the decision")
	}
}

func TestInjectRunsPipelineToSink(t *testing.T) {
	runner := &scriptedRunner{}
	tg := newTestServer(t, runner, 4)

	got := make(chan *models.AgentResponse, 1)
	tg.srv.router.RegisterSink("cron:morning-brief", func(ctx context.Context, resp *models.AgentResponse) error {
		got <- resp
		return nil
	})

	if !tg.srv.Inject(chatEvent("cron:morning-brief", "summarize overnight email")) {
		t.Fatal("inject refused")
	}

	resp := recvResponse(t, got)
	if resp.Content != "echo: summarize overnight email" {
		t.Errorf("content = %q", resp.Content)
	}
	select {
	case <-tg.fake.sent:
		t.Error("a sink-bound response should not reach the adapter")
	default:
	}
}

func TestSessionDeletedBetweenTurns(t *testing.T) {
	runner := &scriptedRunner{}
	tg := newTestServer(t, runner, 4)

	tg.fake.events <- chatEvent("cli:local", "hello")
	first := recvResponse(t, tg.fake.sent)

	if err := tg.store.Delete(context.Background(), first.SessionID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	tg.fake.events <- chatEvent("cli:local", "are you there?")
	gone := recvResponse(t, tg.fake.sent)
	if !gone.IsError || !strings.Contains(gone.Content, "deleted") {
		t.Fatalf("expected a deleted-session notice, got %+v", gone)
	}

	tg.fake.events <- chatEvent("cli:local", "hello again")
	fresh := recvResponse(t, tg.fake.sent)
	if fresh.Content != "echo: hello again" {
		t.Errorf("content = %q", fresh.Content)
	}
	if fresh.SessionID == first.SessionID {
		t.Error("expected a fresh session after deletion")
	}
}

func TestHealthzAndMetricsEndpoints(t *testing.T) {
	runner := &scriptedRunner{}
	tg := newTestServer(t, runner, 4)

	tg.fake.events <- chatEvent("cli:local", "hello")
	recvResponse(t, tg.fake.sent)

	ts := httptest.NewServer(tg.srv.httpMux())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	var report healthReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("decode healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || report.Status != "ok" {
		t.Errorf("healthz = %d %q", resp.StatusCode, report.Status)
	}
	if status, ok := report.Channels["cli"]; !ok || !status.Connected {
		t.Errorf("cli channel status = %+v", report.Channels)
	}

	metricsResp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, err := io.ReadAll(metricsResp.Body)
	metricsResp.Body.Close()
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	if !strings.Contains(string(body), "valet_messages_total") {
		t.Error("metrics exposition missing message counter")
	}
	if !strings.Contains(string(body), "valet_queued_events") {
		t.Error("metrics exposition missing queue gauge")
	}
}
