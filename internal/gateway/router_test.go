package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/haasonsaas/valet/internal/agent"
	"github.com/haasonsaas/valet/internal/channels"
	"github.com/haasonsaas/valet/internal/sessions"
	"github.com/haasonsaas/valet/pkg/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeAdapter is an in-memory channels.Adapter for pipeline tests.
type fakeAdapter struct {
	*channels.BaseHealthAdapter
	channelType models.ChannelType
	events      chan *models.ChannelEvent
	sent        chan *models.AgentResponse
	stopOnce    sync.Once
}

func newFakeAdapter(channelType models.ChannelType) *fakeAdapter {
	return &fakeAdapter{
		BaseHealthAdapter: channels.NewBaseHealthAdapter(channelType, discardLogger()),
		channelType:       channelType,
		events:            make(chan *models.ChannelEvent, 16),
		sent:              make(chan *models.AgentResponse, 16),
	}
}

func (f *fakeAdapter) Start(ctx context.Context) error {
	f.SetStatus(true, "")
	return nil
}

func (f *fakeAdapter) Stop(ctx context.Context) error {
	f.stopOnce.Do(func() { close(f.events) })
	f.SetStatus(false, "")
	return nil
}

func (f *fakeAdapter) Send(ctx context.Context, resp *models.AgentResponse) error {
	select {
	case f.sent <- resp:
		return nil
	default:
		return channels.ErrUnavailable("send buffer full", nil)
	}
}

func (f *fakeAdapter) Messages() <-chan *models.ChannelEvent { return f.events }

func (f *fakeAdapter) Type() models.ChannelType { return f.channelType }

func testRouter(t *testing.T) (*Router, *sessions.MemoryStore, *fakeAdapter) {
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
		QueueSize: 2,
		Logger:    discardLogger(),
	})
	return router, store, fake
}

func TestEnsureCreatesSessionOnce(t *testing.T) {
	router, store, _ := testRouter(t)
	ctx := context.Background()

	first, err := router.Ensure(ctx, "cli:local", "")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if first.ChannelID() != "cli:local" || first.SessionID() == "" {
		t.Fatalf("unexpected handle: channel %q session %q", first.ChannelID(), first.SessionID())
	}

	second, err := router.Ensure(ctx, "cli:local", "")
	if err != nil {
		t.Fatalf("Ensure again: %v", err)
	}
	if second != first {
		t.Error("expected the same handle on repeat ensure")
	}

	session, err := store.Get(ctx, first.SessionID())
	if err != nil {
		t.Fatalf("session not persisted: %v", err)
	}
	if session.Provider != "anthropic" {
		t.Errorf("provider = %q, want anthropic", session.Provider)
	}
}

func TestEnsureAdoptsSessionHint(t *testing.T) {
	router, store, _ := testRouter(t)
	ctx := context.Background()

	original, err := router.Ensure(ctx, "cli:local", "")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	other, err := store.GetOrCreate(ctx, "websocket:abc123", "anthropic", "claude-sonnet-4-20250514")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	adopted, err := router.Ensure(ctx, "cli:local", other.ID)
	if err != nil {
		t.Fatalf("Ensure with hint: %v", err)
	}
	if adopted.SessionID() != other.ID {
		t.Errorf("session = %q, want %q", adopted.SessionID(), other.ID)
	}
	if adopted == original {
		t.Error("expected a replacement handle after rebind")
	}

	again, err := router.Ensure(ctx, "cli:local", "")
	if err != nil {
		t.Fatalf("Ensure after rebind: %v", err)
	}
	if again != adopted {
		t.Error("rebind should be sticky for later events")
	}

	select {
	case <-original.done:
	default:
		t.Error("expected the original handle to be retired")
	}
	if original.enqueue(&models.ChannelEvent{ChannelID: "cli:local"}) {
		t.Error("retired handle should refuse events")
	}
}

func TestEnsureIgnoresUnknownHint(t *testing.T) {
	router, _, _ := testRouter(t)
	ctx := context.Background()

	first, err := router.Ensure(ctx, "cli:local", "")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	second, err := router.Ensure(ctx, "cli:local", "no-such-session")
	if err != nil {
		t.Fatalf("Ensure with bad hint: %v", err)
	}
	if second != first {
		t.Error("an unknown hint should fall back to the existing binding")
	}
}

func TestEnsureKeepsHandleWhenHintMatches(t *testing.T) {
	router, _, _ := testRouter(t)
	ctx := context.Background()

	first, err := router.Ensure(ctx, "cli:local", "")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	same, err := router.Ensure(ctx, "cli:local", first.SessionID())
	if err != nil {
		t.Fatalf("Ensure with matching hint: %v", err)
	}
	if same != first {
		t.Error("a hint for the bound session should not replace the handle")
	}
}

func TestAllowlistSurvivesRebind(t *testing.T) {
	router, store, _ := testRouter(t)
	ctx := context.Background()

	first, err := router.Ensure(ctx, "cli:local", "")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	first.Allowlist().Add("shell")

	other, err := store.GetOrCreate(ctx, "discord:guild1", "anthropic", "claude-sonnet-4-20250514")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if _, err := router.Ensure(ctx, "cli:local", other.ID); err != nil {
		t.Fatalf("rebind away: %v", err)
	}

	back, err := router.Ensure(ctx, "cli:local", first.SessionID())
	if err != nil {
		t.Fatalf("rebind back: %v", err)
	}
	if back == first {
		t.Fatal("expected a fresh handle on rebind")
	}
	if !back.Allowlist().Contains("shell") {
		t.Error("session allowlist should survive handle replacement")
	}
}

func TestRouteResponsePrefersSink(t *testing.T) {
	router, _, fake := testRouter(t)
	ctx := context.Background()

	got := make(chan *models.AgentResponse, 1)
	router.RegisterSink("cli:local", func(ctx context.Context, resp *models.AgentResponse) error {
		got <- resp
		return nil
	})

	if err := router.RouteResponse(ctx, models.NewAgentResponse("cli:local", "s1", "hi")); err != nil {
		t.Fatalf("RouteResponse: %v", err)
	}
	select {
	case resp := <-got:
		if resp.Content != "hi" {
			t.Errorf("content = %q, want hi", resp.Content)
		}
	default:
		t.Fatal("sink was not called")
	}
	select {
	case <-fake.sent:
		t.Error("adapter should not receive a sink-bound response")
	default:
	}

	router.UnregisterSink("cli:local")
	if err := router.RouteResponse(ctx, models.NewAgentResponse("cli:local", "s1", "again")); err != nil {
		t.Fatalf("RouteResponse after unregister: %v", err)
	}
	select {
	case resp := <-fake.sent:
		if resp.Content != "again" {
			t.Errorf("content = %q, want again", resp.Content)
		}
	default:
		t.Fatal("adapter should receive responses once the sink is gone")
	}
}

func TestRouteResponseWithoutAdapter(t *testing.T) {
	router, _, _ := testRouter(t)

	err := router.RouteResponse(context.Background(),
		models.NewAgentResponse("matrix:room1", "s1", "hi"))
	if err == nil {
		t.Fatal("expected an error for an unregistered adapter")
	}
	if code := channels.GetErrorCode(err); code != channels.ErrCodeUnavailable {
		t.Errorf("code = %q, want %q", code, channels.ErrCodeUnavailable)
	}
}

func TestCancelAllAttributesShutdown(t *testing.T) {
	router, _, _ := testRouter(t)
	ctx := context.Background()

	handle, err := router.Ensure(ctx, "cli:local", "")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	turnCtx := handle.beginTurn(context.Background())

	if n := router.CancelAll(models.CancelledByShutdown); n != 1 {
		t.Fatalf("cancelled %d turns, want 1", n)
	}
	<-turnCtx.Done()

	var cancelErr *agent.TurnCancelledError
	if !errors.As(context.Cause(turnCtx), &cancelErr) {
		t.Fatalf("cause = %v, want TurnCancelledError", context.Cause(turnCtx))
	}
	if cancelErr.Cause != models.CancelledByShutdown {
		t.Errorf("cause = %q, want %q", cancelErr.Cause, models.CancelledByShutdown)
	}

	handle.endTurn()
	if n := router.CancelAll(models.CancelledByShutdown); n != 0 {
		t.Errorf("cancelled %d turns after endTurn, want 0", n)
	}
}

func TestDropRemovesBinding(t *testing.T) {
	router, store, _ := testRouter(t)
	ctx := context.Background()

	handle, err := router.Ensure(ctx, "cli:local", "")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if err := store.Delete(ctx, handle.SessionID()); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	router.Drop("cli:local", handle)
	if _, ok := router.Lookup("cli:local"); ok {
		t.Fatal("binding should be gone after drop")
	}

	fresh, err := router.Ensure(ctx, "cli:local", "")
	if err != nil {
		t.Fatalf("Ensure after drop: %v", err)
	}
	if fresh.SessionID() == handle.SessionID() {
		t.Error("expected a fresh session after the old one was deleted")
	}

	// A drop with a stale handle must not clobber the fresh binding.
	router.Drop("cli:local", handle)
	if _, ok := router.Lookup("cli:local"); !ok {
		t.Error("fresh binding should survive a stale drop")
	}
}
