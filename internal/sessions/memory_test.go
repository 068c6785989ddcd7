package sessions

import (
	"context"
	"errors"
	"testing"

	"github.com/haasonsaas/valet/pkg/models"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	session, err := store.GetOrCreate(ctx, "cli:local", "anthropic", "m")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	same, _ := store.GetOrCreate(ctx, "cli:local", "openai", "other")
	if same.ID != session.ID || same.Provider != "anthropic" {
		t.Errorf("expected existing session returned, got %+v", same)
	}

	if err := store.AppendMessage(ctx, session.ID, models.NewUserMessage(session.ID, "hi")); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	history, err := store.GetHistory(ctx, session.ID, 10)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(history) != 1 || history[0].Content != "hi" {
		t.Fatalf("unexpected history %+v", history)
	}

	// Returned messages are copies.
	history[0].Content = "mutated"
	fresh, _ := store.GetHistory(ctx, session.ID, 10)
	if fresh[0].Content != "hi" {
		t.Error("expected stored message unaffected by caller mutation")
	}

	previews, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(previews) != 1 || previews[0].Preview != "hi" {
		t.Errorf("unexpected previews %+v", previews)
	}

	if err := store.Delete(ctx, session.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, session.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := store.AppendMessage(ctx, session.ID, models.NewUserMessage(session.ID, "x")); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound appending after delete, got %v", err)
	}
}

func TestMemoryStoreTrimsOldMessages(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	session, _ := store.GetOrCreate(ctx, "cli:local", "p", "m")

	for i := 0; i < maxMessagesPerSession+5; i++ {
		if err := store.AppendMessage(ctx, session.ID, models.NewUserMessage(session.ID, "m")); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}
	history, _ := store.GetHistory(ctx, session.ID, 0)
	if len(history) != maxMessagesPerSession {
		t.Errorf("expected trim to %d, got %d", maxMessagesPerSession, len(history))
	}
}
