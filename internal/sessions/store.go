// Package sessions persists conversations and prepares their history for
// model providers. A session is bound to exactly one channel id; messages
// form an append-only ordered log per session.
package sessions

import (
	"context"
	"errors"

	"github.com/haasonsaas/valet/pkg/models"
)

// ErrNotFound is returned when a session id or channel binding does not
// exist in the store.
var ErrNotFound = errors.New("session not found")

// Store is the interface for session persistence. Implementations must make
// GetOrCreate atomic under concurrent calls for the same channel id.
type Store interface {
	// GetOrCreate returns the session bound to a channel id, creating it
	// with the given provider and model if no binding exists.
	GetOrCreate(ctx context.Context, channelID, provider, model string) (*models.Session, error)
	Get(ctx context.Context, id string) (*models.Session, error)
	// Update persists the session's provider, model, and updated_at.
	Update(ctx context.Context, session *models.Session) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, opts ListOptions) ([]*models.SessionPreview, error)

	// AppendMessage adds one message to the session log and bumps the
	// session's updated_at in the same transaction.
	AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error
	// GetHistory returns the most recent messages in chronological order.
	GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)

	Close() error
}

// ListOptions configures session listing.
type ListOptions struct {
	Adapter models.ChannelType
	Limit   int
	Offset  int
}

// previewLength bounds the message snippet attached to session listings.
const previewLength = 80

func truncatePreview(content string) string {
	runes := []rune(content)
	if len(runes) <= previewLength {
		return content
	}
	return string(runes[:previewLength-1]) + "…"
}
