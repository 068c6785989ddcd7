package sessions

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/valet/pkg/models"
)

// maxMessagesPerSession bounds per-session memory in the in-memory store.
const maxMessagesPerSession = 1000

// MemoryStore is an in-memory Store for tests and throwaway runs.
type MemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]*models.Session
	byChannel map[string]string
	messages  map[string][]*models.Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:  map[string]*models.Session{},
		byChannel: map[string]string{},
		messages:  map[string][]*models.Message{},
	}
}

func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) GetOrCreate(ctx context.Context, channelID, provider, model string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byChannel[channelID]; ok {
		if session, ok := m.sessions[id]; ok {
			return cloneSession(session), nil
		}
	}

	now := time.Now().UTC()
	session := &models.Session{
		ID:        uuid.NewString(),
		ChannelID: channelID,
		Provider:  provider,
		Model:     model,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.sessions[session.ID] = session
	m.byChannel[channelID] = session.ID
	return cloneSession(session), nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cloneSession(session), nil
}

func (m *MemoryStore) Update(ctx context.Context, session *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.sessions[session.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, session.ID)
	}
	existing.Provider = session.Provider
	existing.Model = session.Model
	existing.UpdatedAt = time.Now().UTC()
	session.UpdatedAt = existing.UpdatedAt
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.sessions, id)
	delete(m.byChannel, session.ChannelID)
	delete(m.messages, id)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, opts ListOptions) ([]*models.SessionPreview, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.SessionPreview
	for _, session := range m.sessions {
		if opts.Adapter != "" && !strings.HasPrefix(session.ChannelID, string(opts.Adapter)+":") {
			continue
		}
		preview := &models.SessionPreview{Session: *cloneSession(session)}
		for i := len(m.messages[session.ID]) - 1; i >= 0; i-- {
			msg := m.messages[session.ID][i]
			if msg.Role != models.RoleUser && msg.Role != models.RoleAssistant {
				continue
			}
			if msg.Content != "" {
				preview.Preview = truncatePreview(msg.Content)
				break
			}
		}
		out = append(out, preview)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})

	start := opts.Offset
	if start < 0 {
		start = 0
	}
	if start > len(out) {
		return []*models.SessionPreview{}, nil
	}
	end := len(out)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}
	return out[start:end], nil
}

func (m *MemoryStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	clone := cloneMessage(msg)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
		msg.ID = clone.ID
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
		msg.CreatedAt = clone.CreatedAt
	}
	clone.SessionID = sessionID
	m.messages[sessionID] = append(m.messages[sessionID], clone)

	if excess := len(m.messages[sessionID]) - maxMessagesPerSession; excess > 0 {
		m.messages[sessionID] = m.messages[sessionID][excess:]
	}
	session.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	messages := m.messages[sessionID]
	if len(messages) == 0 {
		return []*models.Message{}, nil
	}
	start := 0
	if limit > 0 && len(messages) > limit {
		start = len(messages) - limit
	}
	out := make([]*models.Message, 0, len(messages)-start)
	for _, msg := range messages[start:] {
		out = append(out, cloneMessage(msg))
	}
	return out, nil
}

func cloneSession(session *models.Session) *models.Session {
	clone := *session
	return &clone
}

func cloneMessage(msg *models.Message) *models.Message {
	clone := *msg
	if len(msg.ToolCalls) > 0 {
		clone.ToolCalls = append([]models.ToolCall{}, msg.ToolCalls...)
	}
	if len(msg.Attachments) > 0 {
		clone.Attachments = append([]models.Attachment{}, msg.Attachments...)
	}
	if len(msg.Metadata) > 0 {
		clone.Metadata = make(map[string]string, len(msg.Metadata))
		for k, v := range msg.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}
