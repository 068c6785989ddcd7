package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/haasonsaas/valet/pkg/models"
)

// SQLiteStore implements Store on an embedded SQLite database. Timestamps
// are stored as RFC 3339 text; message order is the insertion sequence.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and applies
// pending migrations. Pass ":memory:" for an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := "file::memory:?_pragma=foreign_keys(1)"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection sidesteps SQLITE_BUSY and keeps :memory: stores
	// on one schema.
	db.SetMaxOpenConns(1)

	migrator, err := NewMigrator(db, DialectSQLite)
	if err != nil {
		db.Close()
		return nil, err
	}
	if _, err := migrator.Up(context.Background(), 0); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// DB exposes the underlying handle for maintenance commands.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetOrCreate(ctx context.Context, channelID, provider, model string) (*models.Session, error) {
	now := time.Now().UTC()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO sessions (id, channel_id, provider, model, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (channel_id) DO UPDATE SET channel_id = excluded.channel_id
		RETURNING id, channel_id, provider, model, created_at, updated_at
	`, uuid.NewString(), channelID, provider, model, formatTime(now), formatTime(now))

	session, err := scanSQLiteSession(row)
	if err != nil {
		return nil, fmt.Errorf("get or create session: %w", err)
	}
	return session, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, channel_id, provider, model, created_at, updated_at
		FROM sessions WHERE id = ?
	`, id)

	session, err := scanSQLiteSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

func (s *SQLiteStore) Update(ctx context.Context, session *models.Session) error {
	session.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET provider = ?, model = ?, updated_at = ? WHERE id = ?
	`, session.Provider, session.Model, formatTime(session.UpdatedAt), session.ID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return requireRow(result, session.ID)
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return requireRow(result, id)
}

func (s *SQLiteStore) List(ctx context.Context, opts ListOptions) ([]*models.SessionPreview, error) {
	query := `
		SELECT s.id, s.channel_id, s.provider, s.model, s.created_at, s.updated_at,
		       COALESCE((
		           SELECT m.content FROM messages m
		           WHERE m.session_id = s.id AND m.role IN ('user', 'assistant') AND m.content != ''
		           ORDER BY m.seq DESC LIMIT 1
		       ), '')
		FROM sessions s
	`
	args := []any{}
	if opts.Adapter != "" {
		query += ` WHERE s.channel_id LIKE ?`
		args = append(args, string(opts.Adapter)+":%")
	}
	query += ` ORDER BY s.updated_at DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var previews []*models.SessionPreview
	for rows.Next() {
		var (
			preview              models.SessionPreview
			createdAt, updatedAt string
			snippet              string
		)
		if err := rows.Scan(&preview.ID, &preview.ChannelID, &preview.Provider, &preview.Model, &createdAt, &updatedAt, &snippet); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if preview.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if preview.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		preview.Preview = truncatePreview(snippet)
		previews = append(previews, &preview)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return previews, nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	toolCalls, attachments, metadata, err := marshalMessageJSON(msg)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, direction, role, content, tool_call_id, tool_name, tool_calls_json, attachments_json, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, sessionID, string(msg.Direction), string(msg.Role), msg.Content,
		msg.ToolCallID, msg.ToolName, toolCalls, attachments, metadata, formatTime(msg.CreatedAt))
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}

	result, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`,
		formatTime(time.Now().UTC()), sessionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if err := requireRow(result, sessionID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, direction, role, content, tool_call_id, tool_name, tool_calls_json, attachments_json, metadata_json, created_at
		FROM messages WHERE session_id = ?
		ORDER BY seq DESC LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		var (
			msg                              models.Message
			direction, role, createdAt       string
			toolCalls, attachments, metadata sql.NullString
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &direction, &role, &msg.Content,
			&msg.ToolCallID, &msg.ToolName, &toolCalls, &attachments, &metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Direction = models.Direction(direction)
		msg.Role = models.Role(role)
		if msg.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if err := unmarshalMessageJSON(&msg, toolCalls, attachments, metadata); err != nil {
			return nil, err
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}

	// Chronological order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteSession(row rowScanner) (*models.Session, error) {
	var (
		session              models.Session
		createdAt, updatedAt string
	)
	if err := row.Scan(&session.ID, &session.ChannelID, &session.Provider, &session.Model, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if session.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if session.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &session, nil
}

func requireRow(result sql.Result, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func marshalMessageJSON(msg *models.Message) (toolCalls, attachments, metadata any, err error) {
	toolCalls, err = nullableJSON(msg.ToolCalls, len(msg.ToolCalls) > 0)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal tool calls: %w", err)
	}
	attachments, err = nullableJSON(msg.Attachments, len(msg.Attachments) > 0)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal attachments: %w", err)
	}
	metadata, err = nullableJSON(msg.Metadata, len(msg.Metadata) > 0)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return toolCalls, attachments, metadata, nil
}

func nullableJSON(v any, present bool) (any, error) {
	if !present {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func unmarshalMessageJSON(msg *models.Message, toolCalls, attachments, metadata sql.NullString) error {
	if toolCalls.Valid && toolCalls.String != "" && toolCalls.String != "null" {
		if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
			return fmt.Errorf("unmarshal tool calls: %w", err)
		}
	}
	if attachments.Valid && attachments.String != "" && attachments.String != "null" {
		if err := json.Unmarshal([]byte(attachments.String), &msg.Attachments); err != nil {
			return fmt.Errorf("unmarshal attachments: %w", err)
		}
	}
	if metadata.Valid && metadata.String != "" && metadata.String != "null" {
		if err := json.Unmarshal([]byte(metadata.String), &msg.Metadata); err != nil {
			return fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return nil
}

// sqliteTimeLayout pads fractional seconds to nine digits so that text
// ordering matches time ordering. RFC3339Nano trims trailing zeros and
// would sort wrongly.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}
