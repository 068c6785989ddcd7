package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/haasonsaas/valet/pkg/models"
)

// PostgresStore implements Store on PostgreSQL for setups that share one
// daemon state across machines.
type PostgresStore struct {
	db *sql.DB
}

// PostgresOptions tunes the connection pool.
type PostgresOptions struct {
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// NewPostgresStore connects to the given DSN, verifies the connection, and
// applies pending migrations.
func NewPostgresStore(dsn string, opts PostgresOptions) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 10
	}
	if opts.ConnMaxLifetime <= 0 {
		opts.ConnMaxLifetime = 5 * time.Minute
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	migrator, err := NewMigrator(db, DialectPostgres)
	if err != nil {
		db.Close()
		return nil, err
	}
	if _, err := migrator.Up(ctx, 0); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// DB exposes the underlying handle for maintenance commands.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) GetOrCreate(ctx context.Context, channelID, provider, model string) (*models.Session, error) {
	now := time.Now().UTC()
	session := &models.Session{}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO sessions (id, channel_id, provider, model, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (channel_id) DO UPDATE SET channel_id = sessions.channel_id
		RETURNING id, channel_id, provider, model, created_at, updated_at
	`, uuid.NewString(), channelID, provider, model, now, now).Scan(
		&session.ID, &session.ChannelID, &session.Provider, &session.Model,
		&session.CreatedAt, &session.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("get or create session: %w", err)
	}
	return session, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Session, error) {
	session := &models.Session{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, channel_id, provider, model, created_at, updated_at
		FROM sessions WHERE id = $1
	`, id).Scan(
		&session.ID, &session.ChannelID, &session.Provider, &session.Model,
		&session.CreatedAt, &session.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

func (s *PostgresStore) Update(ctx context.Context, session *models.Session) error {
	session.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET provider = $1, model = $2, updated_at = $3 WHERE id = $4
	`, session.Provider, session.Model, session.UpdatedAt, session.ID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return requireRow(result, session.ID)
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return requireRow(result, id)
}

func (s *PostgresStore) List(ctx context.Context, opts ListOptions) ([]*models.SessionPreview, error) {
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
	argPos := 1
	if opts.Adapter != "" {
		query += fmt.Sprintf(" WHERE s.channel_id LIKE $%d", argPos)
		args = append(args, string(opts.Adapter)+":%")
		argPos++
	}
	query += " ORDER BY s.updated_at DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argPos)
		args = append(args, opts.Limit)
		argPos++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argPos)
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
			preview models.SessionPreview
			snippet string
		)
		if err := rows.Scan(&preview.ID, &preview.ChannelID, &preview.Provider, &preview.Model,
			&preview.CreatedAt, &preview.UpdatedAt, &snippet); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		preview.Preview = truncatePreview(snippet)
		previews = append(previews, &preview)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return previews, nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
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
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, direction, role, content, tool_call_id, tool_name, tool_calls_json, attachments_json, metadata_json, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, msg.ID, sessionID, string(msg.Direction), string(msg.Role), msg.Content,
		msg.ToolCallID, msg.ToolName, toolCalls, attachments, metadata, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}

	result, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if err := requireRow(result, sessionID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, direction, role, content, tool_call_id, tool_name, tool_calls_json, attachments_json, metadata_json, created_at
		FROM messages WHERE session_id = $1
		ORDER BY seq DESC LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		var (
			msg                              models.Message
			direction, role                  string
			toolCalls, attachments, metadata sql.NullString
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &direction, &role, &msg.Content,
			&msg.ToolCallID, &msg.ToolName, &toolCalls, &attachments, &metadata, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Direction = models.Direction(direction)
		msg.Role = models.Role(role)
		if err := unmarshalMessageJSON(&msg, toolCalls, attachments, metadata); err != nil {
			return nil, err
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}
