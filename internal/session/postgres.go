package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS sessions (
	id UUID PRIMARY KEY,
	account_id TEXT NOT NULL,
	target_id TEXT NOT NULL,
	is_group BOOLEAN NOT NULL DEFAULT FALSE,
	title TEXT NOT NULL DEFAULT '',
	token TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (account_id, target_id)
);
CREATE TABLE IF NOT EXISTS session_messages (
	id UUID PRIMARY KEY,
	session_id UUID NOT NULL REFERENCES sessions(id),
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_session_messages_session ON session_messages(session_id, created_at);
`

// PostgresStore persists sessions in Postgres via a pgx pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore connects to the database and ensures the schema exists.
func NewPostgresStore(ctx context.Context, log *slog.Logger, dsn string) (*PostgresStore, error) {
	if log == nil {
		log = slog.Default()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &PostgresStore{
		pool:   pool,
		logger: log.With(slog.String("component", "session_store")),
	}, nil
}

func (s *PostgresStore) GetOrCreate(ctx context.Context, accountID, targetID string, isGroup bool) (Session, bool, error) {
	var sess Session
	err := s.pool.QueryRow(ctx,
		`SELECT id, account_id, target_id, is_group, title, token, created_at, updated_at
		 FROM sessions WHERE account_id = $1 AND target_id = $2`,
		accountID, targetID,
	).Scan(&sess.ID, &sess.AccountID, &sess.TargetID, &sess.IsGroup, &sess.Title, &sess.Token, &sess.CreatedAt, &sess.UpdatedAt)
	if err == nil {
		return sess, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Session{}, false, fmt.Errorf("load session: %w", err)
	}

	now := time.Now().UTC()
	sess = Session{
		ID:        uuid.NewString(),
		AccountID: accountID,
		TargetID:  targetID,
		IsGroup:   isGroup,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO sessions (id, account_id, target_id, is_group, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)
		 ON CONFLICT (account_id, target_id) DO NOTHING`,
		sess.ID, accountID, targetID, isGroup, now,
	)
	if err != nil {
		return Session{}, false, fmt.Errorf("create session: %w", err)
	}
	// A concurrent creator may have won the insert; re-read to converge.
	err = s.pool.QueryRow(ctx,
		`SELECT id, account_id, target_id, is_group, title, token, created_at, updated_at
		 FROM sessions WHERE account_id = $1 AND target_id = $2`,
		accountID, targetID,
	).Scan(&sess.ID, &sess.AccountID, &sess.TargetID, &sess.IsGroup, &sess.Title, &sess.Token, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return Session{}, false, fmt.Errorf("reload session: %w", err)
	}
	return sess, true, nil
}

func (s *PostgresStore) RecordMessage(ctx context.Context, sessionID, role, content string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if _, err := tx.Exec(ctx,
		`INSERT INTO session_messages (id, session_id, role, content) VALUES ($1, $2, $3, $4)`,
		uuid.NewString(), sessionID, role, content,
	); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE sessions SET updated_at = now() WHERE id = $1`, sessionID,
	); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) UpdateTitle(ctx context.Context, sessionID, title string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET title = $2, updated_at = now() WHERE id = $1`, sessionID, title,
	)
	if err != nil {
		return fmt.Errorf("update title: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return nil
}

func (s *PostgresStore) UpdateToken(ctx context.Context, sessionID, token string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET token = $2 WHERE id = $1`, sessionID, token,
	)
	if err != nil {
		return fmt.Errorf("update token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return nil
}

func (s *PostgresStore) Messages(ctx context.Context, sessionID string, limit int) ([]MessageRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, role, content, created_at FROM (
			SELECT id, session_id, role, content, created_at
			FROM session_messages WHERE session_id = $1
			ORDER BY created_at DESC LIMIT $2
		 ) recent ORDER BY created_at ASC`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()
	var out []MessageRecord
	for rows.Next() {
		var rec MessageRecord
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Role, &rec.Content, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountUserMessages(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM session_messages WHERE session_id = $1 AND role = 'user'`,
		sessionID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
