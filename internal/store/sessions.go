package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Session groups the turns of one conversation.
type Session struct {
	ID                 string    `json:"id"`
	Title              string    `json:"title"`
	Mode               string    `json:"mode"`
	CustomInstructions string    `json:"custom_instructions,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// CreateSession inserts a new session and fills in its ID and timestamp.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.Mode == "" {
		sess.Mode = "default"
	}
	err := s.db.QueryRow(ctx, `
		INSERT INTO sessions (id, title, mode, custom_instructions)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		sess.ID, sess.Title, sess.Mode, sess.CustomInstructions,
	).Scan(&sess.CreatedAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession loads one session. A missing row yields ErrNotFound.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	err := s.db.QueryRow(ctx, `
		SELECT id, title, mode, custom_instructions, created_at
		FROM sessions WHERE id = $1`, id,
	).Scan(&sess.ID, &sess.Title, &sess.Mode, &sess.CustomInstructions, &sess.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

// ListSessions returns the most recent sessions first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, title, mode, custom_instructions, created_at
		FROM sessions
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.Title, &sess.Mode, &sess.CustomInstructions, &sess.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// SessionUpdate changes the fields that are set; nil fields are kept.
type SessionUpdate struct {
	Title              *string `json:"title"`
	CustomInstructions *string `json:"custom_instructions"`
}

// Empty reports whether the update changes nothing.
func (u SessionUpdate) Empty() bool {
	return u.Title == nil && u.CustomInstructions == nil
}

// UpdateSession applies upd and returns the stored session.
func (s *Store) UpdateSession(ctx context.Context, id string, upd SessionUpdate) (*Session, error) {
	var sess Session
	err := s.db.QueryRow(ctx, `
		UPDATE sessions SET
			title = COALESCE($2, title),
			custom_instructions = COALESCE($3, custom_instructions)
		WHERE id = $1
		RETURNING id, title, mode, custom_instructions, created_at`,
		id, upd.Title, upd.CustomInstructions,
	).Scan(&sess.ID, &sess.Title, &sess.Mode, &sess.CustomInstructions, &sess.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}
	return &sess, nil
}

// DeleteSession removes a session and, by cascade, its turns.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
