package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/qzbxwv/EGO/internal/agent"
	"github.com/qzbxwv/EGO/internal/llm"
	"github.com/qzbxwv/EGO/internal/thought"
)

var _ agent.Recorder = (*Store)(nil)

// Turn is a stored question and answer with its reasoning trace.
type Turn struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Query     string          `json:"query"`
	Mode      string          `json:"mode"`
	History   []thought.Entry `json:"history"`
	Answer    string          `json:"answer"`
	Usage     llm.Usage       `json:"usage"`
	Duration  time.Duration   `json:"duration"`
	CreatedAt time.Time       `json:"created_at"`
}

// SaveTurn records a finished turn. The session row is created on demand
// so clients may pick their own session IDs.
func (s *Store) SaveTurn(ctx context.Context, t *agent.TurnResult) error {
	history, err := json.Marshal(t.History)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO sessions (id, mode) VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING`, t.SessionID, t.Mode)
	if err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO turns (id, session_id, query, mode, history, answer,
			prompt_tokens, completion_tokens, total_tokens, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, t.SessionID, t.Query, t.Mode, history, t.Answer,
		t.Usage.PromptTokens, t.Usage.CompletionTokens, t.Usage.TotalTokens,
		t.Duration.Milliseconds(), t.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return tx.Commit(ctx)
}

// ListTurns returns up to limit most recent turns of a session, oldest first.
func (s *Store) ListTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, session_id, query, mode, history, answer,
			prompt_tokens, completion_tokens, total_tokens, duration_ms, created_at
		FROM (
			SELECT * FROM turns
			WHERE session_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var (
			t          Turn
			historyRaw []byte
			durationMs int64
		)
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Query, &t.Mode, &historyRaw, &t.Answer,
			&t.Usage.PromptTokens, &t.Usage.CompletionTokens, &t.Usage.TotalTokens,
			&durationMs, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		if len(historyRaw) > 0 {
			if err := json.Unmarshal(historyRaw, &t.History); err != nil {
				return nil, fmt.Errorf("decode history of turn %s: %w", t.ID, err)
			}
		}
		t.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, t)
	}
	return out, rows.Err()
}

// ChatHistory renders the last limit turns of a session as
// "User: ...\nEGO: ...\n\n" blocks, oldest first.
func (s *Store) ChatHistory(ctx context.Context, sessionID string, limit int) (string, error) {
	turns, err := s.ListTurns(ctx, sessionID, limit)
	if err != nil {
		return "", err
	}
	return FormatChatHistory(turns), nil
}

// FormatChatHistory renders turns the way the thinking prompt expects.
func FormatChatHistory(turns []Turn) string {
	var sb strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&sb, "User: %s\nEGO: %s\n\n", t.Query, t.Answer)
	}
	return sb.String()
}

// UpdateTurnQuery rewrites the question of a stored turn. Later chat
// history renders the edited text.
func (s *Store) UpdateTurnQuery(ctx context.Context, id, query string) error {
	tag, err := s.db.Exec(ctx, `UPDATE turns SET query = $2 WHERE id = $1`, id, query)
	if err != nil {
		return fmt.Errorf("update turn query: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
