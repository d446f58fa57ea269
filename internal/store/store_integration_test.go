//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/qzbxwv/EGO/internal/agent"
	"github.com/qzbxwv/EGO/internal/llm"
	"github.com/qzbxwv/EGO/internal/thought"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"
)

func startPostgres(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("ego_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	testcontainers.CleanupContainer(t, container)

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := New(ctx, dsn, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(s.Close)

	require.NoError(t, s.Migrate(ctx))
	// second run must be a no-op
	require.NoError(t, s.Migrate(ctx))
	return s
}

func TestStoreRoundTrip(t *testing.T) {
	s := startPostgres(t)
	ctx := context.Background()

	sess := &Session{Title: "Physics", Mode: "deeper"}
	require.NoError(t, s.CreateSession(ctx, sess))
	require.NotEmpty(t, sess.ID)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "Physics", got.Title)
	assert.Equal(t, "deeper", got.Mode)

	_, err = s.GetSession(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	base := time.Now().Add(-time.Hour)
	for i, q := range []string{"first", "second", "third"} {
		h := thought.NewHistory()
		h.AppendThought(&thought.Thought{Thoughts: "t-" + q})
		h.AppendToolOutput("EgoCalc", "1+1", "2")
		require.NoError(t, s.SaveTurn(ctx, &agent.TurnResult{
			ID:        "turn-" + q,
			SessionID: sess.ID,
			Query:     q,
			Mode:      "deeper",
			History:   h.Entries(),
			Answer:    "answer " + q,
			Usage:     llm.Usage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3},
			StartedAt: base.Add(time.Duration(i) * time.Minute),
			Duration:  1500 * time.Millisecond,
		}))
	}

	turns, err := s.ListTurns(ctx, sess.ID, 2)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "second", turns[0].Query)
	assert.Equal(t, "third", turns[1].Query)
	assert.Equal(t, 3, turns[1].Usage.TotalTokens)
	assert.Equal(t, 1500*time.Millisecond, turns[1].Duration)
	require.Len(t, turns[1].History, 2)
	assert.Equal(t, "t-third", turns[1].History[0].Content.Thoughts)
	assert.Equal(t, "2", turns[1].History[1].Output)

	hist, err := s.ChatHistory(ctx, sess.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, "User: first\nEGO: answer first\n\nUser: second\nEGO: answer second\n\nUser: third\nEGO: answer third\n\n", hist)
}

func TestSaveTurnCreatesSession(t *testing.T) {
	s := startPostgres(t)
	ctx := context.Background()

	require.NoError(t, s.SaveTurn(ctx, &agent.TurnResult{
		ID: "t1", SessionID: "client-chosen", Query: "q", Mode: "research", StartedAt: time.Now(),
	}))

	sess, err := s.GetSession(ctx, "client-chosen")
	require.NoError(t, err)
	assert.Equal(t, "research", sess.Mode)
}

func TestUpdateAndDeleteSession(t *testing.T) {
	s := startPostgres(t)
	ctx := context.Background()

	sess := &Session{Title: "Draft", CustomInstructions: "be brief"}
	require.NoError(t, s.CreateSession(ctx, sess))
	require.NoError(t, s.SaveTurn(ctx, &agent.TurnResult{
		ID: "t1", SessionID: sess.ID, Query: "old question", Answer: "a", Mode: "default", StartedAt: time.Now(),
	}))

	title := "Final"
	got, err := s.UpdateSession(ctx, sess.ID, SessionUpdate{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, "Final", got.Title)
	assert.Equal(t, "be brief", got.CustomInstructions)

	_, err = s.UpdateSession(ctx, "nope", SessionUpdate{Title: &title})
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.UpdateTurnQuery(ctx, "t1", "new question"))
	assert.ErrorIs(t, s.UpdateTurnQuery(ctx, "missing", "x"), ErrNotFound)
	hist, err := s.ChatHistory(ctx, sess.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, "User: new question\nEGO: a\n\n", hist)

	require.NoError(t, s.DeleteSession(ctx, sess.ID))
	assert.ErrorIs(t, s.DeleteSession(ctx, sess.ID), ErrNotFound)
	turns, err := s.ListTurns(ctx, sess.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, turns)
}
