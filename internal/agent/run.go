package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qzbxwv/EGO/internal/llm"
	"github.com/qzbxwv/EGO/internal/thought"
	"github.com/qzbxwv/EGO/internal/tool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// TurnRequest is one user query handled end to end.
type TurnRequest struct {
	SessionID          string           `json:"session_id,omitempty"`
	Query              string           `json:"query"`
	Mode               string           `json:"mode"`
	ChatHistory        string           `json:"chat_history,omitempty"`
	CustomInstructions string           `json:"custom_instructions,omitempty"`
	MaxThoughts        int              `json:"max_thoughts,omitempty"`
	Attachments        []llm.Attachment `json:"-"`
}

// TurnResult is the record of a completed turn.
type TurnResult struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id,omitempty"`
	Query     string          `json:"query"`
	Mode      string          `json:"mode"`
	History   []thought.Entry `json:"history"`
	Answer    string          `json:"answer"`
	Usage     llm.Usage       `json:"usage"`
	StartedAt time.Time       `json:"started_at"`
	Duration  time.Duration   `json:"duration"`
}

// Thoughts counts the successful reasoning steps of the turn.
func (t *TurnResult) Thoughts() int {
	n := 0
	for _, e := range t.History {
		if e.Type == thought.EntryThought {
			n++
		}
	}
	return n
}

// ErrNoThoughts is returned when a turn could not produce a single step.
var ErrNoThoughts = errors.New("no thought could be generated")

const publishTimeout = 5 * time.Second

type turn struct {
	a       *Agent
	id      string
	sink    Sink
	mu      sync.Mutex
	usage   llm.Usage
	history *thought.History
}

func (t *turn) emit(ctx context.Context, typ EventType, data any) {
	ev := Event{Type: typ, Data: data}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sink != nil {
		t.sink(ev)
	}
	if t.a.publisher != nil {
		// Followers must still see the tail of a turn whose client left.
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
		err := t.a.publisher.Publish(pctx, t.id, ev)
		cancel()
		if err != nil {
			t.a.logger.Warn("publish event failed",
				zap.String("turn", t.id), zap.String("type", string(typ)), zap.Error(err))
		}
	}
}

func (t *turn) addUsage(ctx context.Context, u *llm.Usage) {
	if u == nil {
		return
	}
	t.mu.Lock()
	t.usage.Add(u)
	total := t.usage
	t.mu.Unlock()
	t.emit(ctx, EventUsage, UsageData{Step: u, Total: total})
}

func (t *turn) fail(ctx context.Context, err error) error {
	t.emit(ctx, EventError, MessageData{Message: err.Error()})
	return err
}

// Run executes a full turn: it thinks until the model stops asking for
// more steps or the ceiling is hit, runs requested tools between
// thoughts, then streams the synthesized answer. Every event goes to
// sink in order. A failed turn ends with exactly one error event, a
// successful one with done.
func (a *Agent) Run(ctx context.Context, req TurnRequest, sink Sink) (*TurnResult, error) {
	t := &turn{a: a, id: uuid.NewString(), sink: sink, history: thought.NewHistory()}
	mode := a.catalog.Resolve(req.Mode)
	started := time.Now()

	t.emit(ctx, EventTurnStarted, TurnStartedData{TurnID: t.id, SessionID: req.SessionID, Mode: mode.Name})

	if strings.TrimSpace(req.Query) == "" {
		return nil, t.fail(ctx, errors.New("query is empty"))
	}

	chat := req.ChatHistory
	if chat == "" && req.SessionID != "" && a.recorder != nil {
		h, err := a.recorder.ChatHistory(ctx, req.SessionID, a.cfg.HistoryTurns)
		if err != nil {
			a.logger.Warn("load chat history failed", zap.String("session", req.SessionID), zap.Error(err))
		} else {
			chat = h
		}
	}

	maxThoughts := a.cfg.MaxThoughts
	if req.MaxThoughts > 0 && req.MaxThoughts < maxThoughts {
		maxThoughts = req.MaxThoughts
	}

	step := StepRequest{
		Query:              req.Query,
		Mode:               mode.Name,
		ChatHistory:        chat,
		CustomInstructions: req.CustomInstructions,
		Attachments:        req.Attachments,
	}

	for i := 0; i < maxThoughts; i++ {
		step.ThoughtsHistory = t.history.Render()
		th, err := t.think(ctx, step)
		if err != nil {
			if ctx.Err() != nil {
				return nil, t.fail(ctx, ctx.Err())
			}
			if t.history.Thoughts() == 0 {
				return nil, t.fail(ctx, fmt.Errorf("%w: %w", ErrNoThoughts, err))
			}
			t.history.AppendSystemError(err.Error())
			t.emit(ctx, EventSystemError, MessageData{Message: err.Error()})
			break
		}

		t.history.AppendThought(th)
		if th.Header != "" {
			t.emit(ctx, EventThoughtHeader, MessageData{Message: th.Header})
		}
		t.emit(ctx, EventThought, th)

		if th.HasToolCalls() {
			t.runTools(ctx, th.ToolCalls)
			if ctx.Err() != nil {
				return nil, t.fail(ctx, ctx.Err())
			}
		}
		if !th.NextThoughtNeeded {
			break
		}
		if i == maxThoughts-1 {
			a.logger.Info("thought ceiling reached", zap.String("turn", t.id), zap.Int("max", maxThoughts))
		}
	}

	step.ThoughtsHistory = t.history.Render()
	var answer strings.Builder
	for c := range a.Synthesize(ctx, step) {
		if c.Err != nil {
			return nil, t.fail(ctx, c.Err)
		}
		answer.WriteString(c.Text)
		t.emit(ctx, EventChunk, ChunkData{Text: c.Text})
	}
	if ctx.Err() != nil {
		return nil, t.fail(ctx, ctx.Err())
	}

	t.mu.Lock()
	usage := t.usage
	t.mu.Unlock()
	res := &TurnResult{
		ID:        t.id,
		SessionID: req.SessionID,
		Query:     req.Query,
		Mode:      mode.Name,
		History:   t.history.Entries(),
		Answer:    answer.String(),
		Usage:     usage,
		StartedAt: started,
		Duration:  time.Since(started),
	}

	if a.recorder != nil && req.SessionID != "" {
		if err := a.recorder.SaveTurn(ctx, res); err != nil {
			a.logger.Error("save turn failed", zap.String("turn", t.id), zap.Error(err))
		}
	}

	t.emit(ctx, EventDone, DoneData{TurnID: t.id, Thoughts: res.Thoughts(), Usage: usage})
	a.logger.Info("turn complete",
		zap.String("turn", t.id),
		zap.String("mode", mode.Name),
		zap.Int("thoughts", res.Thoughts()),
		zap.Int("tokens", usage.TotalTokens),
		zap.Duration("duration", res.Duration))
	return res, nil
}

// think generates one thought, retrying failed attempts. Tokens spent on
// unparseable output still count toward the turn.
func (t *turn) think(ctx context.Context, req StepRequest) (*thought.Thought, error) {
	var lastErr error
	for attempt := 1; attempt <= t.a.cfg.MaxRetries; attempt++ {
		th, usage, err := t.a.GenerateThought(ctx, req)
		t.addUsage(ctx, usage)
		if err == nil {
			return th, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		t.a.logger.Warn("thought attempt failed",
			zap.String("turn", t.id), zap.Int("attempt", attempt), zap.Error(err))
	}
	return nil, fmt.Errorf("thought failed after %d attempts: %w", t.a.cfg.MaxRetries, lastErr)
}

type toolOutcome struct {
	call thought.ToolCall
	res  tool.Result
	err  error
}

// runTools executes calls concurrently and appends their results to the
// history in call order.
func (t *turn) runTools(ctx context.Context, calls []thought.ToolCall) {
	outcomes := make([]toolOutcome, len(calls))
	var g errgroup.Group
	g.SetLimit(t.a.cfg.ToolConcurrency)
	for i, call := range calls {
		g.Go(func() error {
			t.emit(ctx, EventToolCall, ToolEventData{ToolName: call.ToolName, Query: call.ToolQuery})
			res, err := t.a.tools.Invoke(ctx, call.ToolName, call.ToolQuery)
			outcomes[i] = toolOutcome{call: call, res: res, err: err}
			switch {
			case err != nil:
				t.emit(ctx, EventToolError, ToolEventData{ToolName: call.ToolName, Query: call.ToolQuery, Error: err.Error()})
			case res.IsError:
				t.emit(ctx, EventToolError, ToolEventData{ToolName: call.ToolName, Query: call.ToolQuery, Error: res.Content})
			default:
				t.emit(ctx, EventToolOutput, ToolEventData{ToolName: call.ToolName, Query: call.ToolQuery, Output: res.Content})
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range outcomes {
		switch {
		case o.err != nil:
			t.history.AppendToolError(o.call.ToolName, o.call.ToolQuery, o.err.Error())
		case o.res.IsError:
			t.history.AppendToolError(o.call.ToolName, o.call.ToolQuery, o.res.Content)
		default:
			t.history.AppendToolOutput(o.call.ToolName, o.call.ToolQuery, o.res.Content)
		}
		t.addUsage(ctx, o.res.Usage)
	}
}
