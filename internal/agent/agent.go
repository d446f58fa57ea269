// Package agent drives the think, act and synthesize loop.
package agent

import (
	"context"

	"github.com/qzbxwv/EGO/internal/llm"
	"github.com/qzbxwv/EGO/internal/prompt"
	"github.com/qzbxwv/EGO/internal/tool"
	"go.uber.org/zap"
)

// Config bounds the loop and fixes sampling temperatures. A nil
// temperature means the default; zero is a valid setting.
type Config struct {
	MaxThoughts          int      `json:"max_thoughts"`
	MaxRetries           int      `json:"max_retries"`
	ThoughtTemperature   *float64 `json:"thought_temperature,omitempty"`
	SynthesisTemperature *float64 `json:"synthesis_temperature,omitempty"`
	ToolConcurrency      int      `json:"tool_concurrency"`
	HistoryTurns         int      `json:"history_turns"`
}

// Temperature returns a pointer for the temperature fields of Config.
func Temperature(v float64) *float64 { return &v }

// DefaultConfig returns the stock loop settings.
func DefaultConfig() Config {
	return Config{
		MaxThoughts:          15,
		MaxRetries:           3,
		ThoughtTemperature:   Temperature(0.7),
		SynthesisTemperature: Temperature(0.8),
		ToolConcurrency:      4,
		HistoryTurns:         10,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxThoughts <= 0 {
		c.MaxThoughts = d.MaxThoughts
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.ThoughtTemperature == nil {
		c.ThoughtTemperature = d.ThoughtTemperature
	}
	if c.SynthesisTemperature == nil {
		c.SynthesisTemperature = d.SynthesisTemperature
	}
	if c.ToolConcurrency <= 0 {
		c.ToolConcurrency = d.ToolConcurrency
	}
	if c.HistoryTurns <= 0 {
		c.HistoryTurns = d.HistoryTurns
	}
	return c
}

// Recorder persists finished turns and recalls earlier ones.
type Recorder interface {
	ChatHistory(ctx context.Context, sessionID string, limit int) (string, error)
	SaveTurn(ctx context.Context, turn *TurnResult) error
}

// Publisher fans turn events out to other subscribers.
type Publisher interface {
	Publish(ctx context.Context, turnID string, ev Event) error
}

// Agent owns the collaborators of the reasoning loop. It holds no
// per-turn state and is safe for concurrent use.
type Agent struct {
	backend   llm.Backend
	catalog   *prompt.Catalog
	tools     *tool.Registry
	cfg       Config
	recorder  Recorder
	publisher Publisher
	logger    *zap.Logger
}

// Option customizes an Agent.
type Option func(*Agent)

// WithRecorder persists turns and loads session history.
func WithRecorder(r Recorder) Option {
	return func(a *Agent) { a.recorder = r }
}

// WithPublisher mirrors turn events to p.
func WithPublisher(p Publisher) Option {
	return func(a *Agent) { a.publisher = p }
}

// New creates an agent.
func New(backend llm.Backend, catalog *prompt.Catalog, tools *tool.Registry, cfg Config, logger *zap.Logger, opts ...Option) *Agent {
	a := &Agent{
		backend: backend,
		catalog: catalog,
		tools:   tools,
		cfg:     cfg.withDefaults(),
		logger:  logger,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Config returns the effective settings.
func (a *Agent) Config() Config { return a.cfg }

// Catalog returns the mode catalog.
func (a *Agent) Catalog() *prompt.Catalog { return a.catalog }

// Tools returns the tool registry.
func (a *Agent) Tools() *tool.Registry { return a.tools }

// HasRecorder reports whether turns are persisted.
func (a *Agent) HasRecorder() bool { return a.recorder != nil }

func (a *Agent) toolInfo() []prompt.ToolInfo {
	list := a.tools.List()
	out := make([]prompt.ToolInfo, len(list))
	for i, t := range list {
		out[i] = prompt.ToolInfo{Name: t.Name(), Description: t.Description()}
	}
	return out
}
