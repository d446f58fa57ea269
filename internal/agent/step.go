package agent

import (
	"context"

	"github.com/qzbxwv/EGO/internal/llm"
	"github.com/qzbxwv/EGO/internal/prompt"
	"github.com/qzbxwv/EGO/internal/thought"
	"github.com/qzbxwv/EGO/internal/tool"
	"go.uber.org/zap"
)

// StepRequest carries the conversation state for one thought or synthesis.
type StepRequest struct {
	Query              string           `json:"query"`
	Mode               string           `json:"mode"`
	ChatHistory        string           `json:"chat_history"`
	ThoughtsHistory    string           `json:"thoughts_history"`
	CustomInstructions string           `json:"custom_instructions,omitempty"`
	Attachments        []llm.Attachment `json:"-"`
}

// Chunk is one element of a synthesis stream. A chunk with Err set is
// always the last one.
type Chunk struct {
	Text string
	Err  error
}

// GenerateThought asks the model for the next reasoning step. Usage is
// returned even when the output fails to parse, since tokens were spent.
func (a *Agent) GenerateThought(ctx context.Context, req StepRequest) (*thought.Thought, *llm.Usage, error) {
	mode := a.catalog.Resolve(req.Mode)
	inst, err := mode.RenderThinking(prompt.ThinkingData{
		ChatHistory:     req.ChatHistory,
		ThoughtsHistory: req.ThoughtsHistory,
		Query:           req.Query,
		Tools:           a.toolInfo(),
	})
	if err != nil {
		return nil, nil, err
	}

	resp, err := a.backend.Generate(ctx, &llm.Request{
		Prompt:            req.Query,
		Attachments:       req.Attachments,
		Temperature:       *a.cfg.ThoughtTemperature,
		SystemInstruction: inst,
	})
	if err != nil {
		return nil, nil, err
	}

	th, err := thought.Parse(resp.Text)
	if err != nil {
		a.logger.Debug("unparseable thought", zap.String("mode", mode.Name), zap.Error(err))
		return nil, resp.Usage, err
	}
	return th, resp.Usage, nil
}

// Synthesize streams the final answer. The channel closes when the answer
// is complete, after a single error chunk, or once ctx is cancelled.
func (a *Agent) Synthesize(ctx context.Context, req StepRequest) <-chan Chunk {
	out := make(chan Chunk)
	go func() {
		defer close(out)
		send := func(c Chunk) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		mode := a.catalog.Resolve(req.Mode)
		inst, err := mode.RenderSynthesis(prompt.SynthesisData{
			CustomInstructions: req.CustomInstructions,
			ChatHistory:        req.ChatHistory,
			ThoughtsHistory:    req.ThoughtsHistory,
			Query:              req.Query,
			Language:           prompt.DetectLanguage(req.Query),
		})
		if err != nil {
			send(Chunk{Err: err})
			return
		}

		stream, err := a.backend.GenerateStream(ctx, &llm.Request{
			Prompt:            req.Query,
			Attachments:       req.Attachments,
			Temperature:       *a.cfg.SynthesisTemperature,
			SystemInstruction: inst,
		})
		if err != nil {
			send(Chunk{Err: err})
			return
		}
		for c := range stream {
			if c.Err != nil {
				send(Chunk{Err: c.Err})
				return
			}
			if !send(Chunk{Text: c.Text}) {
				return
			}
		}
	}()
	return out
}

// ExecuteTool runs one registered tool. Only an unknown name is an error.
func (a *Agent) ExecuteTool(ctx context.Context, name, query string) (tool.Result, error) {
	return a.tools.Invoke(ctx, name, query)
}
