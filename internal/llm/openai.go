package llm

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
)

// OpenAIConfig configures an OpenAI-compatible chat-completions backend.
type OpenAIConfig struct {
	Model    string
	Endpoint string
}

// OpenAIBackend talks to any OpenAI-compatible API through langchaingo.
type OpenAIBackend struct {
	pool   *Pool[llms.Model]
	cfg    OpenAIConfig
	logger *zap.Logger
}

// NewOpenAIBackend builds one langchaingo client per key.
func NewOpenAIBackend(keys []string, cfg OpenAIConfig, logger *zap.Logger) (*OpenAIBackend, error) {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	creds := make([]Credential[llms.Model], 0, len(keys))
	for _, k := range keys {
		opts := []openai.Option{openai.WithToken(k), openai.WithModel(cfg.Model)}
		if cfg.Endpoint != "" {
			opts = append(opts, openai.WithBaseURL(cfg.Endpoint))
		}
		m, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create openai client %s: %w", MaskKey(k), err)
		}
		creds = append(creds, Credential[llms.Model]{Key: k, Client: m})
	}
	pool, err := NewPool(creds, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("openai backend ready", zap.String("model", cfg.Model), zap.Int("keys", pool.Size()))
	return &OpenAIBackend{pool: pool, cfg: cfg, logger: logger}, nil
}

// SetRotator shares key rotation with other replicas.
func (b *OpenAIBackend) SetRotator(r Rotator) { b.pool.SetRotator(r) }

func (b *OpenAIBackend) Name() string { return "openai" }

// Generate performs one non-streaming call.
func (b *OpenAIBackend) Generate(ctx context.Context, req *Request) (*Response, error) {
	cred := b.pool.Acquire(ctx)
	resp, err := cred.Client.GenerateContent(ctx, b.messages(req), b.options(req)...)
	if err != nil {
		return nil, &BackendError{Backend: b.Name(), Op: "generate", Err: err}
	}
	if len(resp.Choices) == 0 {
		return nil, &BackendError{Backend: b.Name(), Op: "generate", Err: fmt.Errorf("empty response")}
	}
	choice := resp.Choices[0]
	return &Response{Text: choice.Content, Usage: openAIUsage(choice.GenerationInfo)}, nil
}

// GenerateStream forwards streaming callbacks onto a channel.
func (b *OpenAIBackend) GenerateStream(ctx context.Context, req *Request) (<-chan StreamChunk, error) {
	cred := b.pool.Acquire(ctx)
	ch := make(chan StreamChunk)

	go func() {
		defer close(ch)
		opts := append(b.options(req), llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			if len(chunk) == 0 {
				return nil
			}
			select {
			case ch <- StreamChunk{Text: string(chunk)}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}))
		_, err := cred.Client.GenerateContent(ctx, b.messages(req), opts...)
		if err != nil && ctx.Err() == nil {
			select {
			case ch <- StreamChunk{Err: &BackendError{Backend: b.Name(), Op: "stream", Err: err}}:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

// Upload is not offered by chat-completions APIs.
func (b *OpenAIBackend) Upload(ctx context.Context, att Attachment) (*UploadedFile, error) {
	return nil, &BackendError{Backend: b.Name(), Op: "upload", Err: ErrUploadUnsupported}
}

func (b *OpenAIBackend) messages(req *Request) []llms.MessageContent {
	var msgs []llms.MessageContent
	if req.SystemInstruction != "" {
		msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeSystem, req.SystemInstruction))
	}
	parts := []llms.ContentPart{llms.TextContent{Text: req.Prompt}}
	for _, att := range req.Attachments {
		parts = append(parts, llms.BinaryPart(att.MIMEType, att.Data))
	}
	msgs = append(msgs, llms.MessageContent{Role: llms.ChatMessageTypeHuman, Parts: parts})
	return msgs
}

func (b *OpenAIBackend) options(req *Request) []llms.CallOption {
	opts := []llms.CallOption{llms.WithTemperature(req.Temperature)}
	var tools []llms.Tool
	for _, t := range req.Tools {
		switch t.Kind {
		case ToolFunction:
			tools = append(tools, llms.Tool{
				Type: "function",
				Function: &llms.FunctionDefinition{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		case ToolWebSearch:
			b.logger.Warn("web search is not available on chat completions, answering without it")
		}
	}
	if len(tools) > 0 {
		opts = append(opts, llms.WithTools(tools))
	}
	return opts
}

func openAIUsage(info map[string]any) *Usage {
	if info == nil {
		return nil
	}
	u := &Usage{
		PromptTokens:     intFrom(info, "PromptTokens"),
		CompletionTokens: intFrom(info, "CompletionTokens"),
		TotalTokens:      intFrom(info, "TotalTokens"),
	}
	if u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0 {
		return nil
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}

func intFrom(m map[string]any, key string) int {
	switch n := m[key].(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
