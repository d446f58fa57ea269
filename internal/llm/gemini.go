package llm

import (
	"context"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

// DefaultInlineLimit is the largest attachment sent inline; bigger files go
// through the Files API.
const DefaultInlineLimit = 20 << 20

// GeminiConfig configures the Gemini backend.
type GeminiConfig struct {
	Model       string
	InlineLimit int64
	UploadDir   string
}

// geminiClient is the slice of the genai SDK the backend uses.
type geminiClient interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	GenerateContentStream(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]
	UploadFromPath(ctx context.Context, path string, cfg *genai.UploadFileConfig) (*genai.File, error)
	DeleteFile(ctx context.Context, name string) error
}

type sdkClient struct {
	c *genai.Client
}

func (s sdkClient) GenerateContent(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	return s.c.Models.GenerateContent(ctx, model, contents, cfg)
}

func (s sdkClient) GenerateContentStream(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error] {
	return s.c.Models.GenerateContentStream(ctx, model, contents, cfg)
}

func (s sdkClient) UploadFromPath(ctx context.Context, path string, cfg *genai.UploadFileConfig) (*genai.File, error) {
	return s.c.Files.UploadFromPath(ctx, path, cfg)
}

func (s sdkClient) DeleteFile(ctx context.Context, name string) error {
	_, err := s.c.Files.Delete(ctx, name, nil)
	return err
}

// GeminiBackend talks to the Gemini API, one SDK client per key.
type GeminiBackend struct {
	pool   *Pool[geminiClient]
	cfg    GeminiConfig
	logger *zap.Logger
}

// NewGeminiBackend builds a client for every key.
func NewGeminiBackend(ctx context.Context, keys []string, cfg GeminiConfig, logger *zap.Logger) (*GeminiBackend, error) {
	creds := make([]Credential[geminiClient], 0, len(keys))
	for _, k := range keys {
		c, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: k, Backend: genai.BackendGeminiAPI})
		if err != nil {
			return nil, fmt.Errorf("create gemini client %s: %w", MaskKey(k), err)
		}
		creds = append(creds, Credential[geminiClient]{Key: k, Client: sdkClient{c: c}})
	}
	pool, err := NewPool(creds, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("gemini backend ready", zap.String("model", cfg.Model), zap.Int("keys", pool.Size()))
	return newGeminiBackend(pool, cfg, logger), nil
}

func newGeminiBackend(pool *Pool[geminiClient], cfg GeminiConfig, logger *zap.Logger) *GeminiBackend {
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash"
	}
	if cfg.InlineLimit <= 0 {
		cfg.InlineLimit = DefaultInlineLimit
	}
	return &GeminiBackend{pool: pool, cfg: cfg, logger: logger}
}

// SetRotator shares key rotation with other replicas.
func (b *GeminiBackend) SetRotator(r Rotator) { b.pool.SetRotator(r) }

func (b *GeminiBackend) Name() string { return "gemini" }

// Generate performs one non-streaming call.
func (b *GeminiBackend) Generate(ctx context.Context, req *Request) (*Response, error) {
	cred := b.pool.Acquire(ctx)
	contents, uploaded, err := b.contents(ctx, cred.Client, req)
	if err != nil {
		return nil, &BackendError{Backend: b.Name(), Op: "generate", Err: err}
	}
	defer b.release(ctx, cred.Client, uploaded)
	resp, err := cred.Client.GenerateContent(ctx, b.cfg.Model, contents, b.config(req))
	if err != nil {
		return nil, &BackendError{Backend: b.Name(), Op: "generate", Err: err}
	}
	return &Response{Text: resp.Text(), Usage: geminiUsage(resp)}, nil
}

// GenerateStream streams text increments until the model finishes, the
// stream fails, or ctx is cancelled.
func (b *GeminiBackend) GenerateStream(ctx context.Context, req *Request) (<-chan StreamChunk, error) {
	cred := b.pool.Acquire(ctx)
	contents, uploaded, err := b.contents(ctx, cred.Client, req)
	if err != nil {
		return nil, &BackendError{Backend: b.Name(), Op: "stream", Err: err}
	}

	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)
		defer b.release(ctx, cred.Client, uploaded)
		for resp, err := range cred.Client.GenerateContentStream(ctx, b.cfg.Model, contents, b.config(req)) {
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				select {
				case ch <- StreamChunk{Err: &BackendError{Backend: b.Name(), Op: "stream", Err: err}}:
				case <-ctx.Done():
				}
				return
			}
			text := resp.Text()
			if text == "" {
				continue
			}
			select {
			case ch <- StreamChunk{Text: text}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Upload stages the attachment on disk and pushes it to the Files API.
func (b *GeminiBackend) Upload(ctx context.Context, att Attachment) (*UploadedFile, error) {
	cred := b.pool.Acquire(ctx)
	f, err := b.upload(ctx, cred.Client, att)
	if err != nil {
		return nil, &BackendError{Backend: b.Name(), Op: "upload", Err: err}
	}
	return f, nil
}

func (b *GeminiBackend) upload(ctx context.Context, c geminiClient, att Attachment) (*UploadedFile, error) {
	tmp, err := os.CreateTemp(b.cfg.UploadDir, "ego-upload-*"+filepath.Ext(att.Name))
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	path := tmp.Name()
	if _, err := tmp.Write(att.Data); err != nil {
		tmp.Close()
		os.Remove(path)
		return nil, fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("close temp file: %w", err)
	}

	type result struct {
		file *genai.File
		err  error
	}
	done := make(chan result, 1)
	// The staged file outlives an abandoned caller until the upload returns.
	go func() {
		file, err := c.UploadFromPath(ctx, path, &genai.UploadFileConfig{
			MIMEType:    att.MIMEType,
			DisplayName: att.Name,
		})
		if rmErr := os.Remove(path); rmErr != nil {
			b.logger.Warn("remove staged upload", zap.String("path", path), zap.Error(rmErr))
		}
		done <- result{file: file, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("upload %s: %w", att.Name, r.err)
		}
		b.logger.Debug("uploaded attachment", zap.String("name", att.Name), zap.String("uri", r.file.URI))
		return &UploadedFile{Name: r.file.Name, URI: r.file.URI, MIMEType: r.file.MIMEType}, nil
	}
}

// contents builds the user turn. Attachments over the inline limit are
// uploaded; their remote names are returned for release.
func (b *GeminiBackend) contents(ctx context.Context, c geminiClient, req *Request) ([]*genai.Content, []string, error) {
	parts := []*genai.Part{genai.NewPartFromText(req.Prompt)}
	var uploaded []string
	for _, att := range req.Attachments {
		if int64(len(att.Data)) <= b.cfg.InlineLimit {
			parts = append(parts, genai.NewPartFromBytes(att.Data, att.MIMEType))
			continue
		}
		f, err := b.upload(ctx, c, att)
		if err != nil {
			b.release(ctx, c, uploaded)
			return nil, nil, err
		}
		uploaded = append(uploaded, f.Name)
		parts = append(parts, genai.NewPartFromURI(f.URI, f.MIMEType))
	}
	return []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}, uploaded, nil
}

// release deletes uploaded files once a call is over, even a cancelled one.
func (b *GeminiBackend) release(ctx context.Context, c geminiClient, names []string) {
	if len(names) == 0 {
		return
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	for _, name := range names {
		if err := c.DeleteFile(dctx, name); err != nil {
			b.logger.Warn("delete uploaded file", zap.String("name", name), zap.Error(err))
		}
	}
}

func (b *GeminiBackend) config(req *Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Temperature)),
	}
	if req.SystemInstruction != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemInstruction, genai.RoleUser)
	}
	var decls []*genai.FunctionDeclaration
	for _, t := range req.Tools {
		switch t.Kind {
		case ToolWebSearch:
			cfg.Tools = append(cfg.Tools, &genai.Tool{GoogleSearch: &genai.GoogleSearch{}})
		case ToolFunction:
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 t.Name,
				Description:          t.Description,
				ParametersJsonSchema: t.Parameters,
			})
		}
	}
	if len(decls) > 0 {
		cfg.Tools = append(cfg.Tools, &genai.Tool{FunctionDeclarations: decls})
	}
	return cfg
}

func geminiUsage(resp *genai.GenerateContentResponse) *Usage {
	if resp == nil || resp.UsageMetadata == nil {
		return nil
	}
	m := resp.UsageMetadata
	return &Usage{
		PromptTokens:     int(m.PromptTokenCount),
		CompletionTokens: int(m.CandidatesTokenCount),
		TotalTokens:      int(m.TotalTokenCount),
	}
}
