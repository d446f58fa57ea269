package llm

import (
	"context"
	"errors"
	"iter"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

type fakeGemini struct {
	mu        sync.Mutex
	lastCfg   *genai.GenerateContentConfig
	lastParts []*genai.Part
	text      string
	chunks    []string
	streamErr error
	uploadErr error
	uploaded  []string
	deleted   []string
	sawFile   bool
}

func (f *fakeGemini) DeleteFile(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, name)
	return nil
}

func (f *fakeGemini) deletedFiles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func textResponse(s string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: genai.NewContentFromText(s, genai.RoleModel)}},
	}
}

func (f *fakeGemini) GenerateContent(_ context.Context, _ string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.mu.Lock()
	f.lastCfg = cfg
	f.lastParts = contents[0].Parts
	f.mu.Unlock()
	resp := textResponse(f.text)
	resp.UsageMetadata = &genai.GenerateContentResponseUsageMetadata{
		PromptTokenCount:     10,
		CandidatesTokenCount: 5,
		TotalTokenCount:      15,
	}
	return resp, nil
}

func (f *fakeGemini) GenerateContentStream(_ context.Context, _ string, _ []*genai.Content, _ *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error] {
	return func(yield func(*genai.GenerateContentResponse, error) bool) {
		for _, c := range f.chunks {
			if !yield(textResponse(c), nil) {
				return
			}
		}
		if f.streamErr != nil {
			yield(nil, f.streamErr)
		}
	}
}

func (f *fakeGemini) UploadFromPath(_ context.Context, path string, cfg *genai.UploadFileConfig) (*genai.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := os.Stat(path); err == nil {
		f.sawFile = true
	}
	f.uploaded = append(f.uploaded, path)
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	return &genai.File{Name: "files/1", URI: "https://files.example/1", MIMEType: cfg.MIMEType}, nil
}

func newTestGemini(t *testing.T, fake *fakeGemini, cfg GeminiConfig) *GeminiBackend {
	t.Helper()
	pool, err := NewPool([]Credential[geminiClient]{{Key: "test-key", Client: fake}}, zap.NewNop())
	require.NoError(t, err)
	return newGeminiBackend(pool, cfg, zap.NewNop())
}

func TestGeminiGenerate(t *testing.T) {
	fake := &fakeGemini{text: `{"tool_calls": []}`}
	b := newTestGemini(t, fake, GeminiConfig{})

	resp, err := b.Generate(context.Background(), &Request{
		Prompt:            "hello",
		Temperature:       0.1,
		SystemInstruction: "search",
		Tools:             []ToolDescriptor{WebSearch},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"tool_calls": []}`, resp.Text)
	assert.Equal(t, &Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}, resp.Usage)

	require.NotNil(t, fake.lastCfg.Temperature)
	assert.InDelta(t, 0.1, *fake.lastCfg.Temperature, 1e-6)
	require.Len(t, fake.lastCfg.Tools, 1)
	assert.NotNil(t, fake.lastCfg.Tools[0].GoogleSearch)
	assert.NotNil(t, fake.lastCfg.SystemInstruction)
}

func TestGeminiLargeAttachmentIsUploaded(t *testing.T) {
	dir := t.TempDir()
	fake := &fakeGemini{text: "ok"}
	b := newTestGemini(t, fake, GeminiConfig{InlineLimit: 4, UploadDir: dir})

	_, err := b.Generate(context.Background(), &Request{
		Prompt: "look",
		Attachments: []Attachment{
			{Name: "small.txt", MIMEType: "text/plain", Data: []byte("hi")},
			{Name: "big.pdf", MIMEType: "application/pdf", Data: []byte("0123456789")},
		},
	})
	require.NoError(t, err)
	require.Len(t, fake.lastParts, 3)
	assert.NotNil(t, fake.lastParts[1].InlineData)
	require.NotNil(t, fake.lastParts[2].FileData)
	assert.Equal(t, "https://files.example/1", fake.lastParts[2].FileData.FileURI)
	assert.Len(t, fake.uploaded, 1)
	assert.True(t, fake.sawFile)
	assert.Equal(t, []string{"files/1"}, fake.deletedFiles())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestGeminiUploadFailureRemovesTempFile(t *testing.T) {
	dir := t.TempDir()
	fake := &fakeGemini{uploadErr: errors.New("quota")}
	b := newTestGemini(t, fake, GeminiConfig{UploadDir: dir})

	_, err := b.Upload(context.Background(), Attachment{Name: "a.png", MIMEType: "image/png", Data: []byte{1, 2, 3}})
	require.Error(t, err)
	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "upload", be.Op)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestGeminiStream(t *testing.T) {
	fake := &fakeGemini{chunks: []string{"Hel", "lo"}}
	b := newTestGemini(t, fake, GeminiConfig{})

	ch, err := b.GenerateStream(context.Background(), &Request{Prompt: "hi"})
	require.NoError(t, err)

	var got []string
	for c := range ch {
		require.NoError(t, c.Err)
		got = append(got, c.Text)
	}
	assert.Equal(t, []string{"Hel", "lo"}, got)
}

func TestGeminiStreamFailureEndsWithError(t *testing.T) {
	fake := &fakeGemini{chunks: []string{"partial"}, streamErr: errors.New("connection reset")}
	b := newTestGemini(t, fake, GeminiConfig{})

	ch, err := b.GenerateStream(context.Background(), &Request{Prompt: "hi"})
	require.NoError(t, err)

	var chunks []StreamChunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	require.Len(t, chunks, 2)
	assert.Equal(t, "partial", chunks[0].Text)
	assert.Error(t, chunks[1].Err)
}

func TestGeminiStreamStopsOnCancel(t *testing.T) {
	fake := &fakeGemini{chunks: []string{"a", "b", "c", "d"}}
	b := newTestGemini(t, fake, GeminiConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := b.GenerateStream(ctx, &Request{Prompt: "hi"})
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, "a", first.Text)
	cancel()
	for range ch {
	}
}

func TestGeminiStreamReleasesUploadsAfterCancel(t *testing.T) {
	fake := &fakeGemini{chunks: []string{"a", "b", "c"}}
	b := newTestGemini(t, fake, GeminiConfig{InlineLimit: 1, UploadDir: t.TempDir()})

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := b.GenerateStream(ctx, &Request{
		Prompt:      "look",
		Attachments: []Attachment{{Name: "doc.pdf", MIMEType: "application/pdf", Data: []byte("0123456789")}},
	})
	require.NoError(t, err)
	<-ch
	cancel()
	for range ch {
	}
	assert.Equal(t, []string{"files/1"}, fake.deletedFiles())
}
