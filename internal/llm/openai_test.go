package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOpenAIGenerate(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1,
			"model": "test-model",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "four"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 7, "completion_tokens": 1, "total_tokens": 8}
		}`))
	}))
	defer srv.Close()

	b, err := NewOpenAIBackend([]string{"sk-test"}, OpenAIConfig{Model: "test-model", Endpoint: srv.URL}, zap.NewNop())
	require.NoError(t, err)

	resp, err := b.Generate(context.Background(), &Request{
		Prompt:            "2+2?",
		SystemInstruction: "be terse",
		Temperature:       0.7,
		Tools:             []ToolDescriptor{WebSearch},
	})
	require.NoError(t, err)
	assert.Equal(t, "four", resp.Text)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 8, resp.Usage.TotalTokens)

	msgs, ok := body["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, msgs, 2)
	assert.Nil(t, body["tools"])
}

func TestOpenAIErrorIsBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"message": "bad key"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	b, err := NewOpenAIBackend([]string{"sk-bad"}, OpenAIConfig{Endpoint: srv.URL}, zap.NewNop())
	require.NoError(t, err)

	_, err = b.Generate(context.Background(), &Request{Prompt: "hi"})
	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "openai", be.Backend)
}

func TestOpenAIUploadUnsupported(t *testing.T) {
	b, err := NewOpenAIBackend([]string{"sk"}, OpenAIConfig{Endpoint: "http://127.0.0.1:1"}, zap.NewNop())
	require.NoError(t, err)
	_, err = b.Upload(context.Background(), Attachment{Name: "a"})
	assert.ErrorIs(t, err, ErrUploadUnsupported)
}
