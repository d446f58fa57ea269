// Package llm abstracts the language-model backends the agent talks to.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// Backend is a language-model endpoint with credential rotation.
type Backend interface {
	Name() string
	Generate(ctx context.Context, req *Request) (*Response, error)
	// GenerateStream yields text increments in order. A failure after the
	// stream starts arrives as a final chunk with Err set; the channel is
	// always closed.
	GenerateStream(ctx context.Context, req *Request) (<-chan StreamChunk, error)
	Upload(ctx context.Context, att Attachment) (*UploadedFile, error)
}

// Attachment is a user-supplied file forwarded to the model.
type Attachment struct {
	Name     string `json:"name"`
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"-"`
}

// UploadedFile is a remote reference returned by Upload.
type UploadedFile struct {
	Name     string `json:"name"`
	URI      string `json:"uri"`
	MIMEType string `json:"mime_type"`
}

// ToolKind selects how a tool descriptor is presented to the backend.
type ToolKind string

const (
	ToolWebSearch ToolKind = "web_search"
	ToolFunction  ToolKind = "function"
)

// ToolDescriptor is a backend-native tool made available during generation.
type ToolDescriptor struct {
	Kind        ToolKind       `json:"kind"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// WebSearch asks the backend to ground its answer on live web results.
var WebSearch = ToolDescriptor{Kind: ToolWebSearch, Name: "web_search"}

// Request is a single generation request.
type Request struct {
	Prompt            string
	Attachments       []Attachment
	Temperature       float64
	SystemInstruction string
	Tools             []ToolDescriptor
}

// Response is the result of a non-streaming generation.
type Response struct {
	Text  string `json:"text"`
	Usage *Usage `json:"usage,omitempty"`
}

// StreamChunk is one increment of a streamed generation.
type StreamChunk struct {
	Text string
	Err  error
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates o into u. A nil o is ignored.
func (u *Usage) Add(o *Usage) {
	if o == nil {
		return
	}
	u.PromptTokens += o.PromptTokens
	u.CompletionTokens += o.CompletionTokens
	u.TotalTokens += o.TotalTokens
}

// ErrUploadUnsupported is returned by backends without a file API.
var ErrUploadUnsupported = errors.New("upload not supported by backend")

// BackendError wraps any failure talking to a model backend.
type BackendError struct {
	Backend string
	Op      string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }
