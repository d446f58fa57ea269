package tool

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/qzbxwv/EGO/internal/llm"
	"github.com/qzbxwv/EGO/internal/sandbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoTool struct{ name string }

func (e echoTool) Name() string        { return e.name }
func (e echoTool) Description() string { return "echo" }
func (e echoTool) Invoke(_ context.Context, q string) Result {
	return Result{Content: q}
}

type panicTool struct{}

func (panicTool) Name() string                             { return "Boom" }
func (panicTool) Description() string                      { return "panics" }
func (panicTool) Invoke(context.Context, string) Result { panic("kaboom") }

func TestRegistry(t *testing.T) {
	r, err := NewRegistry(echoTool{"B"}, echoTool{"A"}, panicTool{})
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "A", "Boom"}, r.Names())

	res, err := r.Invoke(context.Background(), "A", "hi")
	require.NoError(t, err)
	assert.Equal(t, "hi", res.Content)

	_, err = r.Invoke(context.Background(), "a", "hi")
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "a", nf.Name)

	res, err = r.Invoke(context.Background(), "Boom", "")
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "kaboom")
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	_, err := NewRegistry(echoTool{"X"}, echoTool{"X"})
	assert.Error(t, err)
}

func TestCalculator(t *testing.T) {
	c := NewCalculator()
	tests := []struct {
		in      string
		want    string
		isError bool
	}{
		{"2 + 2", "4", false},
		{"0.05 * (25000000 * 0.3)", "375000", false},
		{"7 / 2", "3.5", false},
		{"2 ^ 10", "1024", false},
		{"sqrt(16) + pow(2, 3)", "12", false},
		{"abs(-3)", "3", false},
		{"1e3 + 1", "1001", false},
		{"round(pi * 100)", "314", false},
		{"17 % 5", "2", false},
		{"7.5 % 2", "1.5", false},
		{"log10(1000)", "3", false},
		{"9223372036854775807 + 1", "9.22337203685478e+18", false},
		{"99999999999 * 99999999999", "9.9999999998e+21", false},
		{"2 ^ 2000", "", true},
		{"__import__('os')", "", true},
		{"x + 1", "", true},
		{"2 +", "", true},
		{"1 / 0", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			res := c.Invoke(context.Background(), tt.in)
			assert.Equal(t, tt.isError, res.IsError, res.Content)
			if !tt.isError {
				assert.Equal(t, tt.want, res.Content)
			}
		})
	}
}

func TestWiki(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("titles") {
		case "Go (programming language)":
			_, _ = w.Write([]byte(`{"query":{"pages":[{"title":"Go (programming language)","extract":"Go is a statically typed language."}]}}`))
		case "Broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			_, _ = w.Write([]byte(`{"query":{"pages":[{"title":"Nope","missing":true}]}}`))
		}
	}))
	defer srv.Close()

	wiki := NewWiki("en", srv.URL)

	res := wiki.Invoke(context.Background(), "Go (programming language)")
	assert.False(t, res.IsError)
	assert.Equal(t, "Go is a statically typed language.", res.Content)

	res = wiki.Invoke(context.Background(), "Nope")
	assert.False(t, res.IsError)
	assert.Contains(t, res.Content, "not found")

	res = wiki.Invoke(context.Background(), "Broken")
	assert.True(t, res.IsError)
}

type fakeExecutor struct {
	res  *sandbox.Result
	err  error
	code string
}

func (f *fakeExecutor) Run(_ context.Context, code string) (*sandbox.Result, error) {
	f.code = code
	return f.res, f.err
}

func TestCode(t *testing.T) {
	exec := &fakeExecutor{res: &sandbox.Result{Output: "4\n"}}
	c := NewCode(exec)

	res := c.Invoke(context.Background(), "```python\nprint(2+2)\n```")
	assert.False(t, res.IsError)
	assert.Equal(t, "4", res.Content)
	assert.Equal(t, "print(2+2)\n", exec.code)

	exec.res = &sandbox.Result{Output: "Traceback\n", ExitCode: 1}
	res = c.Invoke(context.Background(), "raise Exception()")
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "[exit status 1]")

	exec.res = &sandbox.Result{TimedOut: true}
	res = c.Invoke(context.Background(), "while True: pass")
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "[timed out]")

	exec.res, exec.err = nil, sandbox.ErrUnavailable
	res = c.Invoke(context.Background(), "print(1)")
	assert.Equal(t, Unreachable, res.Content)

	exec.err = errors.New("image not found")
	res = c.Invoke(context.Background(), "print(1)")
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "image not found")
}

type recordingGenerator struct {
	req  *llm.Request
	resp *llm.Response
	err  error
}

func (g *recordingGenerator) Generate(_ context.Context, req *llm.Request) (*llm.Response, error) {
	g.req = req
	return g.resp, g.err
}

func TestSearchAndCritic(t *testing.T) {
	gen := &recordingGenerator{resp: &llm.Response{Text: "found", Usage: &llm.Usage{TotalTokens: 3}}}

	res := NewSearch(gen).Invoke(context.Background(), "latest Go release")
	assert.Equal(t, "found", res.Content)
	assert.Equal(t, 3, res.Usage.TotalTokens)
	assert.Equal(t, 0.1, gen.req.Temperature)
	assert.Equal(t, []llm.ToolDescriptor{llm.WebSearch}, gen.req.Tools)
	assert.Equal(t, "latest Go release", gen.req.Prompt)

	res = NewCritic(gen).Invoke(context.Background(), "my plan")
	assert.Equal(t, "found", res.Content)
	assert.Equal(t, 0.9, gen.req.Temperature)
	assert.Empty(t, gen.req.Tools)

	gen.err = &llm.BackendError{Backend: "gemini", Op: "generate", Err: errors.New("quota")}
	res = NewCritic(gen).Invoke(context.Background(), "my plan")
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "quota")
}
