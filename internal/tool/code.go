package tool

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/qzbxwv/EGO/internal/sandbox"
)

// Unreachable is returned verbatim when the sandbox cannot run code.
const Unreachable = "EgoBox is unreachable: code execution is unavailable right now."

// Executor runs code in isolation.
type Executor interface {
	Run(ctx context.Context, code string) (*sandbox.Result, error)
}

// Code runs Python snippets in the sandbox.
type Code struct {
	exec Executor
}

// NewCode returns the EgoCode tool.
func NewCode(exec Executor) *Code { return &Code{exec: exec} }

func (c *Code) Name() string { return "EgoCode" }

func (c *Code) Description() string {
	return "Python interpreter in an isolated sandbox without network. Only NumPy, SciPy and SymPy are available. Print what you need to see."
}

func (c *Code) Invoke(ctx context.Context, query string) Result {
	code := stripFences(query)
	if strings.TrimSpace(code) == "" {
		return Errorf("EgoCode: empty program")
	}

	res, err := c.exec.Run(ctx, code)
	if errors.Is(err, sandbox.ErrUnavailable) {
		return Result{Content: Unreachable, IsError: true}
	}
	if err != nil {
		return Errorf("EgoCode error: %v", err)
	}

	var sb strings.Builder
	out := strings.TrimRight(res.Output, "\n")
	if out == "" {
		out = "(no output)"
	}
	sb.WriteString(out)
	if res.Truncated {
		sb.WriteString("\n[output truncated]")
	}
	failed := false
	if res.TimedOut {
		sb.WriteString("\n[timed out]")
		failed = true
	} else if res.ExitCode != 0 {
		fmt.Fprintf(&sb, "\n[exit status %d]", res.ExitCode)
		failed = true
	}
	return Result{Content: sb.String(), IsError: failed}
}

// stripFences removes a surrounding markdown code fence if present.
func stripFences(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") {
		return s
	}
	t = strings.TrimPrefix(t, "```")
	if nl := strings.IndexByte(t, '\n'); nl >= 0 {
		t = t[nl+1:]
	} else {
		return s
	}
	return strings.TrimSuffix(strings.TrimRight(t, " \n\t"), "```")
}
