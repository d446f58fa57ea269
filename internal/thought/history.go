package thought

import (
	"encoding/json"
	"sync"
)

// EntryType identifies the kind of history entry.
type EntryType string

const (
	EntryThought     EntryType = "thought"
	EntryToolOutput  EntryType = "tool_output"
	EntryToolError   EntryType = "tool_error"
	EntrySystemError EntryType = "system_error"
)

// Entry is one record in a turn's thought history.
type Entry struct {
	Type     EntryType `json:"type"`
	Content  *Thought  `json:"content,omitempty"`
	ToolName string    `json:"tool_name,omitempty"`
	Query    string    `json:"tool_query,omitempty"`
	Output   string    `json:"output,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// History is the append-only record of one turn's thoughts and tool
// results. It is safe for concurrent use.
type History struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewHistory returns an empty history.
func NewHistory() *History {
	return &History{}
}

// AppendThought records a parsed thought.
func (h *History) AppendThought(t *Thought) {
	h.append(Entry{Type: EntryThought, Content: t})
}

// AppendToolOutput records a successful tool invocation.
func (h *History) AppendToolOutput(name, query, output string) {
	h.append(Entry{Type: EntryToolOutput, ToolName: name, Query: query, Output: output})
}

// AppendToolError records a failed tool invocation.
func (h *History) AppendToolError(name, query, msg string) {
	h.append(Entry{Type: EntryToolError, ToolName: name, Query: query, Error: msg})
}

// AppendSystemError records a failure of the loop itself.
func (h *History) AppendSystemError(msg string) {
	h.append(Entry{Type: EntrySystemError, Error: msg})
}

func (h *History) append(e Entry) {
	h.mu.Lock()
	h.entries = append(h.entries, e)
	h.mu.Unlock()
}

// Entries returns a copy of the recorded entries in order.
func (h *History) Entries() []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Entry, len(h.entries))
	copy(out, h.entries)
	return out
}

// Len returns the number of entries.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// Thoughts counts the thought entries.
func (h *History) Thoughts() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, e := range h.entries {
		if e.Type == EntryThought {
			n++
		}
	}
	return n
}

// Render serializes the history as a JSON array for prompt slots.
// An empty history renders as "[]".
func (h *History) Render() string {
	b, err := json.Marshal(h.Entries())
	if err != nil {
		return "[]"
	}
	return string(b)
}

// MarshalJSON encodes the entries as a JSON array.
func (h *History) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.Entries())
}
