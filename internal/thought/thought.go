package thought

// ToolCall is a single tool request embedded in a thought.
type ToolCall struct {
	ToolName  string `json:"tool_name"`
	ToolQuery string `json:"tool_query"`
}

// Thought is one discrete reasoning step produced by the model.
type Thought struct {
	Thoughts          string     `json:"thoughts"`
	Evaluate          string     `json:"evaluate"`
	Confidence        float64    `json:"confidence"`
	ToolReasoning     string     `json:"tool_reasoning"`
	ToolCalls         []ToolCall `json:"tool_calls"`
	Header            string     `json:"thoughts_header"`
	NextThoughtNeeded bool       `json:"nextThoughtNeeded"`
}

// HasToolCalls reports whether the thought requests any tools.
func (t *Thought) HasToolCalls() bool {
	return len(t.ToolCalls) > 0
}
