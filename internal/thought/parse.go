package thought

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/yosuke-furukawa/json5/encoding/json5"
)

// ErrorKind classifies a thought parse failure.
type ErrorKind string

const (
	EmptyExtraction ErrorKind = "empty_extraction"
	MalformedJSON   ErrorKind = "malformed_json"
	SchemaViolation ErrorKind = "schema_violation"
)

// ParseError is returned when model output cannot be turned into a Thought.
// All kinds are recoverable by asking the model again.
type ParseError struct {
	Kind ErrorKind
	Raw  string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("parse thought: %s", e.Kind)
	}
	return fmt.Sprintf("parse thought: %s: %v", e.Kind, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Extract returns the span from the first '{' to the last '}' inclusive,
// trimmed. It returns "" when there is no '{' or no '}' after it.
// Nesting and quoting are not inspected.
func Extract(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	end := strings.LastIndexByte(text, '}')
	if end < start {
		return ""
	}
	return strings.TrimSpace(text[start : end+1])
}

const thoughtSchema = `{
	"type": "object",
	"required": ["tool_calls"],
	"properties": {
		"thoughts": {"type": ["string", "null"]},
		"evaluate": {"type": ["string", "null"]},
		"tool_reasoning": {"type": ["string", "null"]},
		"thoughts_header": {"type": ["string", "null"]},
		"confidence": {"type": ["number", "string", "null"]},
		"nextThoughtNeeded": {"type": ["boolean", "string", "null"]},
		"tool_calls": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["tool_name"],
				"properties": {
					"tool_name": {"type": "string", "minLength": 1},
					"tool_query": {"type": ["string", "null"]}
				}
			}
		}
	}
}`

var compiledSchema = mustCompile(thoughtSchema)

func mustCompile(src string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		panic(fmt.Sprintf("parse thought schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("thought.json", doc); err != nil {
		panic(fmt.Sprintf("add thought schema: %v", err))
	}
	s, err := c.Compile("thought.json")
	if err != nil {
		panic(fmt.Sprintf("compile thought schema: %v", err))
	}
	return s
}

// wireThought mirrors Thought with the loosely typed fields models get wrong.
type wireThought struct {
	Thoughts          string     `json:"thoughts"`
	Evaluate          string     `json:"evaluate"`
	Confidence        any        `json:"confidence"`
	ToolReasoning     string     `json:"tool_reasoning"`
	ToolCalls         []ToolCall `json:"tool_calls"`
	Header            string     `json:"thoughts_header"`
	NextThoughtNeeded any        `json:"nextThoughtNeeded"`
}

// Parse extracts and decodes a Thought from raw model output. Decoding is
// lenient: comments, trailing commas and unquoted keys are accepted.
func Parse(raw string) (*Thought, error) {
	span := Extract(raw)
	if span == "" {
		return nil, &ParseError{Kind: EmptyExtraction, Raw: raw}
	}

	var loose any
	if err := json5.Unmarshal([]byte(span), &loose); err != nil {
		return nil, &ParseError{Kind: MalformedJSON, Raw: raw, Err: err}
	}
	if _, ok := loose.(map[string]any); !ok {
		return nil, &ParseError{Kind: MalformedJSON, Raw: raw, Err: fmt.Errorf("expected object, got %T", loose)}
	}

	// Round-trip through strict JSON so the validator sees canonical values.
	canonical, err := json.Marshal(loose)
	if err != nil {
		return nil, &ParseError{Kind: MalformedJSON, Raw: raw, Err: err}
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(canonical))
	if err != nil {
		return nil, &ParseError{Kind: MalformedJSON, Raw: raw, Err: err}
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return nil, &ParseError{Kind: SchemaViolation, Raw: raw, Err: err}
	}

	var w wireThought
	if err := json.Unmarshal(canonical, &w); err != nil {
		return nil, &ParseError{Kind: SchemaViolation, Raw: raw, Err: err}
	}

	conf, err := coerceConfidence(w.Confidence)
	if err != nil {
		return nil, &ParseError{Kind: SchemaViolation, Raw: raw, Err: err}
	}
	next, err := coerceBool(w.NextThoughtNeeded)
	if err != nil {
		return nil, &ParseError{Kind: SchemaViolation, Raw: raw, Err: err}
	}

	calls := w.ToolCalls
	if calls == nil {
		calls = []ToolCall{}
	}
	for i := range calls {
		calls[i].ToolName = strings.TrimSpace(calls[i].ToolName)
	}

	return &Thought{
		Thoughts:          w.Thoughts,
		Evaluate:          w.Evaluate,
		Confidence:        conf,
		ToolReasoning:     w.ToolReasoning,
		ToolCalls:         calls,
		Header:            w.Header,
		NextThoughtNeeded: next,
	}, nil
}

func coerceConfidence(v any) (float64, error) {
	var f float64
	switch x := v.(type) {
	case nil:
		return 0, nil
	case float64:
		f = x
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, nil
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("confidence %q is not a number", x)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("confidence has type %T", v)
	}
	if f < 0 {
		return 0, nil
	}
	if f > 1 {
		return 1, nil
	}
	return f, nil
}

func coerceBool(v any) (bool, error) {
	switch x := v.(type) {
	case nil:
		return false, nil
	case bool:
		return x, nil
	case string:
		b, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(x)))
		if err != nil {
			return false, fmt.Errorf("nextThoughtNeeded %q is not a boolean", x)
		}
		return b, nil
	default:
		return false, fmt.Errorf("nextThoughtNeeded has type %T", v)
	}
}
