package agent

import (
	"github.com/qzbxwv/EGO/internal/llm"
)

// EventType identifies a turn event.
type EventType string

const (
	EventTurnStarted   EventType = "turn_started"
	EventThoughtHeader EventType = "thought_header"
	EventThought       EventType = "thought"
	EventToolCall      EventType = "tool_call"
	EventToolOutput    EventType = "tool_output"
	EventToolError     EventType = "tool_error"
	EventUsage         EventType = "usage_update"
	EventSystemError   EventType = "system_error"
	EventChunk         EventType = "chunk"
	EventError         EventType = "error"
	EventDone          EventType = "done"
)

// Event is one observable step of a turn.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// Terminal reports whether no events follow this one.
func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// Sink receives turn events. Calls are serialized.
type Sink func(Event)

type TurnStartedData struct {
	TurnID    string `json:"turn_id"`
	SessionID string `json:"session_id,omitempty"`
	Mode      string `json:"mode"`
}

type ToolEventData struct {
	ToolName string `json:"tool_name"`
	Query    string `json:"tool_query"`
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
}

type UsageData struct {
	Step  *llm.Usage `json:"step,omitempty"`
	Total llm.Usage  `json:"total"`
}

type ChunkData struct {
	Text string `json:"text"`
}

type MessageData struct {
	Message string `json:"message"`
}

type DoneData struct {
	TurnID   string    `json:"turn_id"`
	Thoughts int       `json:"thoughts"`
	Usage    llm.Usage `json:"usage"`
}
