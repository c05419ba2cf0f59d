package types

import "time"

// EventType tags one client-visible stream event.
type EventType string

const (
	EventStart     EventType = "start"
	EventText      EventType = "text"
	EventReasoning EventType = "reasoning"
	EventToolCall  EventType = "tool_call"
	EventUsage     EventType = "usage"
	EventError     EventType = "error"
	EventDone      EventType = "done"
)

// StreamEvent is the single merged event stream sent to the client.
// Text and reasoning deltas arrive in generation order; usage is always
// terminal for the generation it summarizes; an error event carries a
// user-facing message, never a raw internal error.
type StreamEvent struct {
	Type      EventType   `json:"type"`
	Text      string      `json:"text,omitempty"`
	Index     int         `json:"index,omitempty"`
	ToolName  string      `json:"tool_name,omitempty"`
	ToolInput string      `json:"tool_input,omitempty"`
	Usage     *TokenUsage `json:"usage,omitempty"`
	Error     string      `json:"error,omitempty"`
	MessageID string      `json:"message_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}
