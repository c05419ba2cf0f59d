package types

import "time"

// Part types stored in a message record.
const (
	PartText      = "text"
	PartReasoning = "reasoning"
	PartFile      = "file"
	PartDataImage = "data-rag-images"
	PartBoundary  = "agent-boundary"
)

// Part is one ordered content part of a message. Parts may nest (agent
// boundaries wrap the sub-run they delimit); nesting is depth-limited at
// persistence time.
type Part struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	// File references
	FileURL  string `json:"file_url,omitempty"`
	MimeType string `json:"mime_type,omitempty"`

	// Data parts (image metadata and similar structured payloads)
	Data map[string]interface{} `json:"data,omitempty"`

	// Usage reported at an agent boundary, folded into the message total.
	Usage *TokenUsage `json:"usage,omitempty"`

	// Transient parts are stream-only markers and are stripped before
	// the durable write.
	Transient bool `json:"transient,omitempty"`

	Parts []Part `json:"parts,omitempty"`
}

// TokenUsage is the provider-reported or estimated token accounting.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add sums usage in place.
func (u *TokenUsage) Add(other *TokenUsage) {
	if other == nil {
		return
	}
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// MessageMetadata is the metadata column of a persisted message.
type MessageMetadata struct {
	Model           string      `json:"model,omitempty"`
	Usage           *TokenUsage `json:"usage,omitempty"`
	ElapsedMS       int64       `json:"elapsed_ms,omitempty"`
	SearchEnabled   bool        `json:"search_enabled,omitempty"`
	ReasoningEffort string      `json:"reasoning_effort,omitempty"`
	IsError         bool        `json:"is_error,omitempty"`
	StoppedByUser   bool        `json:"stopped_by_user,omitempty"`
}

// Message is the domain view of a persisted message record. Parts are
// immutable once written; only delete-with-descendants may remove them.
type Message struct {
	ID        string          `json:"id"`
	ChatID    string          `json:"chat_id"`
	ParentID  string          `json:"parent_id,omitempty"`
	Role      string          `json:"role"`
	Parts     []Part          `json:"parts"`
	Metadata  MessageMetadata `json:"metadata"`
	CreatedAt time.Time       `json:"created_at"`
}

// TextContent concatenates the text parts of a message.
func (m *Message) TextContent() string {
	out := ""
	for _, p := range m.Parts {
		if p.Type == PartText && p.Text != "" {
			if out != "" {
				out += "\n"
			}
			out += p.Text
		}
	}
	return out
}
