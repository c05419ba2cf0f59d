package llm

import (
	"context"

	"github.com/lk2023060901/ai-chat-backend/internal/chat/credential"
	"github.com/lk2023060901/ai-chat-backend/internal/chat/types"
)

// ToolCall is one tool invocation surfaced on the stream.
type ToolCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	Result    string `json:"result,omitempty"`
}

// GenerationStream exposes one generation call as independent event
// channels. The producer closes every channel when the call ends;
// errors may arrive on Errs at any time and preempt normal termination.
type GenerationStream struct {
	Text      <-chan string
	Reasoning <-chan string
	ToolCalls <-chan ToolCall
	Usage     <-chan types.TokenUsage
	Errs      <-chan error
}

// GenerationRequest is the provider-neutral input for one generation.
type GenerationRequest struct {
	Model           string
	System          string
	Context         string // retrieval context block, empty for context-free
	Messages        []types.IncomingMessage
	ReasoningEffort string
	EnableSearch    bool
	Credential      credential.Credential
}

// Provider adapts one generation backend. Generate returns an error for
// failures before the stream opens (these are fallback-eligible);
// failures after that arrive on the stream's error channel.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req *GenerationRequest) (*GenerationStream, error)
}

// SearchFunc executes the single search tool made available to the
// model when search augmentation is enabled for the turn.
type SearchFunc func(ctx context.Context, query string) (string, error)
