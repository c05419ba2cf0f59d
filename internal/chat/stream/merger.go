package stream

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lk2023060901/ai-chat-backend/internal/chat/llm"
	"github.com/lk2023060901/ai-chat-backend/internal/chat/types"
	"github.com/lk2023060901/ai-chat-backend/internal/pkg/logger"
)

// Outcome is everything one merged generation attempt produced.
type Outcome struct {
	Text      string
	Reasoning string
	ToolCalls []llm.ToolCall
	Usage     *types.TokenUsage

	// Err is the raw provider error that preempted the stream, nil on a
	// clean end. Classification belongs to the invoker.
	Err error

	// ContentEmitted reports whether any text reached the client; once
	// true a fallback attempt is off the table.
	ContentEmitted bool
}

// Merger composes a generation's channels into the single ordered
// client-visible event stream. Text is paced word by word to smooth
// perceived latency; nothing is ever reordered.
type Merger struct {
	wordDelay time.Duration
	logger    *logger.Logger
}

// NewMerger creates a merger. A zero wordDelay disables pacing.
func NewMerger(wordDelay time.Duration, log *logger.Logger) *Merger {
	return &Merger{wordDelay: wordDelay, logger: log}
}

// Run drains the generation stream into out and returns the outcome.
// It returns as soon as an error event arrives or every channel closes.
func (m *Merger) Run(ctx context.Context, gs *llm.GenerationStream, out chan<- types.StreamEvent) *Outcome {
	outcome := &Outcome{}

	var text, reasoning strings.Builder
	index := 0

	textCh := gs.Text
	reasoningCh := gs.Reasoning
	toolCh := gs.ToolCalls
	usageCh := gs.Usage
	errCh := gs.Errs

	for textCh != nil || reasoningCh != nil || toolCh != nil || usageCh != nil || errCh != nil {
		select {
		case <-ctx.Done():
			outcome.Err = ctx.Err()
			outcome.Text = text.String()
			outcome.Reasoning = reasoning.String()
			return outcome

		case delta, ok := <-textCh:
			if !ok {
				textCh = nil
				continue
			}
			text.WriteString(delta)
			outcome.ContentEmitted = true
			if !m.emitPaced(ctx, delta, &index, out) {
				outcome.Err = ctx.Err()
				outcome.Text = text.String()
				outcome.Reasoning = reasoning.String()
				return outcome
			}

		case delta, ok := <-reasoningCh:
			if !ok {
				reasoningCh = nil
				continue
			}
			reasoning.WriteString(delta)
			if !m.emit(ctx, out, types.StreamEvent{
				Type:      types.EventReasoning,
				Text:      delta,
				Index:     index,
				Timestamp: time.Now(),
			}) {
				outcome.Err = ctx.Err()
				outcome.Text = text.String()
				outcome.Reasoning = reasoning.String()
				return outcome
			}
			index++

		case tc, ok := <-toolCh:
			if !ok {
				toolCh = nil
				continue
			}
			outcome.ToolCalls = append(outcome.ToolCalls, tc)
			if !m.emit(ctx, out, types.StreamEvent{
				Type:      types.EventToolCall,
				ToolName:  tc.Name,
				ToolInput: tc.Arguments,
				Index:     index,
				Timestamp: time.Now(),
			}) {
				outcome.Err = ctx.Err()
				outcome.Text = text.String()
				outcome.Reasoning = reasoning.String()
				return outcome
			}
			index++

		case usage, ok := <-usageCh:
			if !ok {
				usageCh = nil
				continue
			}
			u := usage
			outcome.Usage = &u

		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				m.logger.Warn("generation stream preempted by error", zap.Error(err))
				outcome.Err = err
				outcome.Text = text.String()
				outcome.Reasoning = reasoning.String()
				return outcome
			}
		}
	}

	outcome.Text = text.String()
	outcome.Reasoning = reasoning.String()

	// The usage summary is terminal for the stream it closes.
	if outcome.Usage != nil {
		m.emit(ctx, out, types.StreamEvent{
			Type:      types.EventUsage,
			Usage:     outcome.Usage,
			Timestamp: time.Now(),
		})
	}

	return outcome
}

// emitPaced splits a text delta on word boundaries and emits each word
// with a fixed delay between them. Splitting keeps the whitespace, so
// concatenating the emitted events reproduces the delta exactly.
func (m *Merger) emitPaced(ctx context.Context, delta string, index *int, out chan<- types.StreamEvent) bool {
	words := strings.SplitAfter(delta, " ")
	for i, word := range words {
		if word == "" {
			continue
		}
		if m.wordDelay > 0 && i > 0 {
			select {
			case <-time.After(m.wordDelay):
			case <-ctx.Done():
				return false
			}
		}
		if !m.emit(ctx, out, types.StreamEvent{
			Type:      types.EventText,
			Text:      word,
			Index:     *index,
			Timestamp: time.Now(),
		}) {
			return false
		}
		*index++
	}
	return true
}

func (m *Merger) emit(ctx context.Context, out chan<- types.StreamEvent, ev types.StreamEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
