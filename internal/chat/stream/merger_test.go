package stream

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/ai-chat-backend/internal/chat/llm"
	"github.com/lk2023060901/ai-chat-backend/internal/chat/types"
	"github.com/lk2023060901/ai-chat-backend/internal/pkg/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(&logger.Config{Level: "error", Format: "json", Output: "console"})
	require.NoError(t, err)
	return log
}

// fakeStream builds a GenerationStream that replays scripted channel
// traffic and then closes everything.
type fakeStream struct {
	text      []string
	reasoning []string
	toolCalls []llm.ToolCall
	usage     *types.TokenUsage
	err       error
}

func (f *fakeStream) run() *llm.GenerationStream {
	textCh := make(chan string, len(f.text)+1)
	reasoningCh := make(chan string, len(f.reasoning)+1)
	toolCh := make(chan llm.ToolCall, len(f.toolCalls)+1)
	usageCh := make(chan types.TokenUsage, 1)
	errCh := make(chan error, 1)

	go func() {
		for _, r := range f.reasoning {
			reasoningCh <- r
		}
		close(reasoningCh)
		for _, tc := range f.toolCalls {
			toolCh <- tc
		}
		close(toolCh)
		for _, d := range f.text {
			textCh <- d
		}
		close(textCh)
		if f.err != nil {
			errCh <- f.err
		} else if f.usage != nil {
			usageCh <- *f.usage
		}
		close(usageCh)
		close(errCh)
	}()

	return &llm.GenerationStream{
		Text:      textCh,
		Reasoning: reasoningCh,
		ToolCalls: toolCh,
		Usage:     usageCh,
		Errs:      errCh,
	}
}

func collect(out chan types.StreamEvent) []types.StreamEvent {
	close(out)
	var events []types.StreamEvent
	for ev := range out {
		events = append(events, ev)
	}
	return events
}

func TestMergerPreservesTextExactly(t *testing.T) {
	fs := &fakeStream{
		text:  []string{"Quarks are ", "elementary particles ", "of matter."},
		usage: &types.TokenUsage{PromptTokens: 10, CompletionTokens: 8, TotalTokens: 18},
	}
	out := make(chan types.StreamEvent, 256)

	m := NewMerger(0, testLogger(t))
	outcome := m.Run(context.Background(), fs.run(), out)

	require.NoError(t, outcome.Err)
	assert.Equal(t, "Quarks are elementary particles of matter.", outcome.Text)
	assert.True(t, outcome.ContentEmitted)
	require.NotNil(t, outcome.Usage)
	assert.Equal(t, 18, outcome.Usage.TotalTokens)

	events := collect(out)

	// Concatenating the paced word events reproduces the text exactly.
	var rebuilt strings.Builder
	lastIndex := -1
	var sawUsage bool
	for _, ev := range events {
		switch ev.Type {
		case types.EventText:
			rebuilt.WriteString(ev.Text)
			assert.Greater(t, ev.Index, lastIndex, "text deltas must stay in generation order")
			lastIndex = ev.Index
			assert.False(t, sawUsage, "usage must be terminal")
		case types.EventUsage:
			sawUsage = true
		}
	}
	assert.Equal(t, outcome.Text, rebuilt.String())
	assert.True(t, sawUsage)
}

func TestMergerKeepsPerChannelOrder(t *testing.T) {
	fs := &fakeStream{
		reasoning: []string{"thinking A", "thinking B"},
		text:      []string{"answer"},
	}
	out := make(chan types.StreamEvent, 64)

	m := NewMerger(0, testLogger(t))
	outcome := m.Run(context.Background(), fs.run(), out)

	require.NoError(t, outcome.Err)
	assert.Equal(t, "thinking Athinking B", outcome.Reasoning)

	var reasonings []string
	for _, ev := range collect(out) {
		if ev.Type == types.EventReasoning {
			reasonings = append(reasonings, ev.Text)
		}
	}
	assert.Equal(t, []string{"thinking A", "thinking B"}, reasonings)
}

func TestMergerSurfacesToolCalls(t *testing.T) {
	fs := &fakeStream{
		toolCalls: []llm.ToolCall{{Name: "web_search", Arguments: `{"query":"latest go release"}`}},
		text:      []string{"Go 1.24 is out."},
	}
	out := make(chan types.StreamEvent, 64)

	m := NewMerger(0, testLogger(t))
	outcome := m.Run(context.Background(), fs.run(), out)

	require.NoError(t, outcome.Err)
	require.Len(t, outcome.ToolCalls, 1)

	var sawTool bool
	for _, ev := range collect(out) {
		if ev.Type == types.EventToolCall {
			sawTool = true
			assert.Equal(t, "web_search", ev.ToolName)
		}
	}
	assert.True(t, sawTool)
}

func TestMergerErrorPreemptsStream(t *testing.T) {
	fs := &fakeStream{
		text: []string{"partial "},
		err:  errors.New("connection dropped"),
	}
	out := make(chan types.StreamEvent, 64)

	m := NewMerger(0, testLogger(t))
	outcome := m.Run(context.Background(), fs.run(), out)

	require.Error(t, outcome.Err)
	assert.True(t, outcome.ContentEmitted)
	assert.Equal(t, "partial ", outcome.Text)

	// No usage event is emitted on an error-preempted stream.
	for _, ev := range collect(out) {
		assert.NotEqual(t, types.EventUsage, ev.Type)
	}
}

func TestMergerErrorBeforeContent(t *testing.T) {
	fs := &fakeStream{err: errors.New("bad key")}
	out := make(chan types.StreamEvent, 8)

	m := NewMerger(0, testLogger(t))
	outcome := m.Run(context.Background(), fs.run(), out)

	require.Error(t, outcome.Err)
	assert.False(t, outcome.ContentEmitted)
	assert.Empty(t, collect(out))
}

func TestMergerStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	textCh := make(chan string)
	gs := &llm.GenerationStream{
		Text:      textCh,
		Reasoning: make(chan string),
		ToolCalls: make(chan llm.ToolCall),
		Usage:     make(chan types.TokenUsage),
		Errs:      make(chan error),
	}

	out := make(chan types.StreamEvent, 8)
	m := NewMerger(0, testLogger(t))
	outcome := m.Run(ctx, gs, out)

	assert.ErrorIs(t, outcome.Err, context.Canceled)
}
