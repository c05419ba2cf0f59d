package biz

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/ai-chat-backend/internal/chat/llm"
	"github.com/lk2023060901/ai-chat-backend/internal/chat/retrieval"
	"github.com/lk2023060901/ai-chat-backend/internal/chat/stream"
	"github.com/lk2023060901/ai-chat-backend/internal/chat/types"
	"github.com/lk2023060901/ai-chat-backend/internal/pkg/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(&logger.Config{Level: "error", Format: "json", Output: "console"})
	require.NoError(t, err)
	return log
}

type fakeWriter struct {
	failures int
	created  []*types.Message
}

func (w *fakeWriter) Create(_ context.Context, msg *types.Message) (string, error) {
	if w.failures > 0 {
		w.failures--
		return "", errors.New("jsonb encode failure")
	}
	msg.ID = fmt.Sprintf("msg-%d", len(w.created)+1)
	w.created = append(w.created, msg)
	return msg.ID, nil
}

func newFinalizer(t *testing.T, w *fakeWriter) *Finalizer {
	t.Helper()
	// Zero-value estimator uses the byte heuristic; no encoding download
	// in tests.
	return NewFinalizer(w, &TokenEstimator{}, testLogger(t))
}

func record() *TurnRecord {
	return &TurnRecord{
		ChatID:        "chat-1",
		ParentID:      "user-msg-1",
		Model:         "gpt-4o",
		SearchEnabled: true,
		StartedAt:     time.Now().Add(-2 * time.Second),
	}
}

func TestFinalizeSuccessRecord(t *testing.T) {
	w := &fakeWriter{}
	f := newFinalizer(t, w)

	result := &stream.Result{
		Outcome: &stream.Outcome{
			Text:           "The answer is 42.",
			Reasoning:      "compute",
			Usage:          &types.TokenUsage{PromptTokens: 12, CompletionTokens: 6, TotalTokens: 18},
			ContentEmitted: true,
		},
	}

	msg, err := f.Finalize(context.Background(), record(), result)
	require.NoError(t, err)
	require.Len(t, w.created, 1)

	assert.False(t, msg.Metadata.IsError)
	assert.Equal(t, "assistant", msg.Role)
	assert.Equal(t, "user-msg-1", msg.ParentID)
	assert.Equal(t, "The answer is 42.", msg.TextContent())
	assert.Equal(t, 18, msg.Metadata.Usage.TotalTokens)
	assert.GreaterOrEqual(t, msg.Metadata.ElapsedMS, int64(2000))

	require.Len(t, msg.Parts, 2)
	assert.Equal(t, types.PartReasoning, msg.Parts[0].Type)
	assert.Equal(t, types.PartText, msg.Parts[1].Type)
}

func TestFinalizeErrorRecordKeepsPartialContent(t *testing.T) {
	w := &fakeWriter{}
	f := newFinalizer(t, w)

	result := &stream.Result{
		Outcome: &stream.Outcome{
			Text:           "partial answer ",
			Err:            errors.New("stream died"),
			ContentEmitted: true,
		},
		Classification: llm.Classification{
			Recognized:  true,
			UserMessage: "The model provider had a temporary problem. Please try again.",
		},
	}

	msg, err := f.Finalize(context.Background(), record(), result)
	require.NoError(t, err)

	assert.True(t, msg.Metadata.IsError)
	require.Len(t, msg.Parts, 2)
	assert.Equal(t, "partial answer ", msg.Parts[0].Text)
	assert.Contains(t, msg.Parts[1].Text, "temporary problem")
}

func TestFinalizeDetectsLeakedErrorBlob(t *testing.T) {
	w := &fakeWriter{}
	f := newFinalizer(t, w)

	result := &stream.Result{
		Outcome: &stream.Outcome{
			Text:           `{"error": {"message": "maximum context length is 8192 tokens"}}`,
			ContentEmitted: true,
		},
	}

	msg, err := f.Finalize(context.Background(), record(), result)
	require.NoError(t, err)

	assert.True(t, msg.Metadata.IsError)
	assert.Contains(t, msg.TextContent(), "too long")
}

func TestFinalizeCancelledTurnIsNotAnError(t *testing.T) {
	w := &fakeWriter{}
	f := newFinalizer(t, w)

	result := &stream.Result{
		Outcome: &stream.Outcome{
			Text:           "stopped mid-",
			Err:            context.Canceled,
			ContentEmitted: true,
		},
		Classification: llm.Classification{Canceled: true},
	}

	msg, err := f.Finalize(context.Background(), record(), result)
	require.NoError(t, err)

	assert.False(t, msg.Metadata.IsError)
	assert.True(t, msg.Metadata.StoppedByUser)
	assert.Equal(t, "stopped mid-", msg.TextContent())
}

func TestFinalizeEmbedsImageMetadata(t *testing.T) {
	w := &fakeWriter{}
	f := newFinalizer(t, w)

	rec := record()
	rec.Bundle = &retrieval.ContextBundle{
		ImageMap:      map[string]retrieval.Image{"1": {URL: "https://cdn.example.com/a.png"}},
		ImagesSkipped: true,
	}
	result := &stream.Result{
		Outcome: &stream.Outcome{Text: "See [img:1].", ContentEmitted: true},
	}

	msg, err := f.Finalize(context.Background(), rec, result)
	require.NoError(t, err)

	last := msg.Parts[len(msg.Parts)-1]
	assert.Equal(t, types.PartDataImage, last.Type)
	assert.NotNil(t, last.Data["image_map"])
	assert.Equal(t, true, last.Data["images_skipped"])
}

func TestFinalizeEstimatesUsageWhenProviderReportedNone(t *testing.T) {
	w := &fakeWriter{}
	f := newFinalizer(t, w)

	result := &stream.Result{
		Outcome: &stream.Outcome{Text: "twelve bytes", ContentEmitted: true},
	}

	msg, err := f.Finalize(context.Background(), record(), result)
	require.NoError(t, err)

	require.NotNil(t, msg.Metadata.Usage)
	assert.Equal(t, 3, msg.Metadata.Usage.CompletionTokens)
	assert.Equal(t, 3, msg.Metadata.Usage.TotalTokens)
}

func TestFinalizeFoldsBoundaryUsage(t *testing.T) {
	total := &types.TokenUsage{TotalTokens: 10}
	foldBoundaryUsage([]types.Part{
		{Type: types.PartBoundary, Usage: &types.TokenUsage{TotalTokens: 5}, Parts: []types.Part{
			{Type: types.PartBoundary, Usage: &types.TokenUsage{TotalTokens: 2}},
		}},
		{Type: types.PartText, Text: "x"},
	}, total)

	assert.Equal(t, 17, total.TotalTokens)
}

func TestSanitizeStripsTransientAndLimitsDepth(t *testing.T) {
	deep := types.Part{Type: types.PartBoundary}
	node := &deep
	for i := 0; i < 12; i++ {
		child := types.Part{Type: types.PartBoundary}
		node.Parts = []types.Part{child}
		node = &node.Parts[0]
	}

	parts := sanitizeParts([]types.Part{
		{Type: types.PartText, Text: "keep"},
		{Type: types.PartText, Text: "drop", Transient: true},
		deep,
	}, 1)

	require.Len(t, parts, 2)
	assert.Equal(t, "keep", parts[0].Text)

	depth := 1
	node = &parts[1]
	for len(node.Parts) > 0 {
		depth++
		node = &node.Parts[0]
	}
	assert.LessOrEqual(t, depth, maxPartDepth)
}

func TestFinalizeFallsBackToTextOnlyWrite(t *testing.T) {
	w := &fakeWriter{failures: 1}
	f := newFinalizer(t, w)

	rec := record()
	rec.Bundle = &retrieval.ContextBundle{
		ImageMap: map[string]retrieval.Image{"1": {URL: "https://cdn.example.com/a.png"}},
	}
	result := &stream.Result{
		Outcome: &stream.Outcome{Text: "the answer", ContentEmitted: true},
	}

	msg, err := f.Finalize(context.Background(), rec, result)
	require.NoError(t, err)
	require.Len(t, w.created, 1)

	require.Len(t, msg.Parts, 1)
	assert.Equal(t, types.PartText, msg.Parts[0].Type)
	assert.Equal(t, "the answer", msg.Parts[0].Text)
}

func TestFinalizeReturnsErrorWhenBothWritesFail(t *testing.T) {
	w := &fakeWriter{failures: 2}
	f := newFinalizer(t, w)

	result := &stream.Result{
		Outcome: &stream.Outcome{Text: "lost", ContentEmitted: true},
	}

	_, err := f.Finalize(context.Background(), record(), result)
	assert.Error(t, err)
	assert.Empty(t, w.created)
}
