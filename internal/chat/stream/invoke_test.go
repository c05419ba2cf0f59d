package stream

import (
	"context"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/ai-chat-backend/internal/chat/credential"
	"github.com/lk2023060901/ai-chat-backend/internal/chat/llm"
	"github.com/lk2023060901/ai-chat-backend/internal/chat/types"
)

// scriptedProvider replays one scripted outcome per Generate call and
// records which credential each call was issued with.
type scriptedProvider struct {
	script   []providerCall
	credKeys []string
}

type providerCall struct {
	stream  *fakeStream
	openErr error
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Generate(_ context.Context, req *llm.GenerationRequest) (*llm.GenerationStream, error) {
	p.credKeys = append(p.credKeys, req.Credential.Key)
	if len(p.script) == 0 {
		panic("scriptedProvider: unexpected Generate call")
	}
	call := p.script[0]
	p.script = p.script[1:]
	if call.openErr != nil {
		return nil, call.openErr
	}
	return call.stream.run(), nil
}

func resolution(primaryKey, fallbackKey string) *credential.Resolution {
	res := &credential.Resolution{
		Primary: credential.Credential{Provider: "openai", Key: primaryKey, Owned: true},
	}
	if fallbackKey != "" {
		res.Fallback = &credential.Credential{Provider: "openai", Key: fallbackKey}
	}
	return res
}

func TestInvokeSuccessOnPrimary(t *testing.T) {
	p := &scriptedProvider{script: []providerCall{
		{stream: &fakeStream{text: []string{"hello"}, usage: &types.TokenUsage{TotalTokens: 3}}},
	}}
	iv := NewInvoker(p, NewMerger(0, testLogger(t)), testLogger(t))
	out := make(chan types.StreamEvent, 64)

	result := iv.Invoke(context.Background(), &llm.GenerationRequest{}, resolution("primary-key", "shared-key"), out)

	require.NoError(t, result.Outcome.Err)
	assert.False(t, result.FellBack)
	assert.False(t, result.Failed())
	assert.Equal(t, "primary-key", result.Used.Key)
	assert.Equal(t, []string{"primary-key"}, p.credKeys)
	assert.Equal(t, "hello", result.Outcome.Text)
}

func TestInvokeFallsBackOnRetryableOpenFailure(t *testing.T) {
	p := &scriptedProvider{script: []providerCall{
		{openErr: &openai.APIError{HTTPStatusCode: 401, Message: "bad key"}},
		{stream: &fakeStream{text: []string{"recovered"}}},
	}}
	iv := NewInvoker(p, NewMerger(0, testLogger(t)), testLogger(t))
	out := make(chan types.StreamEvent, 64)

	result := iv.Invoke(context.Background(), &llm.GenerationRequest{}, resolution("primary-key", "shared-key"), out)

	require.NoError(t, result.Outcome.Err)
	assert.True(t, result.FellBack)
	assert.Equal(t, "shared-key", result.Used.Key)
	assert.Equal(t, []string{"primary-key", "shared-key"}, p.credKeys)

	// The failed attempt leaked nothing onto the client stream.
	assert.Equal(t, "recovered", result.Outcome.Text)
	var rebuilt string
	for _, ev := range collect(out) {
		if ev.Type == types.EventText {
			rebuilt += ev.Text
		}
	}
	assert.Equal(t, "recovered", rebuilt)
}

func TestInvokeFallsBackOnRetryableStreamErrorBeforeContent(t *testing.T) {
	p := &scriptedProvider{script: []providerCall{
		{stream: &fakeStream{err: &openai.APIError{HTTPStatusCode: 503, Message: "overloaded"}}},
		{stream: &fakeStream{text: []string{"second try"}}},
	}}
	iv := NewInvoker(p, NewMerger(0, testLogger(t)), testLogger(t))
	out := make(chan types.StreamEvent, 64)

	result := iv.Invoke(context.Background(), &llm.GenerationRequest{}, resolution("primary-key", "shared-key"), out)

	require.NoError(t, result.Outcome.Err)
	assert.True(t, result.FellBack)
	assert.Equal(t, "second try", result.Outcome.Text)
}

func TestInvokeNoFallbackAfterPartialContent(t *testing.T) {
	p := &scriptedProvider{script: []providerCall{
		{stream: &fakeStream{
			text: []string{"partial "},
			err:  &openai.APIError{HTTPStatusCode: 503, Message: "overloaded"},
		}},
	}}
	iv := NewInvoker(p, NewMerger(0, testLogger(t)), testLogger(t))
	out := make(chan types.StreamEvent, 64)

	result := iv.Invoke(context.Background(), &llm.GenerationRequest{}, resolution("primary-key", "shared-key"), out)

	require.Error(t, result.Outcome.Err)
	assert.False(t, result.FellBack)
	assert.True(t, result.Failed())
	assert.Len(t, p.credKeys, 1, "a partial answer stands; no second attempt")
	assert.Equal(t, "primary-key", result.Used.Key)
}

func TestInvokeNoFallbackOnNonRetryableError(t *testing.T) {
	p := &scriptedProvider{script: []providerCall{
		{openErr: &openai.APIError{
			HTTPStatusCode: 400,
			Code:           "context_length_exceeded",
			Message:        "maximum context length exceeded",
		}},
	}}
	iv := NewInvoker(p, NewMerger(0, testLogger(t)), testLogger(t))
	out := make(chan types.StreamEvent, 8)

	result := iv.Invoke(context.Background(), &llm.GenerationRequest{}, resolution("primary-key", "shared-key"), out)

	require.Error(t, result.Outcome.Err)
	assert.False(t, result.FellBack)
	assert.Len(t, p.credKeys, 1)
	assert.False(t, result.Classification.Retryable)
}

func TestInvokeRetryableFailureWithoutFallbackCredential(t *testing.T) {
	p := &scriptedProvider{script: []providerCall{
		{openErr: &openai.APIError{HTTPStatusCode: 429, Message: "rate limited"}},
	}}
	iv := NewInvoker(p, NewMerger(0, testLogger(t)), testLogger(t))
	out := make(chan types.StreamEvent, 8)

	result := iv.Invoke(context.Background(), &llm.GenerationRequest{}, resolution("only-key", ""), out)

	require.Error(t, result.Outcome.Err)
	assert.False(t, result.FellBack)
	assert.Len(t, p.credKeys, 1)
	assert.True(t, result.Classification.Retryable)
}

func TestInvokeCancellationIsNotAFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := &scriptedProvider{script: []providerCall{
		{openErr: ctx.Err()},
	}}
	iv := NewInvoker(p, NewMerger(0, testLogger(t)), testLogger(t))
	out := make(chan types.StreamEvent, 8)

	result := iv.Invoke(ctx, &llm.GenerationRequest{}, resolution("primary-key", "shared-key"), out)

	require.Error(t, result.Outcome.Err)
	assert.True(t, result.Classification.Canceled)
	assert.False(t, result.Failed())
	assert.False(t, result.FellBack)
}
