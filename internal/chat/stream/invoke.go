package stream

import (
	"context"

	"go.uber.org/zap"

	"github.com/lk2023060901/ai-chat-backend/internal/chat/credential"
	"github.com/lk2023060901/ai-chat-backend/internal/chat/llm"
	"github.com/lk2023060901/ai-chat-backend/internal/chat/types"
	"github.com/lk2023060901/ai-chat-backend/internal/pkg/logger"
)

// Result is the terminal state of one turn's generation: the merged
// outcome, the classification of the error that ended it (zero value on
// success), and the credential that actually served the turn, which is
// the one billing is attributed to.
type Result struct {
	Outcome        *Outcome
	Classification llm.Classification
	Used           credential.Credential
	FellBack       bool
}

// Failed reports whether the turn ended in a user-facing error.
func (r *Result) Failed() bool {
	return r.Outcome.Err != nil && !r.Classification.Canceled
}

// Invoker runs the explicit two-attempt state machine around the model
// provider: primary credential first, then at most one fallback swap.
type Invoker struct {
	provider llm.Provider
	merger   *Merger
	logger   *logger.Logger
}

// NewInvoker creates an invoker
func NewInvoker(provider llm.Provider, merger *Merger, log *logger.Logger) *Invoker {
	return &Invoker{provider: provider, merger: merger, logger: log}
}

// Invoke generates a response, streaming merged events into out. The
// fallback fires at most once, only for a retryable failure that
// happened before any content reached the client; a partial answer
// always stands rather than risking a duplicated one.
func (iv *Invoker) Invoke(
	ctx context.Context,
	req *llm.GenerationRequest,
	res *credential.Resolution,
	out chan<- types.StreamEvent,
) *Result {
	attempts := []credential.Credential{res.Primary}
	if res.Fallback != nil {
		attempts = append(attempts, *res.Fallback)
	}

	var result *Result
	for i, cred := range attempts {
		req.Credential = cred
		result = iv.attempt(ctx, req, cred, out)
		result.FellBack = i > 0

		if result.Outcome.Err == nil {
			return result
		}

		canRetry := result.Classification.Retryable &&
			!result.Outcome.ContentEmitted &&
			i+1 < len(attempts)
		if !canRetry {
			return result
		}

		// The failed attempt emitted nothing, so the retry owns the
		// stream from its first event.
		iv.logger.Warn("primary credential failed before content, swapping to fallback",
			zap.String("provider", iv.provider.Name()),
			zap.Error(result.Outcome.Err))
	}
	return result
}

func (iv *Invoker) attempt(ctx context.Context, req *llm.GenerationRequest, cred credential.Credential, out chan<- types.StreamEvent) *Result {
	gs, err := iv.provider.Generate(ctx, req)
	if err != nil {
		return &Result{
			Outcome:        &Outcome{Err: err},
			Classification: llm.Classify(err),
			Used:           cred,
		}
	}

	outcome := iv.merger.Run(ctx, gs, out)
	result := &Result{Outcome: outcome, Used: cred}
	if outcome.Err != nil {
		result.Classification = llm.Classify(outcome.Err)
	}
	return result
}
