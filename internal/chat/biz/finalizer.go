package biz

import (
	"context"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"github.com/lk2023060901/ai-chat-backend/internal/chat/llm"
	"github.com/lk2023060901/ai-chat-backend/internal/chat/retrieval"
	"github.com/lk2023060901/ai-chat-backend/internal/chat/stream"
	"github.com/lk2023060901/ai-chat-backend/internal/chat/types"
	"github.com/lk2023060901/ai-chat-backend/internal/pkg/logger"
)

// maxPartDepth bounds nested agent-boundary parts at persistence time.
const maxPartDepth = 8

// MessageWriter is the persistence surface the finalizer needs.
type MessageWriter interface {
	Create(ctx context.Context, msg *types.Message) (string, error)
}

// TokenEstimator counts tokens for usage accounting when the provider
// reported none. The zero value falls back to a bytes/4 heuristic.
type TokenEstimator struct {
	enc *tiktoken.Tiktoken
}

// NewTokenEstimator builds an estimator on the cl100k_base encoding.
// Failure to load the encoding is not fatal; the heuristic takes over.
func NewTokenEstimator(log *logger.Logger) *TokenEstimator {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		log.Warn("token encoding unavailable, using byte heuristic", zap.Error(err))
		return &TokenEstimator{}
	}
	return &TokenEstimator{enc: enc}
}

// Count estimates the token count of text.
func (e *TokenEstimator) Count(text string) int {
	if text == "" {
		return 0
	}
	if e.enc == nil {
		return (len(text) + 3) / 4
	}
	return len(e.enc.Encode(text, nil, nil))
}

// TurnRecord carries the per-turn facts the finalizer stamps onto the
// persisted assistant message.
type TurnRecord struct {
	ChatID          string
	ParentID        string
	Model           string
	SearchEnabled   bool
	ReasoningEffort string
	StartedAt       time.Time
	Bundle          *retrieval.ContextBundle
}

// Finalizer writes the single assistant record that ends a turn. Every
// turn persists exactly one assistant message: an error record or a
// success record, never both and never neither.
type Finalizer struct {
	messages  MessageWriter
	estimator *TokenEstimator
	logger    *logger.Logger
}

// NewFinalizer creates a finalizer
func NewFinalizer(messages MessageWriter, estimator *TokenEstimator, log *logger.Logger) *Finalizer {
	return &Finalizer{messages: messages, estimator: estimator, logger: log}
}

// Finalize persists the turn's assistant message and returns it. The
// write survives client disconnect: by the time Finalize runs, the
// generation is over and losing the record helps nobody.
func (f *Finalizer) Finalize(ctx context.Context, rec *TurnRecord, result *stream.Result) (*types.Message, error) {
	outcome := result.Outcome
	cls := result.Classification

	// A provider error blob that slipped through as content is still a
	// failed turn, even though no error event fired.
	userErr := ""
	if result.Failed() {
		userErr = cls.UserMessage
	} else if leaked := llm.DetectLeakedError(outcome.Text); leaked != "" {
		f.logger.Warn("provider error leaked into content stream",
			zap.String("chat_id", rec.ChatID))
		userErr = leaked
	}

	msg := &types.Message{
		ChatID:   rec.ChatID,
		ParentID: rec.ParentID,
		Role:     "assistant",
		Metadata: types.MessageMetadata{
			Model:           rec.Model,
			ElapsedMS:       time.Since(rec.StartedAt).Milliseconds(),
			SearchEnabled:   rec.SearchEnabled,
			ReasoningEffort: rec.ReasoningEffort,
			IsError:         userErr != "",
			StoppedByUser:   cls.Canceled,
		},
	}

	if userErr != "" {
		msg.Parts = f.errorParts(outcome, userErr)
	} else {
		msg.Parts = f.successParts(outcome, rec.Bundle)
	}
	msg.Parts = sanitizeParts(msg.Parts, 1)
	msg.Metadata.Usage = f.accountUsage(outcome, msg.Parts)

	writeCtx := context.WithoutCancel(ctx)
	if _, err := f.messages.Create(writeCtx, msg); err != nil {
		f.logger.Error("assistant message write failed, retrying text-only",
			zap.String("chat_id", rec.ChatID), zap.Error(err))

		// Fallback keeps the answer text even if a structured part does
		// not survive encoding.
		fallback := *msg
		fallback.ID = ""
		fallback.Parts = []types.Part{{Type: types.PartText, Text: textOf(msg.Parts, userErr, outcome)}}
		if _, err := f.messages.Create(writeCtx, &fallback); err != nil {
			return nil, err
		}
		return &fallback, nil
	}
	return msg, nil
}

// errorParts keeps whatever content already reached the client ahead of
// the user-facing error text.
func (f *Finalizer) errorParts(outcome *stream.Outcome, userErr string) []types.Part {
	var parts []types.Part
	if outcome.Reasoning != "" {
		parts = append(parts, types.Part{Type: types.PartReasoning, Text: outcome.Reasoning})
	}
	if outcome.ContentEmitted && outcome.Text != "" {
		parts = append(parts, types.Part{Type: types.PartText, Text: outcome.Text})
	}
	parts = append(parts, types.Part{Type: types.PartText, Text: userErr})
	return parts
}

func (f *Finalizer) successParts(outcome *stream.Outcome, bundle *retrieval.ContextBundle) []types.Part {
	var parts []types.Part
	if outcome.Reasoning != "" {
		parts = append(parts, types.Part{Type: types.PartReasoning, Text: outcome.Reasoning})
	}
	for _, tc := range outcome.ToolCalls {
		parts = append(parts, types.Part{
			Type: types.PartBoundary,
			Data: map[string]interface{}{
				"tool":      tc.Name,
				"arguments": tc.Arguments,
				"result":    tc.Result,
			},
		})
	}
	parts = append(parts, types.Part{Type: types.PartText, Text: outcome.Text})

	if bundle != nil && (len(bundle.ImageMap) > 0 || len(bundle.RelatedImages) > 0 || bundle.ImagesSkipped) {
		data := map[string]interface{}{}
		if len(bundle.ImageMap) > 0 {
			data["image_map"] = bundle.ImageMap
		}
		if len(bundle.RelatedImages) > 0 {
			data["related_images"] = bundle.RelatedImages
		}
		if bundle.ImagesSkipped {
			data["images_skipped"] = true
		}
		parts = append(parts, types.Part{Type: types.PartDataImage, Data: data})
	}
	return parts
}

// accountUsage sums the provider totals with any usage reported at agent
// boundaries, falling back to an estimate when nothing was reported.
func (f *Finalizer) accountUsage(outcome *stream.Outcome, parts []types.Part) *types.TokenUsage {
	total := &types.TokenUsage{}
	total.Add(outcome.Usage)
	foldBoundaryUsage(parts, total)

	if total.TotalTokens == 0 {
		total.CompletionTokens = f.estimator.Count(outcome.Text) + f.estimator.Count(outcome.Reasoning)
		total.TotalTokens = total.CompletionTokens
	}
	return total
}

func foldBoundaryUsage(parts []types.Part, total *types.TokenUsage) {
	for i := range parts {
		if parts[i].Type == types.PartBoundary {
			total.Add(parts[i].Usage)
		}
		foldBoundaryUsage(parts[i].Parts, total)
	}
}

// sanitizeParts strips transient parts and cuts nesting past the depth
// limit.
func sanitizeParts(parts []types.Part, depth int) []types.Part {
	out := make([]types.Part, 0, len(parts))
	for _, p := range parts {
		if p.Transient {
			continue
		}
		if depth >= maxPartDepth {
			p.Parts = nil
		} else {
			p.Parts = sanitizeParts(p.Parts, depth+1)
		}
		out = append(out, p)
	}
	return out
}

func textOf(parts []types.Part, userErr string, outcome *stream.Outcome) string {
	if userErr != "" {
		return userErr
	}
	if outcome.Text != "" {
		return outcome.Text
	}
	for _, p := range parts {
		if p.Type == types.PartText && p.Text != "" {
			return p.Text
		}
	}
	return ""
}
