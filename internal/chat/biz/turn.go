package biz

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lk2023060901/ai-chat-backend/internal/chat/credential"
	"github.com/lk2023060901/ai-chat-backend/internal/chat/llm"
	"github.com/lk2023060901/ai-chat-backend/internal/chat/retrieval"
	"github.com/lk2023060901/ai-chat-backend/internal/chat/stream"
	"github.com/lk2023060901/ai-chat-backend/internal/chat/types"
	"github.com/lk2023060901/ai-chat-backend/internal/conf"
	apperrors "github.com/lk2023060901/ai-chat-backend/internal/pkg/errors"
	"github.com/lk2023060901/ai-chat-backend/internal/pkg/logger"
)

// MessageStore is the message persistence surface of a turn.
type MessageStore interface {
	MessageWriter
	GetByID(ctx context.Context, id string) (*types.Message, error)
	DeleteWithDescendants(ctx context.Context, id string) error
}

// CredentialReader loads the caller's stored provider credentials.
type CredentialReader interface {
	OwnedCredentials(ctx context.Context, userID string) ([]credential.Credential, error)
}

// ContextAugmenter produces the optional retrieval bundle for a turn.
type ContextAugmenter interface {
	Augment(ctx context.Context, query, userID string) *retrieval.ContextBundle
}

// QuotaKeeper enforces and records the daily limits.
type QuotaKeeper interface {
	AssertNotOverLimit(ctx context.Context, userID, timezone string) error
	AssertAPIKeyAvailable(ctx context.Context, userID, timezone string) error
	IncrementMessageCount(ctx context.Context, userID, timezone string)
	IncrementAPIKeyUsage(ctx context.Context, userID, timezone string)
}

// PreparedTurn is everything decided before the first streamed byte:
// mode, credential, retrieval bundle and the persisted user message.
// The transport layer reads Bundle for the metadata headers between
// Prepare and Stream.
type PreparedTurn struct {
	Request    *types.TurnRequest
	Mode       types.TurnMode
	Resolution *credential.Resolution
	Bundle     *retrieval.ContextBundle

	// UserMessageID parents the assistant record. Empty only when a
	// reload reuses the original user message.
	UserMessageID string
	StartedAt     time.Time

	timezone string
}

// TurnUseCase orchestrates one chat turn end to end.
type TurnUseCase struct {
	messages    MessageStore
	credentials CredentialReader
	augmenter   ContextAugmenter
	quota       QuotaKeeper
	invoker     *stream.Invoker
	finalizer   *Finalizer
	cfg         *conf.ProviderConfig
	logger      *logger.Logger
}

// NewTurnUseCase creates a turn use case
func NewTurnUseCase(
	messages MessageStore,
	credentials CredentialReader,
	augmenter ContextAugmenter,
	quota QuotaKeeper,
	invoker *stream.Invoker,
	finalizer *Finalizer,
	cfg *conf.ProviderConfig,
	log *logger.Logger,
) *TurnUseCase {
	return &TurnUseCase{
		messages:    messages,
		credentials: credentials,
		augmenter:   augmenter,
		quota:       quota,
		invoker:     invoker,
		finalizer:   finalizer,
		cfg:         cfg,
		logger:      log,
	}
}

// Prepare validates the request and runs every pre-stream step: quota,
// credential resolution, mode bookkeeping, the user message write and
// the retrieval attempt. After Prepare succeeds the transport can set
// response headers and open the event stream.
func (uc *TurnUseCase) Prepare(ctx context.Context, req *types.TurnRequest) (*PreparedTurn, error) {
	mode, err := req.Mode()
	if err != nil {
		return nil, err
	}
	if req.Model == "" {
		req.Model = uc.cfg.DefaultModel
	}

	p := &PreparedTurn{
		Request:   req,
		Mode:      mode,
		StartedAt: time.Now(),
		timezone:  req.Timezone(),
	}

	if err := uc.quota.AssertNotOverLimit(ctx, req.UserID, p.timezone); err != nil {
		// The rejection still becomes part of the conversation, so the
		// client renders it in place instead of silently dropping the
		// user's message.
		uc.persistQuotaRejection(ctx, req, mode, err)
		return nil, err
	}

	if p.Resolution, err = uc.resolveCredential(ctx, req); err != nil {
		return nil, err
	}
	if !p.Resolution.Primary.Owned {
		if err := uc.quota.AssertAPIKeyAvailable(ctx, req.UserID, p.timezone); err != nil {
			uc.persistQuotaRejection(ctx, req, mode, err)
			return nil, err
		}
	}

	if p.UserMessageID, err = uc.applyMode(ctx, req, mode); err != nil {
		return nil, err
	}

	if req.EnableRAG {
		p.Bundle = uc.augmenter.Augment(ctx, req.LatestUserText(), req.UserID)
	}

	return p, nil
}

// Stream runs the generation under the turn ceiling, streams merged
// events into out, persists the single assistant record and settles the
// quota counters. It returns the persisted message.
func (uc *TurnUseCase) Stream(ctx context.Context, p *PreparedTurn, out chan<- types.StreamEvent) (*types.Message, *stream.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, uc.cfg.TurnCeiling)
	defer cancel()

	genReq := &llm.GenerationRequest{
		Model:           p.Request.Model,
		System:          personaPrompt(p.Request.PersonaID),
		Messages:        p.Request.Messages,
		ReasoningEffort: p.Request.ReasoningEffort,
		EnableSearch:    p.Request.EnableSearch,
	}
	if p.Bundle != nil {
		genReq.Context = p.Bundle.Context
	}

	result := uc.invoker.Invoke(ctx, genReq, p.Resolution, out)

	rec := &TurnRecord{
		ChatID:          p.Request.ChatID,
		ParentID:        p.UserMessageID,
		Model:           p.Request.Model,
		SearchEnabled:   p.Request.EnableSearch,
		ReasoningEffort: p.Request.ReasoningEffort,
		StartedAt:       p.StartedAt,
		Bundle:          p.Bundle,
	}
	msg, err := uc.finalizer.Finalize(ctx, rec, result)
	if err != nil {
		uc.logger.Error("turn finalization failed",
			zap.String("chat_id", p.Request.ChatID), zap.Error(err))
		return nil, result, err
	}

	// Counters settle after the record exists and only when generation
	// succeeded, attributed to the credential that actually served the
	// turn. Failed and cancelled turns are never billed.
	if result.Outcome.Err == nil {
		bookCtx := context.WithoutCancel(ctx)
		uc.quota.IncrementMessageCount(bookCtx, p.Request.UserID, p.timezone)
		if !result.Used.Owned {
			uc.quota.IncrementAPIKeyUsage(bookCtx, p.Request.UserID, p.timezone)
		}
	}

	return msg, result, nil
}

func (uc *TurnUseCase) resolveCredential(ctx context.Context, req *types.TurnRequest) (*credential.Resolution, error) {
	owned, err := uc.credentials.OwnedCredentials(ctx, req.UserID)
	if err != nil {
		// Stored credentials being unreadable should not block shared-key
		// models.
		uc.logger.Warn("failed to load stored credentials",
			zap.String("user_id", req.UserID), zap.Error(err))
		owned = nil
	}

	var shared *credential.Credential
	if uc.cfg.SharedAPIKey != "" {
		shared = &credential.Credential{
			Provider: "openai",
			Key:      uc.cfg.SharedAPIKey,
			BaseURL:  uc.cfg.BaseURL,
		}
	}

	return credential.Resolve(lookupModel(req.Model), shared, owned)
}

// applyMode performs the history surgery of reload and edit turns and
// persists the user message where the mode calls for one. It returns
// the id of the user message the assistant record will parent to.
func (uc *TurnUseCase) applyMode(ctx context.Context, req *types.TurnRequest, mode types.TurnMode) (string, error) {
	switch mode {
	case types.ModeReload:
		// Regeneration reuses the original user message; the superseded
		// assistant answer and everything under it goes away first.
		old, err := uc.messages.GetByID(ctx, req.ReloadAssistantMessageID)
		if err != nil {
			return "", apperrors.Wrap(err, apperrors.ErrMessageNotFound)
		}
		if old.ChatID != req.ChatID {
			return "", apperrors.New(apperrors.ErrMessageNotFound, "message belongs to another chat")
		}
		if err := uc.messages.DeleteWithDescendants(ctx, old.ID); err != nil {
			return "", err
		}
		return old.ParentID, nil

	case types.ModeEdit:
		// Editing replaces the user message in place: the old one and
		// its whole subtree are removed, the edited text is written at
		// the same position.
		old, err := uc.messages.GetByID(ctx, req.EditMessageID)
		if err != nil {
			return "", apperrors.Wrap(err, apperrors.ErrMessageNotFound)
		}
		if old.ChatID != req.ChatID {
			return "", apperrors.New(apperrors.ErrMessageNotFound, "message belongs to another chat")
		}
		if err := uc.messages.DeleteWithDescendants(ctx, old.ID); err != nil {
			return "", err
		}
		return uc.saveUserMessage(ctx, req, old.ParentID)

	default:
		return uc.saveUserMessage(ctx, req, "")
	}
}

func (uc *TurnUseCase) saveUserMessage(ctx context.Context, req *types.TurnRequest, parentID string) (string, error) {
	text := req.LatestUserText()
	if text == "" {
		return "", apperrors.New(apperrors.ErrInvalidTurnRequest, "no user message in history")
	}
	msg := &types.Message{
		ChatID:   req.ChatID,
		ParentID: parentID,
		Role:     "user",
		Parts:    []types.Part{{Type: types.PartText, Text: text}},
	}
	return uc.messages.Create(ctx, msg)
}

// persistQuotaRejection records an error-flagged assistant record for a
// turn that never reached the provider, keeping the error-xor-success
// shape. Normal and edit turns persist the user's message first; a
// rejected reload parents the record to the original user message, which
// already exists, and performs no history surgery.
func (uc *TurnUseCase) persistQuotaRejection(ctx context.Context, req *types.TurnRequest, mode types.TurnMode, quotaErr error) {
	var parentID string
	if mode == types.ModeReload {
		old, err := uc.messages.GetByID(ctx, req.ReloadAssistantMessageID)
		if err != nil || old.ChatID != req.ChatID {
			uc.logger.Warn("could not resolve reloaded message for rejection record",
				zap.String("message_id", req.ReloadAssistantMessageID), zap.Error(err))
			return
		}
		parentID = old.ParentID
	} else {
		userID, err := uc.saveUserMessage(ctx, req, "")
		if err != nil {
			uc.logger.Warn("could not persist rejected user message", zap.Error(err))
			return
		}
		parentID = userID
	}
	_, err := uc.messages.Create(ctx, &types.Message{
		ChatID:   req.ChatID,
		ParentID: parentID,
		Role:     "assistant",
		Parts: []types.Part{{
			Type: types.PartText,
			Text: apperrors.GetMessage(apperrors.ExtractCode(quotaErr)),
		}},
		Metadata: types.MessageMetadata{Model: req.Model, IsError: true},
	})
	if err != nil {
		uc.logger.Warn("could not persist quota rejection record", zap.Error(err))
	}
}

func personaPrompt(personaID string) string {
	if p, ok := personas[personaID]; ok {
		return p
	}
	return personas["default"]
}

var personas = map[string]string{
	"default": "You are a helpful assistant. Answer clearly and concisely.",
	"tutor":   "You are a patient tutor. Explain step by step and check understanding before moving on.",
	"concise": "You are a terse expert. Answer in as few words as correctness allows.",
}
