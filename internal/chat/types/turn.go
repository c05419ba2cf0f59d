package types

import (
	apperrors "github.com/lk2023060901/ai-chat-backend/internal/pkg/errors"
)

// TurnMode identifies how a turn relates to prior conversation state.
type TurnMode string

const (
	ModeNormal TurnMode = "normal"
	ModeReload TurnMode = "reload"
	ModeEdit   TurnMode = "edit"
)

// IncomingMessage is one element of the client-supplied history.
type IncomingMessage struct {
	Role    string `json:"role" binding:"required"`
	Content string `json:"content"`
}

// UserInfo carries optional client-side context for the turn.
type UserInfo struct {
	Timezone string `json:"timezone,omitempty"`
}

// TurnRequest is the inbound body for one chat turn.
type TurnRequest struct {
	Messages                 []IncomingMessage `json:"messages" binding:"required,min=1"`
	ChatID                   string            `json:"chatId" binding:"required"`
	Model                    string            `json:"model"`
	PersonaID                string            `json:"personaId,omitempty"`
	ReloadAssistantMessageID string            `json:"reloadAssistantMessageId,omitempty"`
	EditMessageID            string            `json:"editMessageId,omitempty"`
	EnableSearch             bool              `json:"enableSearch,omitempty"`
	EnableRAG                bool              `json:"enableRAG,omitempty"`
	ReasoningEffort          string            `json:"reasoningEffort,omitempty"`
	UserInfo                 *UserInfo         `json:"userInfo,omitempty"`

	// Set from the authenticated context, never from the body.
	UserID string `json:"-"`
}

// Mode returns the active turn mode. Exactly one of normal, reload or
// edit may be active per request.
func (r *TurnRequest) Mode() (TurnMode, error) {
	if r.ReloadAssistantMessageID != "" && r.EditMessageID != "" {
		return "", apperrors.New(apperrors.ErrTurnModeConflict)
	}
	if r.ReloadAssistantMessageID != "" {
		return ModeReload, nil
	}
	if r.EditMessageID != "" {
		return ModeEdit, nil
	}
	return ModeNormal, nil
}

// Timezone returns the client-supplied timezone, empty when absent.
func (r *TurnRequest) Timezone() string {
	if r.UserInfo == nil {
		return ""
	}
	return r.UserInfo.Timezone
}

// LatestUserText returns the text of the newest user message, which is
// the retrieval query and the text persisted for the user's turn.
func (r *TurnRequest) LatestUserText() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return r.Messages[i].Content
		}
	}
	return ""
}
