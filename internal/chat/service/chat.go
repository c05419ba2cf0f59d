package service

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lk2023060901/ai-chat-backend/internal/chat/biz"
	"github.com/lk2023060901/ai-chat-backend/internal/chat/sidechannel"
	"github.com/lk2023060901/ai-chat-backend/internal/chat/stream"
	"github.com/lk2023060901/ai-chat-backend/internal/chat/types"
	apperrors "github.com/lk2023060901/ai-chat-backend/internal/pkg/errors"
	"github.com/lk2023060901/ai-chat-backend/internal/pkg/logger"
	"github.com/lk2023060901/ai-chat-backend/internal/pkg/response"
)

// MessageLister lists a chat's durable messages in creation order.
type MessageLister interface {
	ListByChat(ctx context.Context, chatID string, limit int) ([]*types.Message, error)
}

// ChatService exposes the chat turn endpoints.
type ChatService struct {
	turns    *biz.TurnUseCase
	messages MessageLister
	logger   *logger.Logger
}

// NewChatService creates a chat service
func NewChatService(turns *biz.TurnUseCase, messages MessageLister, log *logger.Logger) *ChatService {
	return &ChatService{turns: turns, messages: messages, logger: log}
}

// RegisterRoutes registers the chat routes on an authenticated group.
func (s *ChatService) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/chat/stream", s.StreamTurn)
	rg.GET("/chats/:chatId/messages", s.ListMessages)
}

// StreamTurn runs one chat turn and streams the response as
// server-sent events. Image metadata travels on response headers ahead
// of the body; errors after the stream opens arrive as error events,
// never as raw payloads.
func (s *ChatService) StreamTurn(c *gin.Context) {
	var req types.TurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	userID := c.GetString("user_id")
	if userID == "" {
		response.Unauthorized(c, "user not authenticated")
		return
	}
	req.UserID = userID

	ctx := c.Request.Context()

	prepared, err := s.turns.Prepare(ctx, &req)
	if err != nil {
		// Nothing streamed yet, so a plain JSON envelope is still
		// possible.
		response.HandleError(c, err)
		return
	}

	// Headers go out before the first body byte.
	sidechannel.Apply(c.Writer.Header(), prepared.Bundle, s.logger)
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		response.ErrorWithCode(c, apperrors.ErrInternalServer, "streaming not supported")
		return
	}

	s.writeEvent(c, flusher, types.StreamEvent{Type: types.EventStart})

	out := make(chan types.StreamEvent, 256)
	type streamResult struct {
		msg    *types.Message
		result *stream.Result
		err    error
	}
	done := make(chan streamResult, 1)
	go func() {
		msg, result, err := s.turns.Stream(ctx, prepared, out)
		close(out)
		done <- streamResult{msg: msg, result: result, err: err}
	}()

	for ev := range out {
		s.writeEvent(c, flusher, ev)
	}

	final := <-done
	switch {
	case final.err != nil:
		s.writeEvent(c, flusher, types.StreamEvent{
			Type:  types.EventError,
			Error: "failed to record the response",
		})
	case final.result.Failed():
		ev := types.StreamEvent{
			Type:  types.EventError,
			Error: final.result.Classification.UserMessage,
		}
		if final.msg != nil {
			ev.MessageID = final.msg.ID
		}
		s.writeEvent(c, flusher, ev)
	default:
		s.writeEvent(c, flusher, types.StreamEvent{
			Type:      types.EventDone,
			MessageID: final.msg.ID,
		})
	}
}

// ListMessages returns the authoritative message list for a chat, which
// clients use to settle their streamed view.
func (s *ChatService) ListMessages(c *gin.Context) {
	chatID := c.Param("chatId")
	if chatID == "" {
		response.BadRequest(c, "chatId is required")
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			response.BadRequest(c, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	messages, err := s.messages.ListByChat(c.Request.Context(), chatID, limit)
	if err != nil {
		response.HandleError(c, err)
		return
	}
	response.Success(c, gin.H{"messages": messages})
}

func (s *ChatService) writeEvent(c *gin.Context, flusher http.Flusher, ev types.StreamEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("failed to marshal stream event", zap.Error(err))
		return
	}
	if _, err := c.Writer.WriteString("event: " + string(ev.Type) + "\ndata: " + string(payload) + "\n\n"); err != nil {
		// Client went away; the turn keeps running to completion so the
		// record still lands.
		return
	}
	flusher.Flush()
}
