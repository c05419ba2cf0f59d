package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/lk2023060901/ai-chat-backend/internal/chat/models"
	"github.com/lk2023060901/ai-chat-backend/internal/chat/types"
	"github.com/lk2023060901/ai-chat-backend/internal/pkg/database"
)

// MessageRepo implements message persistence using GORM
type MessageRepo struct {
	db *database.DB
}

// NewMessageRepo creates a new message repository
func NewMessageRepo(db *database.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// Create persists a message and returns its assigned id
func (r *MessageRepo) Create(ctx context.Context, msg *types.Message) (string, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	model := toModel(msg)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return "", fmt.Errorf("failed to create message: %w", err)
	}
	return msg.ID, nil
}

// GetByID retrieves a message by ID
func (r *MessageRepo) GetByID(ctx context.Context, id string) (*types.Message, error) {
	var model models.Message
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("message not found")
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return toDomain(&model), nil
}

// ListByChat lists messages for a chat in creation order
func (r *MessageRepo) ListByChat(ctx context.Context, chatID string, limit int) ([]*types.Message, error) {
	var modelList []models.Message
	q := r.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&modelList).Error; err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	messages := make([]*types.Message, 0, len(modelList))
	for i := range modelList {
		messages = append(messages, toDomain(&modelList[i]))
	}
	return messages, nil
}

// DeleteWithDescendants deletes a message and every message below it in
// the reply tree. Safe to call twice with the same id.
func (r *MessageRepo) DeleteWithDescendants(ctx context.Context, id string) error {
	err := r.db.WithContext(ctx).Exec(`
		WITH RECURSIVE descendants AS (
			SELECT id FROM messages WHERE id = ?
			UNION ALL
			SELECT m.id FROM messages m
			JOIN descendants d ON m.parent_id = d.id
		)
		DELETE FROM messages WHERE id IN (SELECT id FROM descendants)
	`, id).Error
	if err != nil {
		return fmt.Errorf("failed to delete message tree: %w", err)
	}
	return nil
}

func toModel(msg *types.Message) *models.Message {
	m := &models.Message{
		ID:        msg.ID,
		ChatID:    msg.ChatID,
		Role:      msg.Role,
		Parts:     models.Parts(msg.Parts),
		Metadata:  models.Metadata(msg.Metadata),
		CreatedAt: msg.CreatedAt,
	}
	if msg.ParentID != "" {
		parent := msg.ParentID
		m.ParentID = &parent
	}
	return m
}

func toDomain(m *models.Message) *types.Message {
	msg := &types.Message{
		ID:        m.ID,
		ChatID:    m.ChatID,
		Role:      m.Role,
		Parts:     []types.Part(m.Parts),
		Metadata:  types.MessageMetadata(m.Metadata),
		CreatedAt: m.CreatedAt,
	}
	if m.ParentID != nil {
		msg.ParentID = *m.ParentID
	}
	return msg
}
