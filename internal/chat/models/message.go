package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lk2023060901/ai-chat-backend/internal/chat/types"
)

// Message is the GORM model for the messages table
type Message struct {
	ID        string   `gorm:"primaryKey;type:uuid" json:"id"`
	ChatID    string   `gorm:"type:uuid;not null;index" json:"chat_id"`
	ParentID  *string  `gorm:"type:uuid;index" json:"parent_id,omitempty"`
	Role      string   `gorm:"type:varchar(20);not null" json:"role"` // user | assistant
	Parts     Parts    `gorm:"type:jsonb;not null" json:"parts"`
	Metadata  Metadata `gorm:"type:jsonb" json:"metadata"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}

// TableName specifies the table name
func (Message) TableName() string {
	return "messages"
}

// Parts stores ordered message parts as JSONB
type Parts []types.Part

// Scan implements sql.Scanner
func (p *Parts) Scan(value interface{}) error {
	if value == nil {
		*p = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("parts column: expected []byte, got %T", value)
	}
	return json.Unmarshal(bytes, p)
}

// Value implements driver.Valuer
func (p Parts) Value() (driver.Value, error) {
	if p == nil {
		return nil, nil
	}
	return json.Marshal(p)
}

// Metadata stores message metadata as JSONB
type Metadata types.MessageMetadata

// Scan implements sql.Scanner
func (m *Metadata) Scan(value interface{}) error {
	if value == nil {
		*m = Metadata{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("metadata column: expected []byte, got %T", value)
	}
	return json.Unmarshal(bytes, m)
}

// Value implements driver.Valuer
func (m Metadata) Value() (driver.Value, error) {
	return json.Marshal(m)
}
