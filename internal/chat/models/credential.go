package models

import "time"

// APICredential is the GORM model for caller-supplied provider keys.
// Key material is opaque to this service; encryption at rest is handled
// by the credential management service that writes these rows.
type APICredential struct {
	ID        string    `gorm:"primaryKey;type:uuid" json:"id"`
	UserID    string    `gorm:"type:uuid;not null;index" json:"user_id"`
	Provider  string    `gorm:"type:varchar(50);not null" json:"provider"`
	Key       string    `gorm:"type:text;not null" json:"-"`
	BaseURL   string    `gorm:"type:text" json:"base_url,omitempty"`
	Priority  bool      `gorm:"not null;default:false" json:"priority"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}

// TableName specifies the table name
func (APICredential) TableName() string {
	return "api_credentials"
}
