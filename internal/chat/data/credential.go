package data

import (
	"context"
	"fmt"

	"github.com/lk2023060901/ai-chat-backend/internal/chat/credential"
	"github.com/lk2023060901/ai-chat-backend/internal/chat/models"
	"github.com/lk2023060901/ai-chat-backend/internal/pkg/database"
)

// CredentialRepo loads caller-supplied provider credentials
type CredentialRepo struct {
	db *database.DB
}

// NewCredentialRepo creates a new credential repository
func NewCredentialRepo(db *database.DB) *CredentialRepo {
	return &CredentialRepo{db: db}
}

// OwnedCredentials returns the caller's credentials. Credential material
// is read-only for the duration of a turn.
func (r *CredentialRepo) OwnedCredentials(ctx context.Context, userID string) ([]credential.Credential, error) {
	var rows []models.APICredential
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}

	creds := make([]credential.Credential, 0, len(rows))
	for _, row := range rows {
		creds = append(creds, credential.Credential{
			Provider: row.Provider,
			Key:      row.Key,
			BaseURL:  row.BaseURL,
			Priority: row.Priority,
			Owned:    true,
		})
	}
	return creds, nil
}
