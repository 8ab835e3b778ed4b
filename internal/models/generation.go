package models

import (
	"time"

	"github.com/google/uuid"
)

// Generation is the audit record of a delivered artifact (ai_generations).
type Generation struct {
	ID            uuid.UUID `json:"id"`
	UserID        uuid.UUID `json:"user_id"`
	TransactionID uuid.UUID `json:"transaction_id"`
	Prompt        string    `json:"prompt"`
	Type          string    `json:"type"`
	ResultURL     string    `json:"result_url"`
	Model         string    `json:"model"`
	CreatedAt     time.Time `json:"created_at"`
}
