package models

import (
	"time"

	"github.com/google/uuid"
)

// Transaction status values for credit_transactions.status.
const (
	TxStatusPending   = "pending"
	TxStatusCommitted = "committed"
	TxStatusFailed    = "failed"
)

// Feature identifiers stored in credit_transactions.feature_used.
const (
	FeatureImageGeneration  = "image_generation"
	FeatureImageEnhancement = "image_enhancement"
	FeatureWatermarkRemoval = "watermark_removal"
)

// Transaction is one balance change. A pending row is an open reservation.
type Transaction struct {
	ID             uuid.UUID  `json:"id"`
	UserID         uuid.UUID  `json:"user_id"`
	FeatureUsed    string     `json:"feature_used"`
	CreditsSpent   int64      `json:"credits_spent"`
	Status         string     `json:"status"`
	BalanceAfter   int64      `json:"balance_after"`
	IdempotencyKey *string    `json:"idempotency_key,omitempty"`
	ErrorDetail    *string    `json:"error_detail,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	FinalizedAt    *time.Time `json:"finalized_at,omitempty"`
}

// Pending reports whether the transaction is still an open reservation.
func (t *Transaction) Pending() bool {
	return t.Status == TxStatusPending
}
