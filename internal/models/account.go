package models

import (
	"time"

	"github.com/google/uuid"
)

// User is an identity owned by the auth service.
type User struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Account is the per-user credit balance row (user_credits).
type Account struct {
	UserID         uuid.UUID `json:"user_id"`
	CreditsBalance int64     `json:"credits_balance"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
