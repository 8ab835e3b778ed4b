package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/imagecredits/backend/internal/ledger"
	"github.com/imagecredits/backend/internal/models"
)

type AccountRepo struct {
	pool *pgxpool.Pool
}

func NewAccountRepo(pool *pgxpool.Pool) *AccountRepo {
	return &AccountRepo{pool: pool}
}

// CreateAccount inserts the user_credits row if missing and returns the stored row.
func (r *AccountRepo) CreateAccount(ctx context.Context, userID uuid.UUID, balance int64) (*models.Account, error) {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO user_credits (user_id, credits_balance)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, balance)
	if err != nil {
		return nil, err
	}
	return r.GetAccount(ctx, userID)
}

func (r *AccountRepo) GetAccount(ctx context.Context, userID uuid.UUID) (*models.Account, error) {
	var a models.Account
	err := r.pool.QueryRow(ctx, `
		SELECT user_id, credits_balance, created_at, updated_at
		FROM user_credits WHERE user_id = $1
	`, userID).Scan(&a.UserID, &a.CreditsBalance, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetByIDForUpdate locks the account row for update. Call within a transaction.
func (r *AccountRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*models.Account, error) {
	var a models.Account
	err := tx.QueryRow(ctx, `
		SELECT user_id, credits_balance, created_at, updated_at
		FROM user_credits WHERE user_id = $1 FOR UPDATE
	`, userID).Scan(&a.UserID, &a.CreditsBalance, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// DeductCredits atomically deducts amount if balance >= amount. Returns the new balance,
// or pgx.ErrNoRows when the balance is too low.
func (r *AccountRepo) DeductCredits(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) (newBalance int64, err error) {
	err = tx.QueryRow(ctx, `
		UPDATE user_credits SET credits_balance = credits_balance - $1, updated_at = now()
		WHERE user_id = $2 AND credits_balance >= $1
		RETURNING credits_balance
	`, amount, userID).Scan(&newBalance)
	return newBalance, err
}

// AddCredits adds amount to the account and returns the new balance.
func (r *AccountRepo) AddCredits(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) (newBalance int64, err error) {
	err = tx.QueryRow(ctx, `
		UPDATE user_credits SET credits_balance = credits_balance + $1, updated_at = now()
		WHERE user_id = $2
		RETURNING credits_balance
	`, amount, userID).Scan(&newBalance)
	return newBalance, err
}
