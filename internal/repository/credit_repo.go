package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/imagecredits/backend/internal/ledger"
	"github.com/imagecredits/backend/internal/models"
)

const txnColumns = `id, user_id, feature_used, credits_spent, status, balance_after, idempotency_key, error_detail, created_at, finalized_at`

// TxBeginner starts database transactions. *pgxpool.Pool satisfies it.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// CreditRepo is the PostgreSQL ledger store: user_credits plus credit_transactions.
type CreditRepo struct {
	*AccountRepo
	pool *pgxpool.Pool
	txs  TxBeginner
}

func NewCreditRepo(pool *pgxpool.Pool) *CreditRepo {
	return &CreditRepo{AccountRepo: NewAccountRepo(pool), pool: pool, txs: pool}
}

var _ ledger.Store = (*CreditRepo)(nil)

// Reserve locks the account row (SELECT FOR UPDATE), deducts the cost and inserts
// the pending transaction, all in one database transaction.
func (r *CreditRepo) Reserve(ctx context.Context, txn *models.Transaction) error {
	tx, err := r.txs.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	acc, err := r.GetByIDForUpdate(ctx, tx, txn.UserID)
	if err != nil {
		return err
	}
	if acc.CreditsBalance < txn.CreditsSpent {
		return &ledger.InsufficientCreditsError{Needed: txn.CreditsSpent, Available: acc.CreditsBalance}
	}
	newBalance, err := r.DeductCredits(ctx, tx, txn.UserID, txn.CreditsSpent)
	if errors.Is(err, pgx.ErrNoRows) {
		return &ledger.InsufficientCreditsError{Needed: txn.CreditsSpent, Available: acc.CreditsBalance}
	}
	if err != nil {
		return fmt.Errorf("deduct credits: %w", err)
	}
	txn.BalanceAfter = newBalance

	_, err = tx.Exec(ctx, `
		INSERT INTO credit_transactions (id, user_id, feature_used, credits_spent, status, balance_after, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, txn.ID, txn.UserID, txn.FeatureUsed, txn.CreditsSpent, txn.Status, txn.BalanceAfter, txn.IdempotencyKey, txn.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ledger.ErrIdempotencyKeyConflict
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return tx.Commit(ctx)
}

// Finalize settles a pending transaction. A failed outcome refunds the credits
// in the same database transaction.
func (r *CreditRepo) Finalize(ctx context.Context, id uuid.UUID, status string, detail *string, at time.Time) (*models.Transaction, bool, error) {
	tx, err := r.txs.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	txn, err := scanTxn(tx.QueryRow(ctx, `SELECT `+txnColumns+` FROM credit_transactions WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, false, err
	}
	if !txn.Pending() {
		return txn, false, nil
	}

	_, err = tx.Exec(ctx, `
		UPDATE credit_transactions SET status = $2, error_detail = $3, finalized_at = $4
		WHERE id = $1
	`, id, status, detail, at)
	if err != nil {
		return nil, false, fmt.Errorf("update transaction: %w", err)
	}
	if status == models.TxStatusFailed {
		if _, err := r.AddCredits(ctx, tx, txn.UserID, txn.CreditsSpent); err != nil {
			return nil, false, fmt.Errorf("refund credits: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}

	txn.Status = status
	txn.ErrorDetail = detail
	txn.FinalizedAt = &at
	return txn, true, nil
}

func (r *CreditRepo) GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	return scanTxn(r.pool.QueryRow(ctx, `SELECT `+txnColumns+` FROM credit_transactions WHERE id = $1`, id))
}

func (r *CreditRepo) GetTransactionByKey(ctx context.Context, userID uuid.UUID, key string) (*models.Transaction, error) {
	return scanTxn(r.pool.QueryRow(ctx, `
		SELECT `+txnColumns+` FROM credit_transactions
		WHERE user_id = $1 AND idempotency_key = $2
	`, userID, key))
}

func (r *CreditRepo) ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Transaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+txnColumns+` FROM credit_transactions
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	return collectTxns(rows)
}

func (r *CreditRepo) ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]*models.Transaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+txnColumns+` FROM credit_transactions
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, err
	}
	return collectTxns(rows)
}

// SpentSince sums pending and committed spends created at or after since.
func (r *CreditRepo) SpentSince(ctx context.Context, userID uuid.UUID, since time.Time) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(credits_spent), 0)::BIGINT
		FROM credit_transactions
		WHERE user_id = $1 AND status IN ('pending', 'committed') AND created_at >= $2
	`, userID, since).Scan(&total)
	return total, err
}

func scanTxn(row pgx.Row) (*models.Transaction, error) {
	var t models.Transaction
	err := row.Scan(&t.ID, &t.UserID, &t.FeatureUsed, &t.CreditsSpent, &t.Status, &t.BalanceAfter,
		&t.IdempotencyKey, &t.ErrorDetail, &t.CreatedAt, &t.FinalizedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrReservationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func collectTxns(rows pgx.Rows) ([]*models.Transaction, error) {
	defer rows.Close()
	var list []*models.Transaction
	for rows.Next() {
		t, err := scanTxn(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}
