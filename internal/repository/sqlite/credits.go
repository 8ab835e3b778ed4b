package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/imagecredits/backend/internal/ledger"
	"github.com/imagecredits/backend/internal/models"
)

const txnColumns = `id, user_id, feature_used, credits_spent, status, balance_after, idempotency_key, error_detail, created_at, finalized_at`

var _ ledger.Store = (*DB)(nil)

type rowScanner interface {
	Scan(dest ...any) error
}

// CreateAccount inserts the user_credits row if missing and returns the stored row.
func (db *DB) CreateAccount(ctx context.Context, userID uuid.UUID, balance int64) (*models.Account, error) {
	now := formatTime(time.Now())
	_, err := db.ExecContext(ctx, `
		INSERT INTO user_credits (user_id, credits_balance, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id) DO NOTHING
	`, userID.String(), balance, now, now)
	if err != nil {
		return nil, err
	}
	return db.GetAccount(ctx, userID)
}

func (db *DB) GetAccount(ctx context.Context, userID uuid.UUID) (*models.Account, error) {
	return scanAccount(db.QueryRowContext(ctx, `
		SELECT user_id, credits_balance, created_at, updated_at
		FROM user_credits WHERE user_id = ?
	`, userID.String()))
}

// Reserve deducts the cost and inserts the pending transaction in one database transaction.
func (db *DB) Reserve(ctx context.Context, txn *models.Transaction) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	acc, err := scanAccount(tx.QueryRowContext(ctx, `
		SELECT user_id, credits_balance, created_at, updated_at
		FROM user_credits WHERE user_id = ?
	`, txn.UserID.String()))
	if err != nil {
		return err
	}
	if acc.CreditsBalance < txn.CreditsSpent {
		return &ledger.InsufficientCreditsError{Needed: txn.CreditsSpent, Available: acc.CreditsBalance}
	}

	var newBalance int64
	err = tx.QueryRowContext(ctx, `
		UPDATE user_credits SET credits_balance = credits_balance - ?, updated_at = ?
		WHERE user_id = ? AND credits_balance >= ?
		RETURNING credits_balance
	`, txn.CreditsSpent, formatTime(txn.CreatedAt), txn.UserID.String(), txn.CreditsSpent).Scan(&newBalance)
	if errors.Is(err, sql.ErrNoRows) {
		return &ledger.InsufficientCreditsError{Needed: txn.CreditsSpent, Available: acc.CreditsBalance}
	}
	if err != nil {
		return fmt.Errorf("deduct credits: %w", err)
	}
	txn.BalanceAfter = newBalance

	_, err = tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, user_id, feature_used, credits_spent, status, balance_after, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, txn.ID.String(), txn.UserID.String(), txn.FeatureUsed, txn.CreditsSpent, txn.Status,
		txn.BalanceAfter, txn.IdempotencyKey, formatTime(txn.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ledger.ErrIdempotencyKeyConflict
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return tx.Commit()
}

// Finalize settles a pending transaction; a failed outcome refunds in the same transaction.
func (db *DB) Finalize(ctx context.Context, id uuid.UUID, status string, detail *string, at time.Time) (*models.Transaction, bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	txn, err := scanTxn(tx.QueryRowContext(ctx, `SELECT `+txnColumns+` FROM credit_transactions WHERE id = ?`, id.String()))
	if err != nil {
		return nil, false, err
	}
	if !txn.Pending() {
		return txn, false, nil
	}

	ts := formatTime(at)
	_, err = tx.ExecContext(ctx, `
		UPDATE credit_transactions SET status = ?, error_detail = ?, finalized_at = ?
		WHERE id = ?
	`, status, detail, ts, id.String())
	if err != nil {
		return nil, false, fmt.Errorf("update transaction: %w", err)
	}
	if status == models.TxStatusFailed {
		_, err = tx.ExecContext(ctx, `
			UPDATE user_credits SET credits_balance = credits_balance + ?, updated_at = ?
			WHERE user_id = ?
		`, txn.CreditsSpent, ts, txn.UserID.String())
		if err != nil {
			return nil, false, fmt.Errorf("refund credits: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}

	finalized := at.UTC()
	txn.Status = status
	txn.ErrorDetail = detail
	txn.FinalizedAt = &finalized
	return txn, true, nil
}

func (db *DB) GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	return scanTxn(db.QueryRowContext(ctx, `SELECT `+txnColumns+` FROM credit_transactions WHERE id = ?`, id.String()))
}

func (db *DB) GetTransactionByKey(ctx context.Context, userID uuid.UUID, key string) (*models.Transaction, error) {
	return scanTxn(db.QueryRowContext(ctx, `
		SELECT `+txnColumns+` FROM credit_transactions
		WHERE user_id = ? AND idempotency_key = ?
	`, userID.String(), key))
}

func (db *DB) ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Transaction, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+txnColumns+` FROM credit_transactions
		WHERE user_id = ? ORDER BY created_at DESC LIMIT ?
	`, userID.String(), limit)
	if err != nil {
		return nil, err
	}
	return collectTxns(rows)
}

func (db *DB) ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]*models.Transaction, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+txnColumns+` FROM credit_transactions
		WHERE status = 'pending' AND created_at < ?
		ORDER BY created_at LIMIT ?
	`, formatTime(before), limit)
	if err != nil {
		return nil, err
	}
	return collectTxns(rows)
}

func (db *DB) SpentSince(ctx context.Context, userID uuid.UUID, since time.Time) (int64, error) {
	var total int64
	err := db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(credits_spent), 0)
		FROM credit_transactions
		WHERE user_id = ? AND status IN ('pending', 'committed') AND created_at >= ?
	`, userID.String(), formatTime(since)).Scan(&total)
	return total, err
}

func scanAccount(row rowScanner) (*models.Account, error) {
	var (
		a                  models.Account
		created, updated string
	)
	err := row.Scan(&a.UserID, &a.CreditsBalance, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	if a.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &a, nil
}

func scanTxn(row rowScanner) (*models.Transaction, error) {
	var (
		t         models.Transaction
		key, det  sql.NullString
		created   string
		finalized sql.NullString
	)
	err := row.Scan(&t.ID, &t.UserID, &t.FeatureUsed, &t.CreditsSpent, &t.Status, &t.BalanceAfter,
		&key, &det, &created, &finalized)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrReservationNotFound
	}
	if err != nil {
		return nil, err
	}
	if key.Valid {
		t.IdempotencyKey = &key.String
	}
	if det.Valid {
		t.ErrorDetail = &det.String
	}
	if t.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if t.FinalizedAt, err = parseNullTime(finalized); err != nil {
		return nil, err
	}
	return &t, nil
}

func collectTxns(rows *sql.Rows) ([]*models.Transaction, error) {
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
