package repository

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/imagecredits/backend/internal/ledger"
	"github.com/imagecredits/backend/internal/models"
)

// ---------------------------------------------------------------------------
// Scripted pgx.Tx: answers the ledger statements from in-memory state and
// records every statement it sees.
// ---------------------------------------------------------------------------

type fakeRow struct {
	vals []any
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.vals) {
		return fmt.Errorf("scan: %d destinations for %d values", len(dest), len(r.vals))
	}
	for i, d := range dest {
		reflect.ValueOf(d).Elem().Set(reflect.ValueOf(r.vals[i]))
	}
	return nil
}

type fakeTx struct {
	balance      int64
	accountErr   error
	deductNoRows bool
	txn          *models.Transaction
	insertErr    error

	stmts      []string
	committed  bool
	rolledBack bool
}

func (f *fakeTx) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.stmts = append(f.stmts, sql)
	switch {
	case strings.Contains(sql, "FROM user_credits"):
		if f.accountErr != nil {
			return fakeRow{err: f.accountErr}
		}
		return fakeRow{vals: []any{args[0].(uuid.UUID), f.balance, time.Time{}, time.Time{}}}
	case strings.Contains(sql, "credits_balance - $1"):
		amount := args[0].(int64)
		if f.deductNoRows || f.balance < amount {
			return fakeRow{err: pgx.ErrNoRows}
		}
		f.balance -= amount
		return fakeRow{vals: []any{f.balance}}
	case strings.Contains(sql, "credits_balance + $1"):
		f.balance += args[0].(int64)
		return fakeRow{vals: []any{f.balance}}
	case strings.Contains(sql, "FROM credit_transactions"):
		if f.txn == nil {
			return fakeRow{err: pgx.ErrNoRows}
		}
		t := f.txn
		return fakeRow{vals: []any{t.ID, t.UserID, t.FeatureUsed, t.CreditsSpent, t.Status, t.BalanceAfter,
			t.IdempotencyKey, t.ErrorDetail, t.CreatedAt, t.FinalizedAt}}
	}
	return fakeRow{err: fmt.Errorf("unexpected query: %s", sql)}
}

func (f *fakeTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.stmts = append(f.stmts, sql)
	switch {
	case strings.Contains(sql, "INSERT INTO credit_transactions"):
		if f.insertErr != nil {
			return pgconn.CommandTag{}, f.insertErr
		}
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	case strings.Contains(sql, "UPDATE credit_transactions"):
		f.txn.Status = args[1].(string)
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}
	return pgconn.CommandTag{}, fmt.Errorf("unexpected exec: %s", sql)
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	if !f.committed {
		f.rolledBack = true
	}
	return nil
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) { return f, nil }
func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (f *fakeTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (f *fakeTx) Conn() *pgx.Conn { return nil }

func (f *fakeTx) ran(fragment string) bool {
	for _, s := range f.stmts {
		if strings.Contains(s, fragment) {
			return true
		}
	}
	return false
}

type fakeBeginner struct {
	tx *fakeTx
}

func (b fakeBeginner) Begin(context.Context) (pgx.Tx, error) { return b.tx, nil }

func newFakeCreditRepo(tx *fakeTx) *CreditRepo {
	return &CreditRepo{AccountRepo: &AccountRepo{}, txs: fakeBeginner{tx: tx}}
}

func pendingTxn(cost int64) *models.Transaction {
	return &models.Transaction{
		ID:           uuid.New(),
		UserID:       uuid.New(),
		FeatureUsed:  models.FeatureImageGeneration,
		CreditsSpent: cost,
		Status:       models.TxStatusPending,
		CreatedAt:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

// ---------------------------------------------------------------------------
// Reserve
// ---------------------------------------------------------------------------

func TestCreditRepo_Reserve(t *testing.T) {
	tx := &fakeTx{balance: 50}
	txn := pendingTxn(10)

	if err := newFakeCreditRepo(tx).Reserve(context.Background(), txn); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if txn.BalanceAfter != 40 || tx.balance != 40 {
		t.Errorf("balance after = %d (store %d), want 40", txn.BalanceAfter, tx.balance)
	}
	if !tx.ran("FOR UPDATE") {
		t.Error("account row was not locked")
	}
	if !tx.ran("credits_balance >= $1") {
		t.Error("deduct is not conditional on the balance")
	}
	if !tx.ran("INSERT INTO credit_transactions") {
		t.Error("pending transaction not inserted")
	}
	if !tx.committed {
		t.Error("expected commit")
	}
}

func TestCreditRepo_Reserve_Insufficient(t *testing.T) {
	tx := &fakeTx{balance: 5}

	err := newFakeCreditRepo(tx).Reserve(context.Background(), pendingTxn(10))
	var insufficient *ledger.InsufficientCreditsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientCreditsError, got %v", err)
	}
	if insufficient.Needed != 10 || insufficient.Available != 5 {
		t.Errorf("unexpected error %+v", insufficient)
	}
	if tx.ran("credits_balance - $1") || tx.ran("INSERT") {
		t.Error("nothing may be written for a short balance")
	}
	if tx.committed || !tx.rolledBack {
		t.Errorf("committed=%v rolledBack=%v", tx.committed, tx.rolledBack)
	}
}

func TestCreditRepo_Reserve_ConditionalUpdateMisses(t *testing.T) {
	// The locked read saw enough credits but the guarded UPDATE matched no row.
	tx := &fakeTx{balance: 50, deductNoRows: true}

	err := newFakeCreditRepo(tx).Reserve(context.Background(), pendingTxn(10))
	var insufficient *ledger.InsufficientCreditsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientCreditsError, got %v", err)
	}
	if tx.ran("INSERT") || tx.committed {
		t.Error("transaction must not be inserted or committed")
	}
}

func TestCreditRepo_Reserve_IdempotencyKeyConflict(t *testing.T) {
	tx := &fakeTx{balance: 50, insertErr: &pgconn.PgError{Code: "23505", ConstraintName: "credit_transactions_user_id_idempotency_key_key"}}
	txn := pendingTxn(10)
	key := "retry-1"
	txn.IdempotencyKey = &key

	err := newFakeCreditRepo(tx).Reserve(context.Background(), txn)
	if !errors.Is(err, ledger.ErrIdempotencyKeyConflict) {
		t.Fatalf("expected ErrIdempotencyKeyConflict, got %v", err)
	}
	if tx.committed || !tx.rolledBack {
		t.Errorf("deduct must be rolled back: committed=%v rolledBack=%v", tx.committed, tx.rolledBack)
	}
}

func TestCreditRepo_Reserve_OtherInsertError(t *testing.T) {
	tx := &fakeTx{balance: 50, insertErr: &pgconn.PgError{Code: "23503"}}

	err := newFakeCreditRepo(tx).Reserve(context.Background(), pendingTxn(10))
	if err == nil || errors.Is(err, ledger.ErrIdempotencyKeyConflict) {
		t.Fatalf("expected a plain insert error, got %v", err)
	}
	if tx.committed {
		t.Error("must not commit")
	}
}

func TestCreditRepo_Reserve_UnknownAccount(t *testing.T) {
	tx := &fakeTx{accountErr: pgx.ErrNoRows}

	err := newFakeCreditRepo(tx).Reserve(context.Background(), pendingTxn(10))
	if !errors.Is(err, ledger.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Finalize
// ---------------------------------------------------------------------------

func TestCreditRepo_Finalize_FailedRefunds(t *testing.T) {
	txn := pendingTxn(10)
	tx := &fakeTx{balance: 40, txn: txn}
	detail := "backend down"
	at := time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC)

	got, applied, err := newFakeCreditRepo(tx).Finalize(context.Background(), txn.ID, models.TxStatusFailed, &detail, at)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !applied || got.Status != models.TxStatusFailed || *got.ErrorDetail != detail {
		t.Errorf("unexpected result applied=%v %+v", applied, got)
	}
	if tx.balance != 50 {
		t.Errorf("balance = %d, want 50 after refund", tx.balance)
	}
	if !tx.ran("WHERE id = $1 FOR UPDATE") {
		t.Error("transaction row was not locked")
	}
	if !tx.committed {
		t.Error("expected commit")
	}
}

func TestCreditRepo_Finalize_CommittedKeepsDebit(t *testing.T) {
	txn := pendingTxn(10)
	tx := &fakeTx{balance: 40, txn: txn}

	_, applied, err := newFakeCreditRepo(tx).Finalize(context.Background(), txn.ID, models.TxStatusCommitted, nil, time.Now())
	if err != nil || !applied {
		t.Fatalf("Finalize: applied=%v err=%v", applied, err)
	}
	if tx.balance != 40 || tx.ran("credits_balance + $1") {
		t.Error("a committed spend must not refund")
	}
}

func TestCreditRepo_Finalize_AlreadySettled(t *testing.T) {
	txn := pendingTxn(10)
	txn.Status = models.TxStatusCommitted
	tx := &fakeTx{balance: 40, txn: txn}

	got, applied, err := newFakeCreditRepo(tx).Finalize(context.Background(), txn.ID, models.TxStatusFailed, nil, time.Now())
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if applied || got.Status != models.TxStatusCommitted {
		t.Errorf("settled row changed: applied=%v status=%s", applied, got.Status)
	}
	if tx.ran("UPDATE credit_transactions SET") || tx.committed || tx.balance != 40 {
		t.Error("nothing may be written for a settled row")
	}
}

func TestCreditRepo_Finalize_Unknown(t *testing.T) {
	_, _, err := newFakeCreditRepo(&fakeTx{}).Finalize(context.Background(), uuid.New(), models.TxStatusCommitted, nil, time.Now())
	if !errors.Is(err, ledger.ErrReservationNotFound) {
		t.Fatalf("expected ErrReservationNotFound, got %v", err)
	}
}
