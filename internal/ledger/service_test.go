package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/imagecredits/backend/internal/models"
)

// ---------------------------------------------------------------------------
// In-memory store
// ---------------------------------------------------------------------------

type memStore struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*models.Account
	txns     map[uuid.UUID]*models.Transaction

	// finalizeErr makes Finalize fail for the given target status.
	finalizeErr map[string]error
}

func newMemStore() *memStore {
	return &memStore{
		accounts:    make(map[uuid.UUID]*models.Account),
		txns:        make(map[uuid.UUID]*models.Transaction),
		finalizeErr: make(map[string]error),
	}
}

func (m *memStore) CreateAccount(ctx context.Context, userID uuid.UUID, balance int64) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acc, ok := m.accounts[userID]; ok {
		cp := *acc
		return &cp, nil
	}
	acc := &models.Account{UserID: userID, CreditsBalance: balance, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	m.accounts[userID] = acc
	cp := *acc
	return &cp, nil
}

func (m *memStore) GetAccount(ctx context.Context, userID uuid.UUID) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[userID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acc
	return &cp, nil
}

func (m *memStore) Reserve(ctx context.Context, txn *models.Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[txn.UserID]
	if !ok {
		return ErrAccountNotFound
	}
	if txn.IdempotencyKey != nil {
		for _, t := range m.txns {
			if t.UserID == txn.UserID && t.IdempotencyKey != nil && *t.IdempotencyKey == *txn.IdempotencyKey {
				return ErrIdempotencyKeyConflict
			}
		}
	}
	if acc.CreditsBalance < txn.CreditsSpent {
		return &InsufficientCreditsError{Needed: txn.CreditsSpent, Available: acc.CreditsBalance}
	}
	acc.CreditsBalance -= txn.CreditsSpent
	txn.BalanceAfter = acc.CreditsBalance
	cp := *txn
	m.txns[txn.ID] = &cp
	return nil
}

func (m *memStore) Finalize(ctx context.Context, id uuid.UUID, status string, detail *string, at time.Time) (*models.Transaction, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.finalizeErr[status]; err != nil {
		return nil, false, err
	}
	t, ok := m.txns[id]
	if !ok {
		return nil, false, ErrReservationNotFound
	}
	if t.Status != models.TxStatusPending {
		cp := *t
		return &cp, false, nil
	}
	t.Status = status
	t.ErrorDetail = detail
	t.FinalizedAt = &at
	if status == models.TxStatusFailed {
		m.accounts[t.UserID].CreditsBalance += t.CreditsSpent
	}
	cp := *t
	return &cp, true, nil
}

func (m *memStore) GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[id]
	if !ok {
		return nil, ErrReservationNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) GetTransactionByKey(ctx context.Context, userID uuid.UUID, key string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.txns {
		if t.UserID == userID && t.IdempotencyKey != nil && *t.IdempotencyKey == key {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrReservationNotFound
}

func (m *memStore) ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []*models.Transaction
	for _, t := range m.txns {
		if t.UserID == userID {
			cp := *t
			list = append(list, &cp)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	if len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (m *memStore) ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []*models.Transaction
	for _, t := range m.txns {
		if t.Status == models.TxStatusPending && t.CreatedAt.Before(before) {
			cp := *t
			list = append(list, &cp)
		}
	}
	if len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (m *memStore) SpentSince(ctx context.Context, userID uuid.UUID, since time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, t := range m.txns {
		if t.UserID == userID && t.Status != models.TxStatusFailed && !t.CreatedAt.Before(since) {
			total += t.CreditsSpent
		}
	}
	return total, nil
}

// committedSum sums credits_spent over committed rows.
func (m *memStore) committedSum(userID uuid.UUID) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, t := range m.txns {
		if t.UserID == userID && t.Status == models.TxStatusCommitted {
			total += t.CreditsSpent
		}
	}
	return total
}

type recordedFinalize struct {
	id      uuid.UUID
	outcome Outcome
}

type stubReconciler struct {
	mu    sync.Mutex
	calls []recordedFinalize
}

func (r *stubReconciler) EnqueueFinalize(_ context.Context, id uuid.UUID, outcome Outcome, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, recordedFinalize{id: id, outcome: outcome})
	return nil
}

func newTestLedger(t *testing.T, balance int64) (*Service, *memStore, *stubReconciler, uuid.UUID) {
	t.Helper()
	store := newMemStore()
	rec := &stubReconciler{}
	svc := NewService(store, Options{StartingCredits: balance, Reconciler: rec})
	userID := uuid.New()
	if _, err := svc.OpenAccount(context.Background(), userID); err != nil {
		t.Fatalf("OpenAccount: %v", err)
	}
	return svc, store, rec, userID
}

func mustBalance(t *testing.T, svc *Service, userID uuid.UUID, want int64) {
	t.Helper()
	got, err := svc.GetBalance(context.Background(), userID)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if got != want {
		t.Fatalf("balance = %d, want %d", got, want)
	}
}

func imageSpend(userID uuid.UUID) AuthorizeParams {
	return AuthorizeParams{UserID: userID, Feature: models.FeatureImageGeneration, Cost: 10}
}

// ---------------------------------------------------------------------------
// Spend lifecycle
// ---------------------------------------------------------------------------

func TestSpend_SuccessChargesOnce(t *testing.T) {
	svc, store, _, userID := newTestLedger(t, 10)

	result, err := svc.Spend(context.Background(), imageSpend(userID), func(ctx context.Context, r *Reservation) error {
		return nil
	})
	if err != nil {
		t.Fatalf("Spend: %v", err)
	}
	if !result.Settled {
		t.Error("expected settled result")
	}
	if result.Balance != 0 {
		t.Errorf("remaining = %d, want 0", result.Balance)
	}
	mustBalance(t, svc, userID, 0)

	txn, err := svc.GetTransaction(context.Background(), result.Reservation.ID)
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if txn.Status != models.TxStatusCommitted || txn.CreditsSpent != 10 {
		t.Errorf("transaction = %+v, want committed 10", txn)
	}
	if got := store.committedSum(userID); got != 10 {
		t.Errorf("committed sum = %d, want 10", got)
	}
}

func TestSpend_InsufficientCreditsDoesNotRunAction(t *testing.T) {
	svc, store, _, userID := newTestLedger(t, 5)

	ran := false
	_, err := svc.Spend(context.Background(), imageSpend(userID), func(ctx context.Context, r *Reservation) error {
		ran = true
		return nil
	})
	var insufficient *InsufficientCreditsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientCreditsError, got %v", err)
	}
	if insufficient.Needed != 10 || insufficient.Available != 5 {
		t.Errorf("got needed=%d available=%d, want 10/5", insufficient.Needed, insufficient.Available)
	}
	if ran {
		t.Error("action must not run without a reservation")
	}
	mustBalance(t, svc, userID, 5)
	if txns, _ := store.ListTransactions(context.Background(), userID, 10); len(txns) != 0 {
		t.Errorf("expected no transactions, got %d", len(txns))
	}
}

func TestSpend_ActionErrorRefunds(t *testing.T) {
	svc, _, rec, userID := newTestLedger(t, 10)
	backendErr := errors.New("model overloaded")

	var reservationID uuid.UUID
	_, err := svc.Spend(context.Background(), imageSpend(userID), func(ctx context.Context, r *Reservation) error {
		reservationID = r.ID
		return backendErr
	})
	var failed *ActionFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected ActionFailedError, got %v", err)
	}
	if !errors.Is(err, backendErr) {
		t.Error("ActionFailedError must wrap the original error")
	}
	if err.Error() != "model overloaded" {
		t.Errorf("message = %q, want the backend message verbatim", err.Error())
	}
	if !failed.Refunded {
		t.Error("expected Refunded = true")
	}
	mustBalance(t, svc, userID, 10)

	txn, _ := svc.GetTransaction(context.Background(), reservationID)
	if txn.Status != models.TxStatusFailed {
		t.Errorf("status = %s, want failed", txn.Status)
	}
	if txn.ErrorDetail == nil || *txn.ErrorDetail != "model overloaded" {
		t.Errorf("error detail = %v", txn.ErrorDetail)
	}
	if len(rec.calls) != 0 {
		t.Errorf("no reconciliation expected, got %d", len(rec.calls))
	}
}

func TestSpend_ActionPanicRefunds(t *testing.T) {
	svc, _, _, userID := newTestLedger(t, 10)

	_, err := svc.Spend(context.Background(), imageSpend(userID), func(ctx context.Context, r *Reservation) error {
		panic("boom")
	})
	var failed *ActionFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected ActionFailedError, got %v", err)
	}
	mustBalance(t, svc, userID, 10)
}

func TestSpend_CallerCancelledMidActionStillSettles(t *testing.T) {
	svc, _, _, userID := newTestLedger(t, 10)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := svc.Spend(ctx, imageSpend(userID), func(actx context.Context, r *Reservation) error {
		cancel()
		<-actx.Done()
		return actx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	// Finalize ran on a detached context, so the refund was written.
	mustBalance(t, svc, userID, 10)
}

func TestSpend_ActionTimeoutRefunds(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, Options{StartingCredits: 10, ActionTimeout: 20 * time.Millisecond})
	userID := uuid.New()
	if _, err := svc.OpenAccount(context.Background(), userID); err != nil {
		t.Fatalf("OpenAccount: %v", err)
	}

	_, err := svc.Spend(context.Background(), imageSpend(userID), func(ctx context.Context, r *Reservation) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	mustBalance(t, svc, userID, 10)
}

func TestSpend_CommitWriteFailureReturnsResult(t *testing.T) {
	svc, store, rec, userID := newTestLedger(t, 10)
	store.finalizeErr[models.TxStatusCommitted] = errors.New("connection reset")

	result, err := svc.Spend(context.Background(), imageSpend(userID), func(ctx context.Context, r *Reservation) error {
		return nil
	})
	if err != nil {
		t.Fatalf("delivered result must not be revoked, got %v", err)
	}
	if result.Settled {
		t.Error("expected Settled = false")
	}
	if len(rec.calls) != 1 || rec.calls[0].outcome != OutcomeSuccess || rec.calls[0].id != result.Reservation.ID {
		t.Fatalf("reconciler calls = %+v", rec.calls)
	}
	// The debit stays in place while the reservation waits for reconciliation.
	mustBalance(t, svc, userID, 0)

	delete(store.finalizeErr, models.TxStatusCommitted)
	if err := svc.Reconcile(context.Background(), result.Reservation.ID, OutcomeSuccess, ""); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if got := store.committedSum(userID); got != 10 {
		t.Errorf("committed sum = %d, want 10", got)
	}
}

func TestSpend_RollbackWriteFailureIsReconciled(t *testing.T) {
	svc, store, rec, userID := newTestLedger(t, 10)
	store.finalizeErr[models.TxStatusFailed] = errors.New("disk full")

	_, err := svc.Spend(context.Background(), imageSpend(userID), func(ctx context.Context, r *Reservation) error {
		return errors.New("backend down")
	})
	var failed *ActionFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected ActionFailedError, got %v", err)
	}
	if failed.Refunded {
		t.Error("expected Refunded = false")
	}
	if len(rec.calls) != 1 || rec.calls[0].outcome != OutcomeFailure {
		t.Fatalf("reconciler calls = %+v", rec.calls)
	}

	delete(store.finalizeErr, models.TxStatusFailed)
	if err := svc.Reconcile(context.Background(), failed.ReservationID, OutcomeFailure, "backend down"); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	mustBalance(t, svc, userID, 10)
}

// ---------------------------------------------------------------------------
// Authorize / Commit
// ---------------------------------------------------------------------------

func TestAuthorize_InvalidCost(t *testing.T) {
	svc, _, _, userID := newTestLedger(t, 10)
	for _, cost := range []int64{0, -5} {
		_, err := svc.Authorize(context.Background(), AuthorizeParams{UserID: userID, Feature: "x", Cost: cost})
		if !errors.Is(err, ErrInvalidCost) || !errors.Is(err, ErrInvalidInput) {
			t.Errorf("cost %d: expected ErrInvalidCost, got %v", cost, err)
		}
	}
	mustBalance(t, svc, userID, 10)
}

func TestAuthorize_UnknownAccount(t *testing.T) {
	svc, _, _, _ := newTestLedger(t, 10)
	_, err := svc.Authorize(context.Background(), imageSpend(uuid.New()))
	if !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestAuthorize_IdempotencyKey(t *testing.T) {
	svc, _, _, userID := newTestLedger(t, 30)
	p := imageSpend(userID)
	p.IdempotencyKey = "req-1"

	first, err := svc.Authorize(context.Background(), p)
	if err != nil {
		t.Fatalf("first Authorize: %v", err)
	}
	_, err = svc.Authorize(context.Background(), p)
	var dup *DuplicateRequestError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateRequestError, got %v", err)
	}
	if dup.Existing.ID != first.ID {
		t.Errorf("existing = %s, want %s", dup.Existing.ID, first.ID)
	}
	mustBalance(t, svc, userID, 20)
}

func TestCommit_Idempotent(t *testing.T) {
	svc, _, _, userID := newTestLedger(t, 10)
	res, err := svc.Authorize(context.Background(), imageSpend(userID))
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}

	for i := 0; i < 2; i++ {
		txn, err := svc.Commit(context.Background(), res.ID, OutcomeSuccess, "")
		if err != nil {
			t.Fatalf("Commit #%d: %v", i+1, err)
		}
		if txn.Status != models.TxStatusCommitted {
			t.Fatalf("Commit #%d status = %s", i+1, txn.Status)
		}
	}
	// A late failure report must not refund a committed debit.
	txn, err := svc.Commit(context.Background(), res.ID, OutcomeFailure, "late")
	if err != nil {
		t.Fatalf("late Commit: %v", err)
	}
	if txn.Status != models.TxStatusCommitted {
		t.Errorf("status = %s, want committed", txn.Status)
	}
	mustBalance(t, svc, userID, 0)
}

func TestCommit_UnknownReservation(t *testing.T) {
	svc, _, _, _ := newTestLedger(t, 10)
	if _, err := svc.Commit(context.Background(), uuid.New(), OutcomeSuccess, ""); !errors.Is(err, ErrReservationNotFound) {
		t.Fatalf("expected ErrReservationNotFound, got %v", err)
	}
}

func TestOpenAccount_Idempotent(t *testing.T) {
	svc, _, _, userID := newTestLedger(t, 100)
	if _, err := svc.Spend(context.Background(), imageSpend(userID), func(context.Context, *Reservation) error { return nil }); err != nil {
		t.Fatalf("Spend: %v", err)
	}
	acc, err := svc.OpenAccount(context.Background(), userID)
	if err != nil {
		t.Fatalf("OpenAccount: %v", err)
	}
	if acc.CreditsBalance != 90 {
		t.Errorf("balance = %d, want 90 (reopening must not reset)", acc.CreditsBalance)
	}
}

// ---------------------------------------------------------------------------
// Concurrency and invariants
// ---------------------------------------------------------------------------

func TestSpend_ConcurrentRequestsNeverOverdraw(t *testing.T) {
	svc, store, _, userID := newTestLedger(t, 50)

	const workers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, insufficient := 0, 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Spend(context.Background(), imageSpend(userID), func(ctx context.Context, r *Reservation) error {
				time.Sleep(time.Millisecond)
				return nil
			})
			mu.Lock()
			defer mu.Unlock()
			var ice *InsufficientCreditsError
			switch {
			case err == nil:
				succeeded++
			case errors.As(err, &ice):
				insufficient++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 5 || insufficient != workers-5 {
		t.Errorf("succeeded=%d insufficient=%d, want 5/%d", succeeded, insufficient, workers-5)
	}
	mustBalance(t, svc, userID, 0)
	if got := store.committedSum(userID); got != 50 {
		t.Errorf("committed sum = %d, want 50", got)
	}
}

func TestSpend_TwoRequestsOneBalance(t *testing.T) {
	svc, _, _, userID := newTestLedger(t, 10)

	release := make(chan struct{})
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := svc.Spend(context.Background(), imageSpend(userID), func(ctx context.Context, r *Reservation) error {
				<-release
				return nil
			})
			errs <- err
		}()
	}

	// One request holds the reservation; the other must be rejected before release.
	first := <-errs
	close(release)
	second := <-errs

	var ice *InsufficientCreditsError
	if !errors.As(first, &ice) {
		t.Fatalf("first finished request: expected InsufficientCreditsError, got %v", first)
	}
	if second != nil {
		t.Fatalf("second finished request: expected success, got %v", second)
	}
	mustBalance(t, svc, userID, 0)
}

func TestLedgerInvariant_MixedOutcomes(t *testing.T) {
	const start = 100
	svc, store, _, userID := newTestLedger(t, start)

	outcomes := []error{nil, errors.New("x"), nil, nil, errors.New("y"), nil}
	for _, want := range outcomes {
		_, _ = svc.Spend(context.Background(), imageSpend(userID), func(context.Context, *Reservation) error { return want })
	}

	balance, _ := svc.GetBalance(context.Background(), userID)
	if balance < 0 {
		t.Fatalf("negative balance %d", balance)
	}
	if got := store.committedSum(userID); got != start-balance {
		t.Errorf("committed sum = %d, start-balance = %d", got, start-balance)
	}
	if balance != 60 {
		t.Errorf("balance = %d, want 60", balance)
	}
}

func TestExpireStale_RollsBackOldReservations(t *testing.T) {
	store := newMemStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService(store, Options{StartingCredits: 30, Now: func() time.Time { return now }})
	userID := uuid.New()
	if _, err := svc.OpenAccount(context.Background(), userID); err != nil {
		t.Fatalf("OpenAccount: %v", err)
	}

	stale, err := svc.Authorize(context.Background(), imageSpend(userID))
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	now = now.Add(2 * time.Hour)
	fresh, err := svc.Authorize(context.Background(), imageSpend(userID))
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}

	n, err := svc.ExpireStale(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("ExpireStale: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired %d, want 1", n)
	}
	mustBalance(t, svc, userID, 20)

	if txn, _ := svc.GetTransaction(context.Background(), stale.ID); txn.Status != models.TxStatusFailed {
		t.Errorf("stale status = %s, want failed", txn.Status)
	}
	if txn, _ := svc.GetTransaction(context.Background(), fresh.ID); txn.Status != models.TxStatusPending {
		t.Errorf("fresh status = %s, want pending", txn.Status)
	}
}

type stubDeliveries struct {
	delivered map[uuid.UUID]bool
	err       error
}

func (d *stubDeliveries) Delivered(_ context.Context, id uuid.UUID) (bool, error) {
	return d.delivered[id], d.err
}

func TestExpireStale_CommitsDeliveredResult(t *testing.T) {
	store := newMemStore()
	store.finalizeErr[models.TxStatusCommitted] = errors.New("connection reset")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	deliveries := &stubDeliveries{delivered: map[uuid.UUID]bool{}}
	svc := NewService(store, Options{
		StartingCredits: 20,
		Deliveries:      deliveries,
		Now:             func() time.Time { return now },
	})
	userID := uuid.New()
	if _, err := svc.OpenAccount(context.Background(), userID); err != nil {
		t.Fatalf("OpenAccount: %v", err)
	}

	// The action delivers but the success commit is lost and nobody reconciles it.
	result, err := svc.Spend(context.Background(), imageSpend(userID), func(ctx context.Context, r *Reservation) error {
		deliveries.delivered[r.ID] = true
		return nil
	})
	if err != nil {
		t.Fatalf("Spend: %v", err)
	}
	if result.Settled {
		t.Fatal("expected Settled = false")
	}
	undelivered, err := svc.Authorize(context.Background(), imageSpend(userID))
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	delete(store.finalizeErr, models.TxStatusCommitted)

	now = now.Add(2 * time.Hour)
	n, err := svc.ExpireStale(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("ExpireStale: %v", err)
	}
	if n != 2 {
		t.Fatalf("expired %d, want 2", n)
	}
	if txn, _ := svc.GetTransaction(context.Background(), result.Reservation.ID); txn.Status != models.TxStatusCommitted {
		t.Errorf("delivered status = %s, want committed", txn.Status)
	}
	if txn, _ := svc.GetTransaction(context.Background(), undelivered.ID); txn.Status != models.TxStatusFailed {
		t.Errorf("undelivered status = %s, want failed", txn.Status)
	}
	mustBalance(t, svc, userID, 10)
	if got := store.committedSum(userID); got != 10 {
		t.Errorf("committed sum = %d, want 10", got)
	}
}

func TestExpireStale_DeliveryLookupError(t *testing.T) {
	store := newMemStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService(store, Options{
		StartingCredits: 10,
		Deliveries:      &stubDeliveries{err: errors.New("database is locked")},
		Now:             func() time.Time { return now },
	})
	userID := uuid.New()
	if _, err := svc.OpenAccount(context.Background(), userID); err != nil {
		t.Fatalf("OpenAccount: %v", err)
	}
	res, err := svc.Authorize(context.Background(), imageSpend(userID))
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}

	now = now.Add(2 * time.Hour)
	if _, err := svc.ExpireStale(context.Background(), time.Hour); err == nil {
		t.Fatal("expected error when delivery cannot be checked")
	}
	// Unknown delivery state leaves the reservation for the next sweep.
	if txn, _ := svc.GetTransaction(context.Background(), res.ID); txn.Status != models.TxStatusPending {
		t.Errorf("status = %s, want pending", txn.Status)
	}
	mustBalance(t, svc, userID, 0)
}

func TestParseOutcome(t *testing.T) {
	for _, o := range []Outcome{OutcomeSuccess, OutcomeFailure} {
		got, err := ParseOutcome(o.String())
		if err != nil || got != o {
			t.Errorf("ParseOutcome(%q) = %v, %v", o.String(), got, err)
		}
	}
	if _, err := ParseOutcome("maybe"); err == nil {
		t.Error("expected error for unknown outcome")
	}
}
