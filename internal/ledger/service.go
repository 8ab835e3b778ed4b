// Package ledger owns credit balances and the transaction log.
//
// Metered actions use an optimistic decrement: Authorize debits the balance and
// records a pending transaction in one database transaction, and Commit either
// finalizes the debit or rolls it back with a compensating refund.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/imagecredits/backend/internal/models"
)

// Outcome is the result of a metered action, passed to Commit.
type Outcome int

const (
	OutcomeSuccess Outcome = iota + 1
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// ParseOutcome is the inverse of Outcome.String.
func ParseOutcome(s string) (Outcome, error) {
	switch s {
	case "success":
		return OutcomeSuccess, nil
	case "failure":
		return OutcomeFailure, nil
	default:
		return 0, fmt.Errorf("unknown outcome %q", s)
	}
}

// Store persists accounts and transactions. Reserve and Finalize must each run
// as a single database transaction that serializes with other writers of the
// same account.
type Store interface {
	// CreateAccount inserts the account with the given balance unless it exists,
	// and returns the stored row either way.
	CreateAccount(ctx context.Context, userID uuid.UUID, balance int64) (*models.Account, error)
	GetAccount(ctx context.Context, userID uuid.UUID) (*models.Account, error)
	// Reserve decrements the balance by txn.CreditsSpent and inserts txn as pending.
	// It sets txn.BalanceAfter and txn.CreatedAt. A short balance yields
	// *InsufficientCreditsError and a reused key ErrIdempotencyKeyConflict,
	// with nothing written.
	Reserve(ctx context.Context, txn *models.Transaction) error
	// Finalize moves a pending transaction to status. TxStatusFailed adds the
	// credits back to the balance in the same database transaction. For a row
	// that is no longer pending it writes nothing and reports applied=false.
	Finalize(ctx context.Context, id uuid.UUID, status string, detail *string, at time.Time) (txn *models.Transaction, applied bool, err error)
	GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	GetTransactionByKey(ctx context.Context, userID uuid.UUID, key string) (*models.Transaction, error)
	ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Transaction, error)
	ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]*models.Transaction, error)
	// SpentSince sums credits_spent of pending and committed rows created at or after since.
	SpentSince(ctx context.Context, userID uuid.UUID, since time.Time) (int64, error)
}

// Reconciler settles reservations whose commit or rollback could not be written inline.
type Reconciler interface {
	EnqueueFinalize(ctx context.Context, reservationID uuid.UUID, outcome Outcome, detail string) error
}

// DeliveryLog reports whether the action behind a reservation delivered its
// result. ExpireStale consults it so a delivered result whose success commit
// was lost is committed instead of refunded.
type DeliveryLog interface {
	Delivered(ctx context.Context, reservationID uuid.UUID) (bool, error)
}

// Reservation is an open debit waiting for Commit.
type Reservation struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	Feature      string
	Cost         int64
	BalanceAfter int64
	CreatedAt    time.Time
}

// AuthorizeParams describes a debit request.
type AuthorizeParams struct {
	UserID         uuid.UUID
	Feature        string
	Cost           int64
	IdempotencyKey string
}

// Options configures a Service. Zero values fall back to defaults.
type Options struct {
	StartingCredits int64
	ActionTimeout   time.Duration
	FinalizeTimeout time.Duration
	Reconciler      Reconciler
	// Deliveries is optional. Without it every stale reservation is rolled back.
	Deliveries      DeliveryLog
	Logger          *slog.Logger
	Now             func() time.Time
}

const (
	defaultActionTimeout   = 120 * time.Second
	defaultFinalizeTimeout = 10 * time.Second
	expireBatchSize        = 100
)

// Service is the credit ledger.
type Service struct {
	store           Store
	reconciler      Reconciler
	deliveries      DeliveryLog
	log             *slog.Logger
	now             func() time.Time
	startingCredits int64
	actionTimeout   time.Duration
	finalizeTimeout time.Duration
}

// NewService returns a ledger backed by store.
func NewService(store Store, opts Options) *Service {
	s := &Service{
		store:           store,
		reconciler:      opts.Reconciler,
		deliveries:      opts.Deliveries,
		log:             opts.Logger,
		now:             opts.Now,
		startingCredits: opts.StartingCredits,
		actionTimeout:   opts.ActionTimeout,
		finalizeTimeout: opts.FinalizeTimeout,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.actionTimeout <= 0 {
		s.actionTimeout = defaultActionTimeout
	}
	if s.finalizeTimeout <= 0 {
		s.finalizeTimeout = defaultFinalizeTimeout
	}
	if s.reconciler == nil {
		s.reconciler = logReconciler{log: s.log}
	}
	return s
}

// SetReconciler replaces the reconciler. main wires the job queue after the
// queue client exists, which itself needs the ledger for its workers.
func (s *Service) SetReconciler(r Reconciler) {
	if r != nil {
		s.reconciler = r
	}
}

// OpenAccount creates the user's credit account with the starting balance.
// Calling it again for the same user is a no-op.
func (s *Service) OpenAccount(ctx context.Context, userID uuid.UUID) (*models.Account, error) {
	acc, err := s.store.CreateAccount(ctx, userID, s.startingCredits)
	if err != nil {
		return nil, fmt.Errorf("open account: %w", err)
	}
	return acc, nil
}

// GetBalance returns the committed balance, including open reservations as spent.
func (s *Service) GetBalance(ctx context.Context, userID uuid.UUID) (int64, error) {
	acc, err := s.store.GetAccount(ctx, userID)
	if err != nil {
		return 0, err
	}
	return acc.CreditsBalance, nil
}

// Authorize reserves p.Cost credits. The balance is decremented immediately and
// a pending transaction records the reservation.
func (s *Service) Authorize(ctx context.Context, p AuthorizeParams) (*Reservation, error) {
	if p.Cost <= 0 {
		return nil, ErrInvalidCost
	}
	if p.UserID == uuid.Nil {
		return nil, ErrUnauthenticated
	}
	if strings.TrimSpace(p.Feature) == "" {
		return nil, fmt.Errorf("%w: feature is required", ErrInvalidInput)
	}

	var key *string
	if p.IdempotencyKey != "" {
		k := p.IdempotencyKey
		key = &k
		existing, err := s.store.GetTransactionByKey(ctx, p.UserID, k)
		switch {
		case err == nil:
			reservationsTotal.WithLabelValues(p.Feature, "duplicate").Inc()
			return nil, &DuplicateRequestError{Existing: existing}
		case !errors.Is(err, ErrReservationNotFound):
			return nil, fmt.Errorf("lookup idempotency key: %w", err)
		}
	}

	txn := &models.Transaction{
		ID:             uuid.New(),
		UserID:         p.UserID,
		FeatureUsed:    p.Feature,
		CreditsSpent:   p.Cost,
		Status:         models.TxStatusPending,
		IdempotencyKey: key,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.store.Reserve(ctx, txn); err != nil {
		var insufficient *InsufficientCreditsError
		switch {
		case errors.As(err, &insufficient):
			reservationsTotal.WithLabelValues(p.Feature, "insufficient").Inc()
			return nil, err
		case errors.Is(err, ErrIdempotencyKeyConflict):
			// Lost a race with a concurrent request carrying the same key.
			existing, lookupErr := s.store.GetTransactionByKey(ctx, p.UserID, *key)
			if lookupErr != nil {
				return nil, fmt.Errorf("lookup idempotency key: %w", lookupErr)
			}
			reservationsTotal.WithLabelValues(p.Feature, "duplicate").Inc()
			return nil, &DuplicateRequestError{Existing: existing}
		case errors.Is(err, ErrAccountNotFound):
			return nil, err
		}
		reservationsTotal.WithLabelValues(p.Feature, "error").Inc()
		return nil, fmt.Errorf("reserve credits: %w", err)
	}
	reservationsTotal.WithLabelValues(p.Feature, "reserved").Inc()

	s.log.Debug("credits reserved",
		"reservation_id", txn.ID,
		"user_id", txn.UserID,
		"feature", txn.FeatureUsed,
		"cost", txn.CreditsSpent,
		"balance_after", txn.BalanceAfter,
	)
	return &Reservation{
		ID:           txn.ID,
		UserID:       txn.UserID,
		Feature:      txn.FeatureUsed,
		Cost:         txn.CreditsSpent,
		BalanceAfter: txn.BalanceAfter,
		CreatedAt:    txn.CreatedAt,
	}, nil
}

// Commit finalizes a reservation. Success keeps the debit, Failure refunds it.
// Committing an already finalized reservation changes nothing and returns the
// stored transaction.
func (s *Service) Commit(ctx context.Context, reservationID uuid.UUID, outcome Outcome, detail string) (*models.Transaction, error) {
	var status string
	var detailPtr *string
	switch outcome {
	case OutcomeSuccess:
		status = models.TxStatusCommitted
	case OutcomeFailure:
		status = models.TxStatusFailed
		if detail != "" {
			detailPtr = &detail
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidInput, outcome)
	}

	txn, applied, err := s.store.Finalize(ctx, reservationID, status, detailPtr, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if !applied {
		if txn.Status != status {
			s.log.Warn("reservation already finalized with a different outcome",
				"reservation_id", reservationID,
				"status", txn.Status,
				"requested", status,
			)
		}
		return txn, nil
	}
	switch status {
	case models.TxStatusCommitted:
		creditsSpentTotal.WithLabelValues(txn.FeatureUsed).Add(float64(txn.CreditsSpent))
	case models.TxStatusFailed:
		creditsRefundedTotal.WithLabelValues(txn.FeatureUsed).Add(float64(txn.CreditsSpent))
	}
	return txn, nil
}

// Reconcile finalizes a reservation on behalf of a background job. Errors are
// returned so the job can be retried.
func (s *Service) Reconcile(ctx context.Context, reservationID uuid.UUID, outcome Outcome, detail string) error {
	txn, err := s.Commit(ctx, reservationID, outcome, detail)
	if err != nil {
		return fmt.Errorf("reconcile %s: %w", reservationID, err)
	}
	s.log.Info("reservation reconciled",
		"reservation_id", reservationID,
		"user_id", txn.UserID,
		"status", txn.Status,
	)
	return nil
}

// ExpireStale settles reservations that are still pending after ttl. A
// reservation whose result was delivered is committed; every other one is
// rolled back. It returns the number of reservations it finalized.
func (s *Service) ExpireStale(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := s.now().UTC().Add(-ttl)
	expired := 0
	for {
		pending, err := s.store.ListPendingBefore(ctx, cutoff, expireBatchSize)
		if err != nil {
			return expired, fmt.Errorf("list stale reservations: %w", err)
		}
		for _, txn := range pending {
			outcome, detail := OutcomeFailure, "reservation expired"
			if s.deliveries != nil {
				delivered, err := s.deliveries.Delivered(ctx, txn.ID)
				if err != nil {
					return expired, fmt.Errorf("check delivery of reservation %s: %w", txn.ID, err)
				}
				if delivered {
					outcome, detail = OutcomeSuccess, ""
				}
			}
			if _, err := s.Commit(ctx, txn.ID, outcome, detail); err != nil {
				return expired, fmt.Errorf("expire reservation %s: %w", txn.ID, err)
			}
			msg := "stale reservation rolled back"
			if outcome == OutcomeSuccess {
				msg = "stale reservation committed, result was delivered"
			}
			s.log.Warn(msg,
				"reservation_id", txn.ID,
				"user_id", txn.UserID,
				"created_at", txn.CreatedAt,
			)
			expired++
		}
		if len(pending) < expireBatchSize {
			return expired, nil
		}
	}
}

// GetTransaction returns a single transaction.
func (s *Service) GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	return s.store.GetTransaction(ctx, id)
}

// LookupIdempotencyKey returns the transaction a previous request created with key.
func (s *Service) LookupIdempotencyKey(ctx context.Context, userID uuid.UUID, key string) (*models.Transaction, error) {
	return s.store.GetTransactionByKey(ctx, userID, key)
}

// ListTransactions returns the user's most recent transactions, newest first.
func (s *Service) ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListTransactions(ctx, userID, limit)
}

// SpentSince sums credits spent or reserved since the given time.
func (s *Service) SpentSince(ctx context.Context, userID uuid.UUID, since time.Time) (int64, error) {
	return s.store.SpentSince(ctx, userID, since)
}

// logReconciler only records the discrepancy; the stale reservation sweep
// eventually rolls the reservation back.
type logReconciler struct {
	log *slog.Logger
}

func (l logReconciler) EnqueueFinalize(_ context.Context, reservationID uuid.UUID, outcome Outcome, detail string) error {
	l.log.Error("reservation needs manual reconciliation",
		"reservation_id", reservationID,
		"outcome", outcome.String(),
		"detail", detail,
	)
	return nil
}
