package ledger

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/imagecredits/backend/internal/models"
)

var (
	// ErrUnauthenticated is returned when no valid session identifies the caller.
	ErrUnauthenticated = errors.New("not authenticated")
	// ErrInvalidInput is returned for malformed requests. Nothing is mutated.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidCost is returned when a reservation asks for a non-positive amount.
	ErrInvalidCost = fmt.Errorf("%w: cost must be positive", ErrInvalidInput)
	// ErrAccountNotFound is returned when the user has no credit account.
	ErrAccountNotFound = errors.New("credit account not found")
	// ErrReservationNotFound is returned when a transaction id or idempotency key is unknown.
	ErrReservationNotFound = errors.New("reservation not found")
	// ErrIdempotencyKeyConflict is returned by a Store when the (user, key) pair already exists.
	ErrIdempotencyKeyConflict = errors.New("idempotency key already used")
)

// InsufficientCreditsError is returned by Authorize when the balance is below the cost.
type InsufficientCreditsError struct {
	Needed    int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("not enough credits: need %d, have %d", e.Needed, e.Available)
}

// ActionFailedError wraps the metered action's error after the reservation was rolled back.
// Refunded is false when the rollback write itself failed and was handed to reconciliation.
type ActionFailedError struct {
	ReservationID uuid.UUID
	Refunded      bool
	Err           error
}

func (e *ActionFailedError) Error() string { return e.Err.Error() }
func (e *ActionFailedError) Unwrap() error { return e.Err }

// LedgerWriteFailedError reports that a commit or rollback could not be persisted.
type LedgerWriteFailedError struct {
	ReservationID uuid.UUID
	Outcome       Outcome
	Err           error
}

func (e *LedgerWriteFailedError) Error() string {
	return fmt.Sprintf("ledger write failed for reservation %s (%s): %v", e.ReservationID, e.Outcome, e.Err)
}

func (e *LedgerWriteFailedError) Unwrap() error { return e.Err }

// DuplicateRequestError is returned by Authorize when the idempotency key was already used.
// Existing is the transaction created by the first request.
type DuplicateRequestError struct {
	Existing *models.Transaction
}

func (e *DuplicateRequestError) Error() string {
	return fmt.Sprintf("duplicate request: transaction %s is %s", e.Existing.ID, e.Existing.Status)
}
