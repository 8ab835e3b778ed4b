package ledger

import (
	"context"
	"fmt"
)

// ActionFunc is a metered action. It runs after credits are reserved and must
// honour ctx cancellation.
type ActionFunc func(ctx context.Context, r *Reservation) error

// SpendResult describes a successful metered action.
type SpendResult struct {
	Reservation *Reservation
	// Balance is the ledger balance read after the commit.
	Balance int64
	// Settled is false when the success commit could not be written and the
	// reservation was handed to reconciliation.
	Settled bool
}

// Spend runs action under a reservation of p.Cost credits.
//
// The reservation always resolves: a nil action error commits the debit, any
// error or panic rolls it back. Finalization runs on a context detached from
// ctx, so a disconnected client still gets its reservation settled. When the
// action succeeded but the commit write fails, the result is still returned
// and the reservation is queued for reconciliation.
func (s *Service) Spend(ctx context.Context, p AuthorizeParams, action ActionFunc) (*SpendResult, error) {
	res, err := s.Authorize(ctx, p)
	if err != nil {
		return nil, err
	}

	actionErr := s.runAction(ctx, res, action)

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.finalizeTimeout)
	defer cancel()

	if actionErr != nil {
		_, err := s.Commit(fctx, res.ID, OutcomeFailure, actionErr.Error())
		if err != nil {
			s.discrepancy(fctx, res, OutcomeFailure, actionErr.Error(), err)
		}
		s.log.Info("metered action failed, reservation rolled back",
			"reservation_id", res.ID,
			"user_id", res.UserID,
			"feature", res.Feature,
			"refunded", err == nil,
			"error", actionErr,
		)
		return nil, &ActionFailedError{ReservationID: res.ID, Refunded: err == nil, Err: actionErr}
	}

	result := &SpendResult{Reservation: res, Balance: res.BalanceAfter, Settled: true}
	if _, err := s.Commit(fctx, res.ID, OutcomeSuccess, ""); err != nil {
		s.discrepancy(fctx, res, OutcomeSuccess, "", err)
		result.Settled = false
		return result, nil
	}
	if balance, err := s.GetBalance(fctx, res.UserID); err == nil {
		result.Balance = balance
	} else {
		s.log.Warn("read balance after commit", "user_id", res.UserID, "error", err)
	}
	return result, nil
}

func (s *Service) runAction(ctx context.Context, res *Reservation, action ActionFunc) (err error) {
	actx, cancel := context.WithTimeout(ctx, s.actionTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action panicked: %v", r)
		}
	}()
	return action(actx, res)
}

// discrepancy logs a failed finalize write and hands the reservation to the reconciler.
func (s *Service) discrepancy(ctx context.Context, res *Reservation, outcome Outcome, detail string, writeErr error) {
	discrepanciesTotal.WithLabelValues(outcome.String()).Inc()
	lwf := &LedgerWriteFailedError{ReservationID: res.ID, Outcome: outcome, Err: writeErr}
	s.log.Error("ledger discrepancy",
		"reservation_id", res.ID,
		"user_id", res.UserID,
		"feature", res.Feature,
		"cost", res.Cost,
		"outcome", outcome.String(),
		"error", lwf,
	)
	if err := s.reconciler.EnqueueFinalize(ctx, res.ID, outcome, detail); err != nil {
		s.log.Error("enqueue reconciliation failed",
			"reservation_id", res.ID,
			"outcome", outcome.String(),
			"error", err,
		)
	}
}
