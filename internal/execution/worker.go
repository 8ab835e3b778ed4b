// Package execution runs the ledger's background work: settling reservations
// whose inline commit failed and expiring reservations left pending.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/imagecredits/backend/internal/ledger"
)

// Ledger is the subset of the ledger the workers drive.
type Ledger interface {
	Reconcile(ctx context.Context, reservationID uuid.UUID, outcome ledger.Outcome, detail string) error
	ExpireStale(ctx context.Context, ttl time.Duration) (int, error)
}

// TokenPruner drops revocation rows for tokens that have expired anyway.
type TokenPruner interface {
	PruneRevokedTokens(ctx context.Context, before time.Time) (int64, error)
}

type ReconcileArgs struct {
	ReservationID uuid.UUID `json:"reservation_id"`
	Outcome       string    `json:"outcome"`
	Detail        string    `json:"detail,omitempty"`
}

func (ReconcileArgs) Kind() string { return "reconcile_reservation" }

func (ReconcileArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 20}
}

type ReconcileWorker struct {
	river.WorkerDefaults[ReconcileArgs]
	ledger Ledger
}

func NewReconcileWorker(l Ledger) *ReconcileWorker {
	return &ReconcileWorker{ledger: l}
}

func (w *ReconcileWorker) Work(ctx context.Context, job *river.Job[ReconcileArgs]) error {
	args := job.Args
	outcome, err := ledger.ParseOutcome(args.Outcome)
	if err != nil {
		return river.JobCancel(err)
	}
	err = w.ledger.Reconcile(ctx, args.ReservationID, outcome, args.Detail)
	if errors.Is(err, ledger.ErrReservationNotFound) {
		return river.JobCancel(err)
	}
	return err
}

// ExpireReservationsArgs is the periodic sweep job.
type ExpireReservationsArgs struct{}

func (ExpireReservationsArgs) Kind() string { return "expire_reservations" }

type ExpireReservationsWorker struct {
	river.WorkerDefaults[ExpireReservationsArgs]
	sweep *Sweep
}

func NewExpireReservationsWorker(s *Sweep) *ExpireReservationsWorker {
	return &ExpireReservationsWorker{sweep: s}
}

func (w *ExpireReservationsWorker) Work(ctx context.Context, _ *river.Job[ExpireReservationsArgs]) error {
	return w.sweep.Run(ctx)
}

// Sweep rolls back stale reservations and prunes expired token revocations.
type Sweep struct {
	Ledger Ledger
	Tokens TokenPruner
	TTL    time.Duration
	Logger *slog.Logger
}

func (s *Sweep) Run(ctx context.Context) error {
	log := s.Logger
	if log == nil {
		log = slog.Default()
	}
	n, err := s.Ledger.ExpireStale(ctx, s.TTL)
	if err != nil {
		return fmt.Errorf("expire reservations: %w", err)
	}
	if n > 0 {
		log.Warn("expired stale reservations", "count", n, "ttl", s.TTL)
	}
	if s.Tokens != nil {
		pruned, err := s.Tokens.PruneRevokedTokens(ctx, time.Now())
		if err != nil {
			return fmt.Errorf("prune revoked tokens: %w", err)
		}
		if pruned > 0 {
			log.Debug("pruned revoked tokens", "count", pruned)
		}
	}
	return nil
}

// InsertReconcileFunc enqueues a reconcile job. main sets it once the queue
// client exists.
type InsertReconcileFunc func(ctx context.Context, args ReconcileArgs) error

// QueueReconciler implements ledger.Reconciler on the River job queue.
type QueueReconciler struct {
	insert InsertReconcileFunc
}

var _ ledger.Reconciler = (*QueueReconciler)(nil)

func NewQueueReconciler(insert InsertReconcileFunc) *QueueReconciler {
	return &QueueReconciler{insert: insert}
}

func (q *QueueReconciler) EnqueueFinalize(ctx context.Context, reservationID uuid.UUID, outcome ledger.Outcome, detail string) error {
	return q.insert(ctx, ReconcileArgs{
		ReservationID: reservationID,
		Outcome:       outcome.String(),
		Detail:        detail,
	})
}
