package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/imagecredits/backend/internal/ledger"
)

// Local runs the background work in-process for the SQLite backend, where
// there is no job queue. Reconciliations are retried with backoff and the
// sweep runs as a cron interval entry.
type Local struct {
	ledger      Ledger
	sweep       *Sweep
	interval    time.Duration
	maxAttempts int
	backoff     time.Duration
	log         *slog.Logger
	cron        *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type LocalOptions struct {
	Sweep         *Sweep
	SweepInterval time.Duration
	MaxAttempts   int
	Backoff       time.Duration
	Logger        *slog.Logger
}

var _ ledger.Reconciler = (*Local)(nil)

func NewLocal(l Ledger, opts LocalOptions) *Local {
	ctx, cancel := context.WithCancel(context.Background())
	lr := &Local{
		ledger:      l,
		sweep:       opts.Sweep,
		interval:    opts.SweepInterval,
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.Backoff,
		log:         opts.Logger,
		cron:        cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		ctx:         ctx,
		cancel:      cancel,
	}
	if lr.log == nil {
		lr.log = slog.Default()
	}
	if lr.maxAttempts <= 0 {
		lr.maxAttempts = 8
	}
	if lr.backoff <= 0 {
		lr.backoff = time.Second
	}
	if lr.interval <= 0 {
		lr.interval = 5 * time.Minute
	}
	return lr
}

// EnqueueFinalize retries the finalize in the background until it sticks or
// the attempts run out.
func (l *Local) EnqueueFinalize(_ context.Context, reservationID uuid.UUID, outcome ledger.Outcome, detail string) error {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		delay := l.backoff
		for attempt := 1; attempt <= l.maxAttempts; attempt++ {
			select {
			case <-l.ctx.Done():
				l.log.Error("reconciliation abandoned at shutdown",
					"reservation_id", reservationID,
					"outcome", outcome.String(),
				)
				return
			case <-time.After(delay):
			}
			err := l.ledger.Reconcile(l.ctx, reservationID, outcome, detail)
			if err == nil {
				return
			}
			l.log.Warn("reconciliation attempt failed",
				"reservation_id", reservationID,
				"attempt", attempt,
				"error", err,
			)
			delay *= 2
		}
		l.log.Error("reservation needs manual reconciliation",
			"reservation_id", reservationID,
			"outcome", outcome.String(),
			"detail", detail,
		)
	}()
	return nil
}

// Start runs the sweep immediately and then every interval until Stop.
func (l *Local) Start() error {
	if l.sweep == nil {
		return nil
	}
	if _, err := l.cron.AddFunc("@every "+l.interval.String(), l.runSweep); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	l.cron.Start()
	l.log.Info("sweep scheduled", "interval", l.interval)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.runSweep()
	}()
	return nil
}

func (l *Local) runSweep() {
	if l.ctx.Err() != nil {
		return
	}
	if err := l.sweep.Run(l.ctx); err != nil && l.ctx.Err() == nil {
		l.log.Error("sweep failed", "error", err)
	}
}

// Stop cancels outstanding retries and the sweep, and waits for them to exit.
func (l *Local) Stop() {
	l.cancel()
	<-l.cron.Stop().Done()
	l.wg.Wait()
}
