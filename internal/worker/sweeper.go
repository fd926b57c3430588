package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tasktrust/escrow-ledger/internal/escrow"
	"github.com/tasktrust/escrow-ledger/internal/observability"
)

// Sweeper is the auto-release reconciliation loop. It is level-triggered:
// every run refunds all unresolved escrows whose deadline has passed, so
// an arbitrarily delayed run still catches every overdue record.
type Sweeper struct {
	svc       *escrow.Service
	interval  time.Duration
	batchSize int32
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewSweeper constructs a sweeper with a default five-minute interval.
func NewSweeper(svc *escrow.Service) *Sweeper {
	return &Sweeper{
		svc:       svc,
		interval:  5 * time.Minute,
		batchSize: 100,
		stopCh:    make(chan struct{}),
	}
}

// WithInterval updates the sweep interval.
func (w *Sweeper) WithInterval(interval time.Duration) *Sweeper {
	if interval > 0 {
		w.interval = interval
	}
	return w
}

// WithBatchSize updates the per-run candidate limit.
func (w *Sweeper) WithBatchSize(size int32) *Sweeper {
	if size > 0 {
		w.batchSize = size
	}
	return w
}

// Start blocks and sweeps at the configured interval.
func (w *Sweeper) Start(ctx context.Context) {
	zap.L().Info("auto-release sweeper starting", zap.Duration("interval", w.interval))
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Run once immediately at startup.
	w.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("auto-release sweeper context canceled")
			return
		case <-w.stopCh:
			zap.L().Info("auto-release sweeper stop signal received")
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

// Stop stops the running sweep loop.
func (w *Sweeper) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

// Run starts the sweeper in a goroutine and returns a stop function.
func (w *Sweeper) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}

func (w *Sweeper) runOnce(ctx context.Context) {
	refunded, err := w.svc.SweepExpired(ctx, w.batchSize)
	observability.AddSweeperRefunds(refunded)
	if err != nil {
		observability.IncrementWorkerRun("sweeper", "failed")
		zap.L().Error("sweep run failed", zap.Error(err))
		return
	}
	observability.IncrementWorkerRun("sweeper", "success")
	if refunded > 0 {
		zap.L().Info("sweep refunded expired escrows", zap.Int("count", refunded))
	}
}
