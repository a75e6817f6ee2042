package workflow

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mof-screen/internal/model"
	"github.com/sells-group/mof-screen/internal/store"
)

// DefaultSweepInterval is how often the Controller reconciles batches.
const DefaultSweepInterval = 120 * time.Second

const sweepPageSize = 100

// Controller periodically reconciles every running batch against its item
// statuses. It is the safety net for the event-driven barrier: a batch
// whose last branch finished without a barrier evaluation still advances
// within one interval.
type Controller struct {
	store    store.Store
	barrier  *Barrier
	interval time.Duration
}

// SweepStats summarizes one sweep.
type SweepStats struct {
	Checked    int
	SecondSync int
	Completed  int
	Errors     int
}

// NewController creates a Controller. A non-positive interval uses
// DefaultSweepInterval.
func NewController(st store.Store, barrier *Barrier, interval time.Duration) *Controller {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Controller{store: st, barrier: barrier, interval: interval}
}

// Run sweeps once immediately and then on every tick until ctx is
// cancelled.
func (c *Controller) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "workflow.controller"))
	log.Info("starting reconciliation controller", zap.Duration("interval", c.interval))

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		if _, err := c.Sweep(ctx); err != nil && ctx.Err() == nil {
			log.Error("controller: sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			log.Info("reconciliation controller stopped")
			return
		case <-ticker.C:
		}
	}
}

// Sweep evaluates the barrier for every PROCESSING and AWAITING_SECOND_SYNC
// batch. Per-batch errors are logged and counted; only a failure to list
// batches is returned.
func (c *Controller) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	start := time.Now()

	batches, err := c.activeBatches(ctx)
	if err != nil {
		return stats, err
	}

	for _, b := range batches {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		stats.Checked++
		outcome, err := c.barrier.Evaluate(ctx, b.ID)
		if err != nil {
			stats.Errors++
			zap.L().Error("controller: reconcile batch",
				zap.String("batch_id", b.ID),
				zap.String("status", string(b.Status)),
				zap.Error(err),
			)
			continue
		}
		switch outcome {
		case OutcomeSecondSync:
			stats.SecondSync++
		case OutcomeCompleted:
			stats.Completed++
		}
	}

	zap.L().Info("controller: sweep finished",
		zap.Int("checked", stats.Checked),
		zap.Int("second_sync", stats.SecondSync),
		zap.Int("completed", stats.Completed),
		zap.Int("errors", stats.Errors),
		zap.Duration("elapsed", time.Since(start)),
	)
	return stats, nil
}

func (c *Controller) activeBatches(ctx context.Context) ([]model.Batch, error) {
	var all []model.Batch
	for offset := 0; ; offset += sweepPageSize {
		page, err := c.store.ListBatches(ctx, store.BatchFilter{
			Statuses: []model.BatchStatus{model.BatchProcessing, model.BatchAwaitingSecondSync},
			Limit:    sweepPageSize,
			Offset:   offset,
		})
		if err != nil {
			return nil, eris.Wrap(err, "controller: list active batches")
		}
		all = append(all, page...)
		if len(page) < sweepPageSize {
			return all, nil
		}
	}
}
