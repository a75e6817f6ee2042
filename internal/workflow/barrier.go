package workflow

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mof-screen/internal/model"
	"github.com/sells-group/mof-screen/internal/queue"
	"github.com/sells-group/mof-screen/internal/store"
)

// Outcome is what a barrier evaluation did to a batch.
type Outcome string

const (
	// OutcomeNone means the batch did not change.
	OutcomeNone Outcome = "none"
	// OutcomeSecondSync means this evaluation moved the batch to
	// AWAITING_SECOND_SYNC and enqueued the second filter.
	OutcomeSecondSync Outcome = "second_sync"
	// OutcomeCompleted means this evaluation completed the batch.
	OutcomeCompleted Outcome = "completed"
)

// Barrier decides batch-level progress from item statuses alone. It is
// evaluated after branch-terminal events and by the Controller; every batch
// change it makes is a compare-and-set, so concurrent evaluations act at
// most once.
type Barrier struct {
	store store.Store
	queue queue.Queue
}

// NewBarrier creates a Barrier.
func NewBarrier(st store.Store, q queue.Queue) *Barrier {
	return &Barrier{store: st, queue: q}
}

// Evaluate checks second-sync readiness and completion for a batch.
func (b *Barrier) Evaluate(ctx context.Context, batchID string) (Outcome, error) {
	batch, err := b.store.GetBatch(ctx, batchID)
	if errors.Is(err, store.ErrNotFound) {
		return OutcomeNone, nil
	}
	if err != nil {
		return OutcomeNone, eris.Wrap(err, "barrier: load batch")
	}
	if batch.Status.IsTerminal() || batch.Status == model.BatchPending {
		return OutcomeNone, nil
	}

	counts, err := b.store.CountItemsByStatus(ctx, batchID)
	if err != nil {
		return OutcomeNone, eris.Wrap(err, "barrier: count items")
	}

	if batch.Status == model.BatchProcessing && ReadyForSecondSync(counts) {
		return b.secondSync(ctx, batchID)
	}
	if AllTerminal(counts) {
		return b.complete(ctx, batchID)
	}
	return OutcomeNone, nil
}

func (b *Barrier) secondSync(ctx context.Context, batchID string) (Outcome, error) {
	won, err := b.store.TransitionBatch(ctx, batchID,
		[]model.BatchStatus{model.BatchProcessing}, model.BatchAwaitingSecondSync)
	if err != nil {
		return OutcomeNone, eris.Wrap(err, "barrier: mark awaiting second sync")
	}
	if !won {
		return OutcomeNone, nil
	}

	if err := b.queue.Enqueue(ctx, queue.NewBatchJob(queue.KindSecondFilter, batchID)); err != nil {
		// Nothing else enqueues the second filter once the CAS is won.
		if _, ferr := b.store.TransitionBatch(context.WithoutCancel(ctx), batchID,
			[]model.BatchStatus{model.BatchAwaitingSecondSync}, model.BatchFailed); ferr != nil {
			zap.L().Error("barrier: failed to mark batch failed", zap.String("batch_id", batchID), zap.Error(ferr))
		}
		return OutcomeNone, eris.Wrap(err, "barrier: enqueue second filter")
	}

	zap.L().Info("barrier: second sync reached, second filter enqueued", zap.String("batch_id", batchID))
	return OutcomeSecondSync, nil
}

func (b *Barrier) complete(ctx context.Context, batchID string) (Outcome, error) {
	won, err := b.store.TransitionBatch(ctx, batchID,
		[]model.BatchStatus{model.BatchProcessing, model.BatchAwaitingSecondSync}, model.BatchCompleted)
	if err != nil {
		return OutcomeNone, eris.Wrap(err, "barrier: complete batch")
	}
	if !won {
		return OutcomeNone, nil
	}
	zap.L().Info("barrier: batch completed", zap.String("batch_id", batchID))
	return OutcomeCompleted, nil
}

// ReadyForSecondSync reports whether every item still in the second phase
// waits at SECOND_FILTERING. Items that are terminal or already past the
// second filter do not count, and at least one item must be waiting.
func ReadyForSecondSync(counts map[model.ItemStatus]int) bool {
	waiting := 0
	for status, n := range counts {
		if n == 0 {
			continue
		}
		switch {
		case status == model.ItemSecondFiltering:
			waiting += n
		case status.IsTerminal(), status == model.ItemOptimizing2:
		default:
			return false
		}
	}
	return waiting > 0
}

// AllTerminal reports whether a non-empty batch has every item in a
// terminal status.
func AllTerminal(counts map[model.ItemStatus]int) bool {
	total := 0
	for status, n := range counts {
		if n == 0 {
			continue
		}
		if !status.IsTerminal() {
			return false
		}
		total += n
	}
	return total > 0
}
