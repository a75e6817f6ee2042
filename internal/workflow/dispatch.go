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

// Launch fans out one analysis job per item of the batch, joined by a single
// first-filter callback that the queue runs once every analysis job has been
// handled.
func (e *Engine) Launch(ctx context.Context, batchID string) error {
	log := zap.L().With(zap.String("batch_id", batchID))

	batch, err := e.store.GetBatch(ctx, batchID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("workflow: launch: batch not found")
		return nil
	}
	if err != nil {
		return eris.Wrap(err, "workflow: launch: load batch")
	}
	if batch.Status.IsTerminal() {
		log.Info("workflow: launch: batch already finished", zap.String("status", string(batch.Status)))
		return nil
	}

	ids, err := e.store.ListItemIDs(ctx, batchID)
	if err != nil {
		return eris.Wrap(err, "workflow: launch: list items")
	}
	if len(ids) == 0 {
		log.Error("workflow: launch: batch has no items")
		return nil
	}

	members := make([]queue.Job, len(ids))
	for i, id := range ids {
		members[i] = queue.NewItemJob(queue.KindAnalysis, batchID, id)
	}
	if err := e.queue.EnqueueGroup(ctx, members, queue.NewBatchJob(queue.KindFirstFilter, batchID)); err != nil {
		err = eris.Wrap(err, "workflow: launch: enqueue analysis group")
		if shuttingDown(ctx) {
			return err
		}
		e.failLaunch(ctx, log, batchID, err)
		return err
	}

	log.Info("workflow: launched batch", zap.Int("items", len(ids)))
	return nil
}

// failLaunch marks a batch whose analysis jobs could not be published as
// FAILED. Nothing else would ever move it out of PROCESSING.
func (e *Engine) failLaunch(ctx context.Context, log *zap.Logger, batchID string, cause error) {
	log.Error("workflow: launch failed, failing batch", zap.Error(cause))
	ok, err := e.store.TransitionBatch(context.WithoutCancel(ctx), batchID,
		[]model.BatchStatus{model.BatchPending, model.BatchProcessing}, model.BatchFailed)
	if err != nil {
		log.Error("workflow: launch: failed to record batch failure", zap.Error(err))
		return
	}
	if !ok {
		log.Warn("workflow: launch: batch moved before failure was recorded")
	}
}
