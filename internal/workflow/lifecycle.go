package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mof-screen/internal/model"
	"github.com/sells-group/mof-screen/internal/queue"
	"github.com/sells-group/mof-screen/internal/store"
)

// stage describes one per-item unit of pipeline work. The lifecycle wrapper
// owns every status change; bodies only compute.
type stage struct {
	name      string
	entry     []model.ItemStatus
	running   model.ItemStatus
	success   model.ItemStatus
	resultKey string
	body      func(ctx context.Context, item *model.Item) (*stageOutput, error)
	// next, when set, is enqueued after the item reaches success.
	next func(ctx context.Context, item *model.Item) error
}

type stageOutput struct {
	result    any
	finalPath string
}

// runStage executes st for itemID. Stage failures are recorded on the item
// and never returned; only infrastructure errors while loading the item
// reach the queue. A stage interrupted by worker shutdown leaves the item at
// its running status for the redelivered job to pick up.
func (e *Engine) runStage(ctx context.Context, st stage, itemID string) error {
	log := zap.L().With(zap.String("stage", st.name), zap.String("item_id", itemID))

	item, err := e.store.GetItem(ctx, itemID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("workflow: item not found, skipping")
		return nil
	}
	if err != nil {
		return eris.Wrapf(err, "workflow: %s: load item", st.name)
	}
	log = log.With(zap.String("batch_id", item.BatchID))

	ok, err := e.store.TransitionItem(ctx, store.ItemTransition{
		ItemID: item.ID,
		From:   st.entry,
		To:     st.running,
	})
	if err != nil {
		e.failStage(ctx, log, st, item, eris.Wrap(err, "mark in progress"))
		return nil
	}
	if !ok {
		log.Info("workflow: item not at stage entry, skipping", zap.String("status", string(item.Status)))
		return nil
	}

	start := time.Now()
	log.Info("workflow: stage started")

	final, err := e.completeStage(ctx, st, item)
	if err != nil {
		e.failStage(ctx, log, st, item, err)
		return nil
	}

	log.Info("workflow: stage finished",
		zap.String("status", string(final)),
		zap.Duration("elapsed", time.Since(start)),
	)
	e.afterStage(ctx, log, item.BatchID, final)
	return nil
}

// completeStage runs the body, merges its result and moves the item to the
// success status. It returns the status the item ended at. Once the body
// returns, the bookkeeping runs detached from ctx.
func (e *Engine) completeStage(ctx context.Context, st stage, item *model.Item) (model.ItemStatus, error) {
	out, err := st.body(ctx, item)
	if err != nil {
		return "", err
	}
	ctx = context.WithoutCancel(ctx)

	if err := e.store.MergeItemResult(ctx, item.ID, st.resultKey, out.result); err != nil {
		if errors.Is(err, store.ErrTerminal) {
			return e.itemMoved(ctx, st, item)
		}
		return "", eris.Wrap(err, "save result")
	}

	ok, err := e.store.TransitionItem(ctx, store.ItemTransition{
		ItemID:    item.ID,
		From:      []model.ItemStatus{st.running},
		To:        st.success,
		FinalPath: out.finalPath,
	})
	if err != nil {
		return "", eris.Wrap(err, "mark done")
	}
	if !ok {
		return e.itemMoved(ctx, st, item)
	}

	if st.next != nil {
		if err := st.next(ctx, item); err != nil {
			return "", eris.Wrap(err, "enqueue next stage")
		}
	}
	return st.success, nil
}

// itemMoved reports the status of an item that left the stage's running
// status while the body ran. Its result is discarded.
func (e *Engine) itemMoved(ctx context.Context, st stage, item *model.Item) (model.ItemStatus, error) {
	current, err := e.store.GetItem(ctx, item.ID)
	if err != nil {
		return "", eris.Wrap(err, "reload item")
	}
	zap.L().Warn("workflow: item moved during stage",
		zap.String("stage", st.name),
		zap.String("item_id", item.ID),
		zap.String("status", string(current.Status)),
	)
	return current.Status, nil
}

// failStage records err on the item and moves it to FAILED. The write is
// detached from ctx so that a cancelled job still leaves the item terminal.
func (e *Engine) failStage(ctx context.Context, log *zap.Logger, st stage, item *model.Item, err error) {
	if shuttingDown(ctx) {
		log.Warn("workflow: stage interrupted by shutdown", zap.Error(err))
		return
	}
	msg := st.name + ": " + err.Error()
	log.Error("workflow: stage failed", zap.Error(err))

	wctx := context.WithoutCancel(ctx)
	ok, ferr := store.FailItem(wctx, e.store, item.ID, msg)
	if ferr != nil {
		log.Error("workflow: failed to record item failure", zap.Error(ferr))
		return
	}
	if !ok {
		log.Warn("workflow: item already terminal, failure not recorded")
		return
	}
	e.afterStage(wctx, log, item.BatchID, model.ItemFailed)
}

// afterStage evaluates the barrier when the item reached a status the
// barrier depends on.
func (e *Engine) afterStage(ctx context.Context, log *zap.Logger, batchID string, status model.ItemStatus) {
	if !e.reconcileOnEvent {
		return
	}
	if status != model.ItemSecondFiltering && !status.IsTerminal() {
		return
	}
	if _, err := e.barrier.Evaluate(ctx, batchID); err != nil {
		log.Error("workflow: barrier evaluation failed", zap.Error(err))
	}
}

// shuttingDown reports whether ctx was cancelled by the worker's drain
// timeout rather than by the work itself.
func shuttingDown(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), queue.ErrShutdown)
}
