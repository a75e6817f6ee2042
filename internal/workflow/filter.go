package workflow

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mof-screen/internal/model"
	"github.com/sells-group/mof-screen/internal/queue"
	"github.com/sells-group/mof-screen/internal/rules"
	"github.com/sells-group/mof-screen/internal/store"
)

// filterPass describes one batch-scoped filter.
type filterPass struct {
	name       string
	waiting    model.ItemStatus
	pass       model.ItemStatus
	nextKind   queue.Kind
	properties func(item *model.Item) (model.Properties, error)
}

// FilterStats summarizes one filter run.
type FilterStats struct {
	Evaluated int
	Passed    int
	Rejected  int
	Failed    int
}

var firstPass = filterPass{
	name:     "first_filter",
	waiting:  model.ItemFirstFiltering,
	pass:     model.ItemOptimizing1,
	nextKind: queue.KindOptimize1,
	properties: func(item *model.Item) (model.Properties, error) {
		var props model.Properties
		_, err := item.Results.Decode(model.ResultAnalysis, &props)
		return props, err
	},
}

var secondPass = filterPass{
	name:     "second_filter",
	waiting:  model.ItemSecondFiltering,
	pass:     model.ItemOptimizing2,
	nextKind: queue.KindOptimize2,
	properties: func(item *model.Item) (model.Properties, error) {
		var res model.PostOptAnalysisResult
		_, err := item.Results.Decode(model.ResultPostOptAnalysis, &res)
		return res.Properties, err
	},
}

// FirstFilter evaluates the batch rules against every item's analysis
// properties. Survivors move to OPTIMIZING_1, the rest to FILTERED_OUT.
func (e *Engine) FirstFilter(ctx context.Context, batchID string) error {
	_, err := e.filter(ctx, firstPass, batchID)
	return err
}

// SecondFilter evaluates the batch rules against every item's
// post-optimization properties. Survivors move to OPTIMIZING_2.
func (e *Engine) SecondFilter(ctx context.Context, batchID string) error {
	_, err := e.filter(ctx, secondPass, batchID)
	return err
}

func (e *Engine) filter(ctx context.Context, fp filterPass, batchID string) (FilterStats, error) {
	var stats FilterStats
	log := zap.L().With(zap.String("stage", fp.name), zap.String("batch_id", batchID))

	batch, err := e.store.GetBatch(ctx, batchID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("workflow: filter: batch not found")
		return stats, nil
	}
	if err != nil {
		return stats, eris.Wrapf(err, "workflow: %s: load batch", fp.name)
	}
	if batch.Status.IsTerminal() {
		log.Info("workflow: filter: batch already finished", zap.String("status", string(batch.Status)))
		return stats, nil
	}

	items, err := e.store.ListItems(ctx, batchID)
	if err != nil {
		return stats, eris.Wrapf(err, "workflow: %s: list items", fp.name)
	}

	for i := range items {
		item := &items[i]
		if item.Status != fp.waiting {
			continue
		}
		stats.Evaluated++

		props, err := fp.properties(item)
		if err != nil {
			// Undecodable results carry no usable data, so every rule is
			// skipped and the item passes.
			log.Warn("workflow: filter: unreadable properties", zap.String("item_id", item.ID), zap.Error(err))
		}

		to := model.ItemFilteredOut
		if rules.Evaluate(batch.Rules, props) {
			to = fp.pass
		}
		ok, err := e.store.TransitionItem(ctx, store.ItemTransition{
			ItemID: item.ID,
			From:   []model.ItemStatus{fp.waiting},
			To:     to,
		})
		if err != nil {
			return stats, eris.Wrapf(err, "workflow: %s: transition item %s", fp.name, item.ID)
		}
		if !ok {
			log.Info("workflow: filter: item moved concurrently", zap.String("item_id", item.ID))
			continue
		}

		if to == model.ItemFilteredOut {
			stats.Rejected++
			continue
		}
		// The item already left the waiting status and would never be picked
		// up again, so neither the enqueue nor the failure record may be
		// cut short by shutdown.
		wctx := context.WithoutCancel(ctx)
		if err := e.queue.Enqueue(wctx, queue.NewItemJob(fp.nextKind, batchID, item.ID)); err != nil {
			stats.Failed++
			log.Error("workflow: filter: enqueue stage", zap.String("item_id", item.ID), zap.Error(err))
			if _, ferr := store.FailItem(wctx, e.store, item.ID, fp.name+": enqueue: "+err.Error()); ferr != nil {
				log.Error("workflow: filter: failed to record item failure", zap.String("item_id", item.ID), zap.Error(ferr))
			}
			continue
		}
		stats.Passed++
	}

	log.Info("workflow: filter finished",
		zap.Int("evaluated", stats.Evaluated),
		zap.Int("passed", stats.Passed),
		zap.Int("rejected", stats.Rejected),
		zap.Int("failed", stats.Failed),
	)

	// No survivors: the batch completes once the store shows every item
	// terminal.
	if stats.Passed == 0 {
		outcome, err := e.barrier.Evaluate(ctx, batchID)
		if err != nil {
			return stats, eris.Wrapf(err, "workflow: %s: complete batch", fp.name)
		}
		if outcome == OutcomeCompleted {
			log.Info("workflow: no items survived filtering, batch completed")
		}
	}
	return stats, nil
}
