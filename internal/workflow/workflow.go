// Package workflow drives screening batches through the pipeline: the stage
// executors, the fan-out launch with its first-filter join, both filter
// passes, and the barrier that gates the second filter and detects batch
// completion.
package workflow

import (
	"context"

	"github.com/sells-group/mof-screen/internal/artifact"
	"github.com/sells-group/mof-screen/internal/queue"
	"github.com/sells-group/mof-screen/internal/store"
	"github.com/sells-group/mof-screen/pkg/convert"
	"github.com/sells-group/mof-screen/pkg/mace"
	"github.com/sells-group/mof-screen/pkg/xtb"
	"github.com/sells-group/mof-screen/pkg/zeopp"
)

// Services are the compute services the stages call.
type Services struct {
	Zeopp     zeopp.Client
	Converter convert.Client
	MACE      mace.Client
	XTB       xtb.Client
	// XTBParams defaults to xtb.DefaultParams when zero.
	XTBParams *xtb.Params
}

// Engine executes stage and batch jobs.
type Engine struct {
	store     store.Store
	queue     queue.Queue
	artifacts artifact.Store
	svc       Services
	barrier   *Barrier

	reconcileOnEvent bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithReconcileOnEvent toggles barrier evaluation after every stage that
// leaves an item at SECOND_FILTERING or a terminal status. It is on by
// default; with it off the Controller alone advances batches.
func WithReconcileOnEvent(on bool) Option {
	return func(e *Engine) { e.reconcileOnEvent = on }
}

// New creates an Engine.
func New(st store.Store, q queue.Queue, art artifact.Store, svc Services, opts ...Option) *Engine {
	e := &Engine{
		store:            st,
		queue:            q,
		artifacts:        art,
		svc:              svc,
		barrier:          NewBarrier(st, q),
		reconcileOnEvent: true,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Barrier returns the engine's barrier.
func (e *Engine) Barrier() *Barrier {
	return e.barrier
}

// Register installs a handler for every job kind on w.
func (e *Engine) Register(w *queue.Worker) {
	w.Handle(queue.KindLaunch, func(ctx context.Context, j queue.Job) error { return e.Launch(ctx, j.BatchID) })
	w.Handle(queue.KindAnalysis, func(ctx context.Context, j queue.Job) error { return e.Analyze(ctx, j.ItemID) })
	w.Handle(queue.KindOptimize1, func(ctx context.Context, j queue.Job) error { return e.Optimize1(ctx, j.ItemID) })
	w.Handle(queue.KindPostOptAnalysis, func(ctx context.Context, j queue.Job) error { return e.PostOptAnalyze(ctx, j.ItemID) })
	w.Handle(queue.KindOptimize2, func(ctx context.Context, j queue.Job) error { return e.Optimize2(ctx, j.ItemID) })
	w.Handle(queue.KindFirstFilter, func(ctx context.Context, j queue.Job) error { return e.FirstFilter(ctx, j.BatchID) })
	w.Handle(queue.KindSecondFilter, func(ctx context.Context, j queue.Job) error { return e.SecondFilter(ctx, j.BatchID) })
}
