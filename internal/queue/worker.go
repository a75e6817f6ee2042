package queue

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrShutdown is the cancellation cause of a job still running when the
// worker's drain timeout expires. Brokers leave such jobs unacknowledged so
// they are delivered again.
var ErrShutdown = errors.New("queue: worker shutting down")

// DefaultDrainTimeout bounds how long Run waits for in-flight jobs after its
// context is cancelled.
const DefaultDrainTimeout = 30 * time.Second

// Worker routes jobs from a Broker to per-kind handlers.
type Worker struct {
	broker      Broker
	concurrency int
	drain       time.Duration
	handlers    map[Kind]Handler
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithDrainTimeout sets how long in-flight jobs may keep running after Run's
// context is cancelled.
func WithDrainTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.drain = d
		}
	}
}

// NewWorker creates a Worker with the given number of concurrent consumers.
func NewWorker(broker Broker, concurrency int, opts ...WorkerOption) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	w := &Worker{
		broker:      broker,
		concurrency: concurrency,
		drain:       DefaultDrainTimeout,
		handlers:    make(map[Kind]Handler),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Handle registers h for kind, replacing any previous handler.
func (w *Worker) Handle(kind Kind, h Handler) {
	w.handlers[kind] = h
}

// Run consumes until ctx is cancelled. It returns nil on cancellation.
//
// Cancelling ctx stops the consumers from reading new jobs. Jobs already
// running keep going until they finish or the drain timeout expires; past
// the deadline their context is cancelled with ErrShutdown.
func (w *Worker) Run(ctx context.Context) error {
	zap.L().Info("worker: starting", zap.Int("concurrency", w.concurrency), zap.Int("handlers", len(w.handlers)))

	jobCtx, cancelJobs := context.WithCancelCause(context.WithoutCancel(ctx))
	defer cancelJobs(nil)

	stopped := make(chan struct{})
	go w.drainAfterCancel(ctx, stopped, cancelJobs)

	dispatch := func(_ context.Context, job Job) error {
		return w.Dispatch(jobCtx, job)
	}

	g, gctx := errgroup.WithContext(ctx)
	for slot := range w.concurrency {
		g.Go(func() error {
			err := w.broker.Consume(gctx, slot, dispatch)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	err := g.Wait()
	close(stopped)
	zap.L().Info("worker: stopped")
	return err
}

// drainAfterCancel cancels in-flight jobs with ErrShutdown once ctx is done
// and the drain timeout passes, unless the consumers stop first.
func (w *Worker) drainAfterCancel(ctx context.Context, stopped <-chan struct{}, cancelJobs context.CancelCauseFunc) {
	select {
	case <-stopped:
		return
	case <-ctx.Done():
	}
	zap.L().Info("worker: draining in-flight jobs", zap.Duration("timeout", w.drain))

	timer := time.NewTimer(w.drain)
	defer timer.Stop()
	select {
	case <-stopped:
	case <-timer.C:
		zap.L().Warn("worker: drain timeout expired, interrupting jobs")
		cancelJobs(ErrShutdown)
	}
}

// Dispatch runs the handler registered for job.Kind. A job whose context was
// cancelled with ErrShutdown reports ErrShutdown whatever the handler
// returned.
func (w *Worker) Dispatch(ctx context.Context, job Job) error {
	h, ok := w.handlers[job.Kind]
	if !ok {
		return eris.Errorf("worker: no handler for kind %q", job.Kind)
	}

	start := time.Now()
	log := zap.L().With(
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.String("batch_id", job.BatchID),
	)
	if job.ItemID != "" {
		log = log.With(zap.String("item_id", job.ItemID))
	}
	log.Debug("worker: job started")

	err := h(ctx, job)
	log.Debug("worker: job finished", zap.Duration("elapsed", time.Since(start)), zap.Bool("ok", err == nil))
	if errors.Is(context.Cause(ctx), ErrShutdown) {
		return eris.Wrapf(ErrShutdown, "worker: %s interrupted", job.Kind)
	}
	return err
}
