// Package queue distributes pipeline jobs to workers. It supports a fan-out
// group with a completion callback: the callback is published exactly once,
// after every member job has been handled, whatever each member's outcome.
package queue

import (
	"context"
)

// Handler processes one job. A returned error is logged; the job is not
// retried.
type Handler func(ctx context.Context, job Job) error

// Queue publishes jobs.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// EnqueueGroup publishes members and arranges for callback to be
	// published once all of them have been handled. With no members the
	// callback is published immediately.
	EnqueueGroup(ctx context.Context, members []Job, callback Job) error
}

// Broker is a Queue that can also deliver jobs to consumers.
type Broker interface {
	Queue
	// Consume delivers jobs to h until ctx is done. slot distinguishes
	// concurrent consumers in the same process.
	Consume(ctx context.Context, slot int, h Handler) error
	Close() error
}
