package queue

import (
	"time"

	"github.com/google/uuid"
)

// Kind names the handler a job is routed to.
type Kind string

const (
	KindLaunch          Kind = "launch"
	KindAnalysis        Kind = "analysis"
	KindOptimize1       Kind = "optimize_1"
	KindPostOptAnalysis Kind = "post_opt_analysis"
	KindOptimize2       Kind = "optimize_2"
	KindFirstFilter     Kind = "first_filter"
	KindSecondFilter    Kind = "second_filter"
)

// Job is one unit of queued work. Item jobs carry ItemID; batch jobs
// (launch, filters) carry only BatchID.
type Job struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	BatchID    string    `json:"batch_id"`
	ItemID     string    `json:"item_id,omitempty"`
	GroupID    string    `json:"group_id,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// NewItemJob returns a job for a per-item stage.
func NewItemJob(kind Kind, batchID, itemID string) Job {
	return Job{Kind: kind, BatchID: batchID, ItemID: itemID}
}

// NewBatchJob returns a job that acts on a whole batch.
func NewBatchJob(kind Kind, batchID string) Job {
	return Job{Kind: kind, BatchID: batchID}
}

// stamp fills in the ID and enqueue time if missing.
func stamp(j Job) Job {
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.EnqueuedAt.IsZero() {
		j.EnqueuedAt = time.Now().UTC()
	}
	return j
}
