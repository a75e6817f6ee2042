package model

// BatchSummary is the read model returned by the status command and API.
type BatchSummary struct {
	Batch   Batch              `json:"batch"`
	Outcome BatchStatus        `json:"outcome"`
	Total   int                `json:"total"`
	Counts  map[ItemStatus]int `json:"counts"`
}

// Summarize builds a report for a batch from its per-status item counts.
//
// Outcome mirrors Status while the batch is running. Once the batch is
// COMPLETED the outcome is PARTIALLY_COMPLETED when some items completed and
// some failed, and FAILED when every item failed.
func Summarize(b Batch, counts map[ItemStatus]int) BatchSummary {
	sum := BatchSummary{
		Batch:   b,
		Outcome: b.Status,
		Counts:  make(map[ItemStatus]int, len(counts)),
	}
	for status, n := range counts {
		sum.Counts[status] = n
		sum.Total += n
	}

	if b.Status != BatchCompleted || sum.Total == 0 {
		return sum
	}

	completed := sum.Counts[ItemCompleted]
	failed := sum.Counts[ItemFailed]
	switch {
	case failed == sum.Total:
		sum.Outcome = BatchFailed
	case completed > 0 && failed > 0:
		sum.Outcome = BatchPartiallyCompleted
	}
	return sum
}

// Finished returns the number of items in a terminal status.
func (s BatchSummary) Finished() int {
	return s.Counts[ItemCompleted] + s.Counts[ItemFilteredOut] + s.Counts[ItemFailed]
}
