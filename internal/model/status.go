package model

// ItemStatus represents where a single material sits in the screening pipeline.
type ItemStatus string

const (
	ItemPending          ItemStatus = "pending"
	ItemAnalyzing        ItemStatus = "analyzing"
	ItemFirstFiltering   ItemStatus = "first_filtering"
	ItemOptimizing1      ItemStatus = "optimizing_1"
	ItemPostOptAnalyzing ItemStatus = "post_opt_analyzing"
	ItemSecondFiltering  ItemStatus = "second_filtering"
	ItemOptimizing2      ItemStatus = "optimizing_2"
	ItemCompleted        ItemStatus = "completed"
	ItemFilteredOut      ItemStatus = "filtered_out"
	ItemFailed           ItemStatus = "failed"
)

// AllItemStatuses lists every item status in pipeline order.
var AllItemStatuses = []ItemStatus{
	ItemPending,
	ItemAnalyzing,
	ItemFirstFiltering,
	ItemOptimizing1,
	ItemPostOptAnalyzing,
	ItemSecondFiltering,
	ItemOptimizing2,
	ItemCompleted,
	ItemFilteredOut,
	ItemFailed,
}

// IsTerminal reports whether the status is absorbing.
func (s ItemStatus) IsTerminal() bool {
	switch s {
	case ItemCompleted, ItemFilteredOut, ItemFailed:
		return true
	}
	return false
}

// IsValid reports whether s is a known item status.
func (s ItemStatus) IsValid() bool {
	for _, known := range AllItemStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// itemTransitions is the single authority for forward item moves. FAILED is
// reachable from every non-terminal status and is handled in CanTransition.
var itemTransitions = map[ItemStatus][]ItemStatus{
	ItemPending:          {ItemAnalyzing},
	ItemAnalyzing:        {ItemFirstFiltering},
	ItemFirstFiltering:   {ItemOptimizing1, ItemFilteredOut},
	ItemOptimizing1:      {ItemPostOptAnalyzing},
	ItemPostOptAnalyzing: {ItemSecondFiltering},
	ItemSecondFiltering:  {ItemOptimizing2, ItemFilteredOut},
	ItemOptimizing2:      {ItemCompleted},
}

// CanTransition reports whether an item may move from one status to another.
// Re-entering the same non-terminal status is allowed so that a stage can
// mark its in-progress status idempotently.
func CanTransition(from, to ItemStatus) bool {
	if from.IsTerminal() {
		return false
	}
	if to == ItemFailed || from == to {
		return true
	}
	for _, next := range itemTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// BatchStatus represents the lifecycle of a screening batch.
type BatchStatus string

const (
	BatchPending            BatchStatus = "pending"
	BatchProcessing         BatchStatus = "processing"
	BatchAwaitingSecondSync BatchStatus = "awaiting_second_sync"
	BatchCompleted          BatchStatus = "completed"
	BatchFailed             BatchStatus = "failed"
	// BatchPartiallyCompleted is only ever derived for reporting.
	BatchPartiallyCompleted BatchStatus = "partially_completed"
)

// IsTerminal reports whether the batch status is absorbing.
func (s BatchStatus) IsTerminal() bool {
	switch s {
	case BatchCompleted, BatchFailed, BatchPartiallyCompleted:
		return true
	}
	return false
}

// IsValid reports whether s is a known batch status.
func (s BatchStatus) IsValid() bool {
	switch s {
	case BatchPending, BatchProcessing, BatchAwaitingSecondSync,
		BatchCompleted, BatchFailed, BatchPartiallyCompleted:
		return true
	}
	return false
}

var batchTransitions = map[BatchStatus][]BatchStatus{
	BatchPending:    {BatchProcessing},
	BatchProcessing: {BatchAwaitingSecondSync},
}

// CanTransitionBatch reports whether a batch may move between two statuses.
// COMPLETED and FAILED are reachable from every non-terminal status.
func CanTransitionBatch(from, to BatchStatus) bool {
	if from.IsTerminal() || from == to {
		return false
	}
	if to == BatchCompleted || to == BatchFailed {
		return true
	}
	for _, next := range batchTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NonTerminalItemStatuses returns every status an item can still leave.
func NonTerminalItemStatuses() []ItemStatus {
	out := make([]ItemStatus, 0, len(AllItemStatuses))
	for _, s := range AllItemStatuses {
		if !s.IsTerminal() {
			out = append(out, s)
		}
	}
	return out
}
