package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition_HappyPath(t *testing.T) {
	path := []ItemStatus{
		ItemPending,
		ItemAnalyzing,
		ItemFirstFiltering,
		ItemOptimizing1,
		ItemPostOptAnalyzing,
		ItemSecondFiltering,
		ItemOptimizing2,
		ItemCompleted,
	}
	for i := 0; i < len(path)-1; i++ {
		assert.True(t, CanTransition(path[i], path[i+1]), "%s -> %s", path[i], path[i+1])
	}
}

func TestCanTransition_NeverBackward(t *testing.T) {
	tests := []struct {
		from, to ItemStatus
	}{
		{ItemAnalyzing, ItemPending},
		{ItemFirstFiltering, ItemAnalyzing},
		{ItemSecondFiltering, ItemOptimizing1},
		{ItemOptimizing2, ItemSecondFiltering},
		{ItemPending, ItemFirstFiltering},
		{ItemOptimizing1, ItemSecondFiltering},
	}
	for _, tt := range tests {
		assert.False(t, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestCanTransition_TerminalIsAbsorbing(t *testing.T) {
	for _, terminal := range []ItemStatus{ItemCompleted, ItemFilteredOut, ItemFailed} {
		for _, to := range AllItemStatuses {
			assert.False(t, CanTransition(terminal, to), "%s -> %s", terminal, to)
		}
	}
}

func TestCanTransition_FailedFromAnyNonTerminal(t *testing.T) {
	for _, from := range AllItemStatuses {
		if from.IsTerminal() {
			continue
		}
		assert.True(t, CanTransition(from, ItemFailed), "%s -> failed", from)
	}
}

func TestCanTransition_FilteredOutOnlyFromFilters(t *testing.T) {
	for _, from := range AllItemStatuses {
		want := from == ItemFirstFiltering || from == ItemSecondFiltering
		assert.Equal(t, want, CanTransition(from, ItemFilteredOut), "%s -> filtered_out", from)
	}
}

func TestCanTransition_SelfForInProgress(t *testing.T) {
	assert.True(t, CanTransition(ItemOptimizing1, ItemOptimizing1))
	assert.True(t, CanTransition(ItemPostOptAnalyzing, ItemPostOptAnalyzing))
	assert.False(t, CanTransition(ItemCompleted, ItemCompleted))
}

func TestItemStatus_IsValid(t *testing.T) {
	assert.True(t, ItemSecondFiltering.IsValid())
	assert.False(t, ItemStatus("bogus").IsValid())
}

func TestCanTransitionBatch(t *testing.T) {
	tests := []struct {
		name string
		from BatchStatus
		to   BatchStatus
		want bool
	}{
		{"pending to processing", BatchPending, BatchProcessing, true},
		{"processing to awaiting", BatchProcessing, BatchAwaitingSecondSync, true},
		{"awaiting to completed", BatchAwaitingSecondSync, BatchCompleted, true},
		{"processing to completed", BatchProcessing, BatchCompleted, true},
		{"pending to failed", BatchPending, BatchFailed, true},
		{"awaiting back to processing", BatchAwaitingSecondSync, BatchProcessing, false},
		{"pending to awaiting", BatchPending, BatchAwaitingSecondSync, false},
		{"awaiting twice", BatchAwaitingSecondSync, BatchAwaitingSecondSync, false},
		{"completed to failed", BatchCompleted, BatchFailed, false},
		{"failed to processing", BatchFailed, BatchProcessing, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransitionBatch(tt.from, tt.to))
		})
	}
}

func TestBatchStatus_IsValid(t *testing.T) {
	assert.True(t, BatchAwaitingSecondSync.IsValid())
	assert.True(t, BatchPartiallyCompleted.IsValid())
	assert.False(t, BatchStatus("queued").IsValid())
}
