package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/mof-screen/internal/model"
)

// ErrNotFound is returned by lookups for a batch or item that does not exist.
var ErrNotFound = eris.New("store: not found")

// ErrTerminal is returned by MergeItemResult when the item already reached a
// terminal status. Terminal items keep the results they finished with.
var ErrTerminal = eris.New("store: item is terminal")

// BatchFilter specifies criteria for listing batches.
type BatchFilter struct {
	Statuses      []model.BatchStatus `json:"statuses,omitempty"`
	CreatedAfter  time.Time           `json:"created_after,omitempty"`
	UpdatedBefore time.Time           `json:"updated_before,omitempty"`
	Limit         int                 `json:"limit,omitempty"`
	Offset        int                 `json:"offset,omitempty"`
}

// NewItem describes one material to create alongside a batch.
type NewItem struct {
	Name       string
	SourcePath string
}

// ItemTransition is a compare-and-set on an item's status. The update only
// applies when the item's current status is one of From.
type ItemTransition struct {
	ItemID string
	From   []model.ItemStatus
	To     model.ItemStatus
	// FinalPath and ErrorMessage are written when non-empty.
	FinalPath    string
	ErrorMessage string
}

// Store defines the persistence interface for the screening pipeline. Every
// status change is a compare-and-set so that concurrent workers and the
// reconciliation controller can race safely.
type Store interface {
	// Batches
	CreateBatch(ctx context.Context, batch model.Batch, items []NewItem) (*model.Batch, []model.Item, error)
	GetBatch(ctx context.Context, batchID string) (*model.Batch, error)
	ListBatches(ctx context.Context, filter BatchFilter) ([]model.Batch, error)
	TransitionBatch(ctx context.Context, batchID string, from []model.BatchStatus, to model.BatchStatus) (bool, error)

	// Items
	GetItem(ctx context.Context, itemID string) (*model.Item, error)
	ListItems(ctx context.Context, batchID string) ([]model.Item, error)
	ListItemIDs(ctx context.Context, batchID string) ([]string, error)
	CountItemsByStatus(ctx context.Context, batchID string) (map[model.ItemStatus]int, error)
	TransitionItem(ctx context.Context, t ItemTransition) (bool, error)
	// MergeItemResult sets results[key] on a non-terminal item. It returns
	// ErrNotFound for an unknown item and ErrTerminal for a finished one.
	MergeItemResult(ctx context.Context, itemID, key string, value any) error

	// Metrics
	CountItemsUpdatedSince(ctx context.Context, since time.Time) (map[model.ItemStatus]int, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// FailItem moves an item from any non-terminal status to FAILED with msg.
// It reports false when the item was already terminal.
func FailItem(ctx context.Context, s Store, itemID, msg string) (bool, error) {
	if msg == "" {
		msg = "unknown error"
	}
	return s.TransitionItem(ctx, ItemTransition{
		ItemID:       itemID,
		From:         model.NonTerminalItemStatuses(),
		To:           model.ItemFailed,
		ErrorMessage: msg,
	})
}

// legalItemSources drops From statuses that cannot legally move to t.To and
// returns them as strings. An empty result means the move is illegal.
func legalItemSources(t ItemTransition) []string {
	out := make([]string, 0, len(t.From))
	for _, from := range t.From {
		if model.CanTransition(from, t.To) {
			out = append(out, string(from))
		}
	}
	return out
}

func legalBatchSources(from []model.BatchStatus, to model.BatchStatus) []string {
	out := make([]string, 0, len(from))
	for _, f := range from {
		if model.CanTransitionBatch(f, to) {
			out = append(out, string(f))
		}
	}
	return out
}

func nonTerminalItemStrings() []string {
	statuses := model.NonTerminalItemStatuses()
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

// mergeMiss explains a MergeItemResult that updated no row.
func mergeMiss(ctx context.Context, s Store, itemID string) error {
	item, err := s.GetItem(ctx, itemID)
	if err != nil {
		return err
	}
	return eris.Wrapf(ErrTerminal, "item %s is %s", itemID, item.Status)
}

func newID() string {
	return uuid.New().String()
}

func batchStatusStrings(in []model.BatchStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
