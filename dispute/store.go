package dispute

import (
	"context"
	"time"

	"disputeflow/ledger"
)

// MutateFunc changes an aggregate and returns the unsealed ledger entries
// recording the change. Returning no entries and no error is a no-op:
// nothing is written.
type MutateFunc func(agg *Aggregate) ([]ledger.Entry, error)

// Store persists aggregates and their ledgers. Mutate serialises all writers
// of one dispute; entries are sealed and durably appended before the new
// aggregate becomes visible to readers.
type Store interface {
	Create(ctx context.Context, agg Aggregate, entries []ledger.Entry) ([]ledger.Entry, error)
	Load(ctx context.Context, id string) (Aggregate, error)
	Mutate(ctx context.Context, id string, fn MutateFunc) (Aggregate, []ledger.Entry, error)
	Timeline(ctx context.Context, id string) (ledger.Timeline, error)
	ListDue(ctx context.Context, now time.Time) ([]string, error)
}
