package dispute

import (
	"context"
	"sort"
	"sync"
	"time"

	"disputeflow/deadline"
	"disputeflow/escalation"
	"disputeflow/fault"
	"disputeflow/ledger"
)

// MemoryStore keeps aggregates in process. Each dispute has its own row with
// a single-writer slot; different disputes never contend.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]*memRow
}

type memRow struct {
	slot chan struct{}

	mu      sync.RWMutex
	agg     Aggregate
	entries []ledger.Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]*memRow)}
}

func (s *MemoryStore) row(id string) (*memRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rows[id]
	if !ok {
		return nil, fault.New(fault.UnknownDispute, "dispute %s does not exist", id)
	}
	return r, nil
}

func (s *MemoryStore) Create(_ context.Context, agg Aggregate, entries []ledger.Entry) ([]ledger.Entry, error) {
	sealed, err := ledger.SealAll(nil, entries)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rows[agg.Dispute.ID]; exists {
		return nil, fault.New(fault.InvalidInput, "dispute %s already exists", agg.Dispute.ID)
	}
	s.rows[agg.Dispute.ID] = &memRow{
		slot:    make(chan struct{}, 1),
		agg:     agg.clone(),
		entries: sealed,
	}
	return sealed, nil
}

func (s *MemoryStore) Load(_ context.Context, id string) (Aggregate, error) {
	r, err := s.row(id)
	if err != nil {
		return Aggregate{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agg.clone(), nil
}

// Mutate runs fn while holding the dispute's writer slot. The slot wait
// honours ctx so a stuck writer cannot block callers forever.
func (s *MemoryStore) Mutate(ctx context.Context, id string, fn MutateFunc) (Aggregate, []ledger.Entry, error) {
	r, err := s.row(id)
	if err != nil {
		return Aggregate{}, nil, err
	}
	select {
	case r.slot <- struct{}{}:
	case <-ctx.Done():
		return Aggregate{}, nil, ctx.Err()
	}
	defer func() { <-r.slot }()

	r.mu.RLock()
	work := r.agg.clone()
	var prev *ledger.Entry
	if n := len(r.entries); n > 0 {
		last := r.entries[n-1]
		prev = &last
	}
	r.mu.RUnlock()

	entries, err := fn(&work)
	if err != nil {
		return Aggregate{}, nil, err
	}
	if len(entries) == 0 {
		return work, nil, nil
	}
	sealed, err := ledger.SealAll(prev, entries)
	if err != nil {
		return Aggregate{}, nil, err
	}

	// Ledger first, then the state readers see.
	r.mu.Lock()
	r.entries = append(r.entries, sealed...)
	r.mu.Unlock()

	r.mu.Lock()
	r.agg = work.clone()
	r.mu.Unlock()
	return work, sealed, nil
}

func (s *MemoryStore) Timeline(_ context.Context, id string) (ledger.Timeline, error) {
	r, err := s.row(id)
	if err != nil {
		return ledger.Timeline{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return ledger.NewTimeline(r.entries), nil
}

func (s *MemoryStore) ListDue(_ context.Context, now time.Time) ([]string, error) {
	s.mu.RLock()
	rows := make(map[string]*memRow, len(s.rows))
	for id, r := range s.rows {
		rows[id] = r
	}
	s.mu.RUnlock()

	var out []string
	for id, r := range rows {
		r.mu.RLock()
		due := isDue(&r.agg, now)
		r.mu.RUnlock()
		if due {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// isDue is the sweep predicate shared by the memory store and the service's
// re-check under lock.
func isDue(agg *Aggregate, now time.Time) bool {
	return dueReason(agg, now) != dueNone
}

type dueKind int

const (
	dueNone dueKind = iota
	dueResponseDeadline
	dueCureWindow
)

func dueReason(agg *Aggregate, now time.Time) dueKind {
	d := agg.Dispute
	if d.Locked || d.Withdrawn() || !d.TrackingStarted() {
		return dueNone
	}
	if agg.Tier2.Expired(now) {
		return dueCureWindow
	}
	if d.State != escalation.Disputed && d.State != escalation.Responded {
		return dueNone
	}
	if d.DeadlineDate == nil || !deadline.Passed(*d.DeadlineDate, now) {
		return dueNone
	}
	if len(agg.Unanswered()) == 0 {
		return dueNone
	}
	return dueResponseDeadline
}
