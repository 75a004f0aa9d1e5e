// Package reinsertion watches deleted tradelines for reappearance and keeps
// the cross-entity contradiction index used by the systemic accuracy check.
package reinsertion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"disputeflow/deadline"
	"disputeflow/entity"
	"disputeflow/violation"
)

// DefaultWindow is how long a deleted tradeline stays under watch.
const DefaultWindow = 90 * 24 * time.Hour

var ErrInvalidFact = errors.New("reinsertion: invalid fact")

// Watch is an open watch over one deleted tradeline at one entity.
type Watch struct {
	DisputeID  string    `json:"dispute_id"`
	Tradeline  string    `json:"tradeline"`
	EntityName string    `json:"entity_name"`
	OpenedAt   time.Time `json:"opened_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Active reports whether at falls inside the watch window.
func (w Watch) Active(at time.Time) bool {
	return !at.Before(w.OpenedAt) && at.Before(w.ExpiresAt)
}

// Fact is a later observation of a tradeline at some entity.
type Fact struct {
	Tradeline  violation.Tradeline
	EntityName string
	ObservedAt time.Time
	// Certified is set when the furnisher certified accuracy and the consumer
	// received reinsertion notice.
	Certified bool
}

// Finding is a reinsertion without notice against an open watch.
type Finding struct {
	Watch     Watch
	Fact      Fact
	DedupeKey string
}

// Observation is one entity reporting a contradiction on a tradeline in a
// dispute cycle.
type Observation struct {
	CycleID       string
	Tradeline     violation.Tradeline
	Contradiction string
	EntityName    string
	EntityType    entity.Type
}

func (o Observation) key() string {
	return o.CycleID + ":" + o.Tradeline.Key() + ":" + strings.ToUpper(strings.TrimSpace(o.Contradiction))
}

// Store persists watches, dedupe markers and the contradiction index.
type Store interface {
	PutWatch(ctx context.Context, w Watch, ttl time.Duration) error
	Watches(ctx context.Context, tradeline string) ([]Watch, error)
	Seen(ctx context.Context, key string) (bool, error)
	MarkSeen(ctx context.Context, key string, ttl time.Duration) (bool, error)
	AddObservation(ctx context.Context, indexKey, entityName string) error
	RemoveObservation(ctx context.Context, indexKey, entityName string) error
	Observers(ctx context.Context, indexKey string) ([]string, error)
}

// Monitor implements the watch and cross-entity index on top of a Store.
type Monitor struct {
	store  Store
	window time.Duration
	logger logrus.FieldLogger
}

type Option func(*Monitor)

// WithWindow overrides the 90-day watch window.
func WithWindow(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.window = d
		}
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

func NewMonitor(store Store, opts ...Option) *Monitor {
	if store == nil {
		store = NewMemoryStore()
	}
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	m := &Monitor{store: store, window: DefaultWindow, logger: discard}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Window returns the configured watch window.
func (m *Monitor) Window() time.Duration {
	return m.window
}

// Open starts watches for every tradeline of a dispute resolved by deletion.
func (m *Monitor) Open(ctx context.Context, disputeID, entityName string, tradelines []violation.Tradeline, at time.Time) error {
	opened := deadline.Day(at)
	for _, tl := range tradelines {
		if tl.IsZero() {
			continue
		}
		w := Watch{
			DisputeID:  disputeID,
			Tradeline:  tl.Key(),
			EntityName: entity.NormalizeName(entityName),
			OpenedAt:   opened,
			ExpiresAt:  opened.Add(m.window),
		}
		if err := m.store.PutWatch(ctx, w, m.window); err != nil {
			return fmt.Errorf("reinsertion: open watch: %w", err)
		}
	}
	m.logger.WithFields(logrus.Fields{"dispute_id": disputeID, "tradelines": len(tradelines)}).Debug("reinsertion watch opened")
	return nil
}

// DedupeKey identifies one reinsertion: tradeline, watched entity, window.
func DedupeKey(w Watch) string {
	return w.Tradeline + "|" + w.EntityName + "|" + w.OpenedAt.Format(time.DateOnly)
}

var violationNamespace = uuid.MustParse("0b6f5c7e-2f4d-4e0a-8d51-7a3c9e1b2d44")

// ViolationID is the identifier of the REINSERTION_WITHOUT_NOTICE violation
// a finding synthesises. Repeated findings map to the same id.
func (fd Finding) ViolationID() string {
	return uuid.NewSHA1(violationNamespace, []byte(fd.DedupeKey)).String()
}

// Check returns the findings the fact raises against open watches that have
// not been acknowledged yet. It does not mark them; call Acknowledge once the
// finding has been applied.
func (m *Monitor) Check(ctx context.Context, f Fact) ([]Finding, error) {
	if f.Tradeline.IsZero() || f.ObservedAt.IsZero() {
		return nil, ErrInvalidFact
	}
	if f.Certified {
		return nil, nil
	}
	watches, err := m.store.Watches(ctx, f.Tradeline.Key())
	if err != nil {
		return nil, fmt.Errorf("reinsertion: load watches: %w", err)
	}
	var out []Finding
	for _, w := range watches {
		if !w.Active(f.ObservedAt) {
			continue
		}
		key := DedupeKey(w)
		seen, err := m.store.Seen(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("reinsertion: dedupe lookup: %w", err)
		}
		if seen {
			continue
		}
		out = append(out, Finding{Watch: w, Fact: f, DedupeKey: key})
	}
	return out, nil
}

// Acknowledge marks a finding as applied. It returns false when another
// caller acknowledged it first.
func (m *Monitor) Acknowledge(ctx context.Context, fd Finding) (bool, error) {
	ok, err := m.store.MarkSeen(ctx, fd.DedupeKey, m.window)
	if err != nil {
		return false, fmt.Errorf("reinsertion: acknowledge: %w", err)
	}
	return ok, nil
}

// Observe records a contradiction observation. Only bureau observations
// feed the cross-bureau index.
func (m *Monitor) Observe(ctx context.Context, o Observation) error {
	if o.EntityType != entity.TypeBureau || strings.TrimSpace(o.Contradiction) == "" {
		return nil
	}
	if err := m.store.AddObservation(ctx, o.key(), entity.NormalizeName(o.EntityName)); err != nil {
		return fmt.Errorf("reinsertion: observe: %w", err)
	}
	return nil
}

// Retract removes an entity's observation, e.g. after it deleted the item.
func (m *Monitor) Retract(ctx context.Context, o Observation) error {
	if strings.TrimSpace(o.Contradiction) == "" {
		return nil
	}
	if err := m.store.RemoveObservation(ctx, o.key(), entity.NormalizeName(o.EntityName)); err != nil {
		return fmt.Errorf("reinsertion: retract: %w", err)
	}
	return nil
}

// CrossBureau reports whether two or more distinct bureaus hold the same
// contradiction on the tradeline in the cycle.
func (m *Monitor) CrossBureau(ctx context.Context, o Observation) (bool, error) {
	if strings.TrimSpace(o.Contradiction) == "" {
		return false, nil
	}
	names, err := m.store.Observers(ctx, o.key())
	if err != nil {
		return false, fmt.Errorf("reinsertion: cross bureau lookup: %w", err)
	}
	return len(names) >= 2, nil
}

// CrossBureauWith is CrossBureau with o itself counted as an observer. It
// reads the index without writing to it, so an evaluation that is later
// rejected leaves the index untouched.
func (m *Monitor) CrossBureauWith(ctx context.Context, o Observation) (bool, error) {
	if strings.TrimSpace(o.Contradiction) == "" {
		return false, nil
	}
	names, err := m.store.Observers(ctx, o.key())
	if err != nil {
		return false, fmt.Errorf("reinsertion: cross bureau lookup: %w", err)
	}
	distinct := make(map[string]bool, len(names)+1)
	for _, n := range names {
		distinct[n] = true
	}
	if o.EntityType == entity.TypeBureau {
		distinct[entity.NormalizeName(o.EntityName)] = true
	}
	return len(distinct) >= 2, nil
}
