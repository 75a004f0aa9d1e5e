package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"disputeflow/dispute"
	"disputeflow/escalation"
	"disputeflow/fault"
	"disputeflow/sweep"
	"disputeflow/violation"
)

// Clock is a shared, manually advanced clock. The sweeper moves it forward
// so deadlines expire while responders are still writing.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock { return &Clock{now: start.UTC()} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Stats counts actor outcomes. Rejected are domain faults (locked, duplicate,
// illegal transition); Transient are connection errors caused by chaos.
type Stats struct {
	Accepted  atomic.Int64
	Rejected  atomic.Int64
	Transient atomic.Int64
	Fired     atomic.Int64
}

func (s *Stats) String() string {
	return fmt.Sprintf("accepted=%d rejected=%d transient=%d fired=%d",
		s.Accepted.Load(), s.Rejected.Load(), s.Transient.Load(), s.Fired.Load())
}

func (s *Stats) record(err error) {
	switch {
	case err == nil:
		s.Accepted.Add(1)
	case fault.CodeOf(err) != "":
		s.Rejected.Add(1)
	default:
		s.Transient.Add(1)
	}
}

// Target is one seeded dispute and its data-layer violation ids.
type Target struct {
	DisputeID  string
	Violations []string
}

var responses = []violation.ResponseType{
	violation.ResponseDeleted,
	violation.ResponseVerified,
	violation.ResponseVerified,
	violation.ResponseUpdated,
	violation.ResponseInvestigating,
	violation.ResponseRejected,
}

// Responder logs entity responses against random violations, sometimes
// correcting an earlier response instead of adding a first one.
func Responder(ctx context.Context, svc *dispute.Service, clock *Clock, targets []Target, seed int64, stats *Stats, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tg := targets[rng.Intn(len(targets))]
		params := dispute.LogResponseParams{
			DisputeID:    tg.DisputeID,
			ViolationID:  tg.Violations[rng.Intn(len(tg.Violations))],
			Response:     responses[rng.Intn(len(responses))],
			ResponseDate: clock.Now(),
			Supersede:    rng.Intn(3) == 0,
		}
		if params.Response == violation.ResponseVerified && rng.Intn(2) == 0 {
			params.Findings = &violation.Findings{}
		}
		_, err := svc.LogResponse(ctx, params)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		stats.record(err)
		time.Sleep(time.Duration(5+rng.Intn(20)) * time.Millisecond)
	}
}

var targetsUp = []escalation.State{
	escalation.ProceduralEnforcement,
	escalation.SubstantiveEnforcement,
	escalation.RegulatoryEscalation,
	escalation.LitigationReady,
}

// Escalator requests manual escalations. Most are refused because the
// dispute is not yet non-compliant, which is the point.
func Escalator(ctx context.Context, svc *dispute.Service, targets []Target, seed int64, stats *Stats, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tg := targets[rng.Intn(len(targets))]
		_, err := svc.RequestEscalation(ctx, tg.DisputeID, targetsUp[rng.Intn(len(targetsUp))], "stress")
		if errors.Is(err, context.Canceled) {
			return nil
		}
		stats.record(err)
		time.Sleep(time.Duration(30+rng.Intn(60)) * time.Millisecond)
	}
}

// Sweeper advances the shared clock a day at a time and runs the deadline
// sweep, racing the responders for the same dispute rows.
func Sweeper(ctx context.Context, s *sweep.Sweeper, clock *Clock, stats *Stats, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		clock.Advance(24 * time.Hour)
		rep, err := s.RunOnce(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			stats.Transient.Add(1)
		}
		stats.Fired.Add(int64(rep.Fired))
		time.Sleep(150 * time.Millisecond)
	}
}

// Tamperer tries to rewrite history behind the service's back. Any
// statement that succeeds is a failure of the database guards.
func Tamperer(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	attempts := []string{
		`UPDATE ledger_entries SET description = 'rewritten' WHERE seq = 1`,
		`DELETE FROM ledger_entries WHERE seq = 1`,
		`UPDATE response_events SET response_type = 'DELETED'`,
		`UPDATE disputes SET tier = 0, locked = false WHERE locked`,
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		for _, sql := range attempts {
			tag, err := pool.Exec(ctx, sql)
			if err == nil && tag.RowsAffected() > 0 {
				return fmt.Errorf("tamper statement succeeded (%d rows): %s", tag.RowsAffected(), sql)
			}
		}
		time.Sleep(250 * time.Millisecond)
	}
}
