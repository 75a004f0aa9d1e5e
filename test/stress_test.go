package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"disputeflow/config"
	"disputeflow/dispute"
	"disputeflow/sweep"
	"disputeflow/test/actors"
	"disputeflow/test/chaos"
	"disputeflow/test/infra"
	"disputeflow/test/oracles"
	"disputeflow/violation"
)

var (
	flDuration    = flag.Duration("duration", 30*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent responders")
	flDisputes    = flag.Int("disputes", 6, "number of disputes under contention")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

var entities = []string{"Equifax", "Experian", "TransUnion"}

func TestDisputeConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test skipped in -short mode")
	}
	seed := *flSeed
	rng := rand.New(rand.NewSource(seed))

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	pg, err := infra.Acquire(ctx, *flDSN)
	if errors.Is(err, infra.ErrNoDatabase) {
		t.Skipf("no docker and no local postgres: %v", err)
	}
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	defer pg.Release(context.Background())

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	pool, teardown, err := infra.ApplyMigrations(ctx, pg.DSN, pg.Shared, logger)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	clock := actors.NewClock(time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC))
	svc := dispute.NewService(dispute.NewRepository(pool)).
		WithClock(clock.Now).
		WithLogger(logger)
	targets := mustSeed(t, ctx, svc, clock, rng)

	// Two sweepers share a redis lock when one is configured; otherwise
	// they race on the row locks alone.
	sweepers := []*sweep.Sweeper{
		sweep.New(svc).WithClock(clock.Now).WithConcurrency(4),
		sweep.New(svc).WithClock(clock.Now).WithConcurrency(2),
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		rdb, locker, err := config.ConnectRedis(ctx, url)
		if err != nil {
			t.Fatalf("connect redis: %v", err)
		}
		defer rdb.Close()
		for i := range sweepers {
			sweepers[i] = sweepers[i].WithLocker(locker)
		}
	}

	stats := &actors.Stats{}
	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	for i := 0; i < *flConcurrency; i++ {
		actorSeed := rng.Int63()
		g.Go(func() error { return actors.Responder(ctx2, svc, clock, targets, actorSeed, stats, stop) })
	}
	escSeed := rng.Int63()
	g.Go(func() error { return actors.Escalator(ctx2, svc, targets, escSeed, stats, stop) })
	for _, s := range sweepers {
		g.Go(func() error { return actors.Sweeper(ctx2, s, clock, stats, stop) })
	}
	g.Go(func() error { return actors.Tamperer(ctx2, pool, stop) })

	killed := make(chan int, 1)
	chaosSeed := rng.Int63()
	go func() { killed <- chaos.TerminateRandomBackend(ctx2, pool, infra.AppName, chaosSeed, stop) }()

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx2.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Logf("oracle %s query error (retrying): %v", name, err)
				continue
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v (seed=%d)", err, seed)
		}
	}
	t.Logf("stress done: %s killed=%d seed=%d", stats, <-killed, seed)

	// Final pass after all writers stopped, plus a full chain verification
	// through the service for every dispute.
	if name, row, err := oracles.Run(ctx, pool); err != nil || name != "" {
		t.Fatalf("final oracle %s: row=%s err=%v (seed=%d)", name, row, err, seed)
	}
	for _, tg := range targets {
		rep, err := svc.Audit(ctx, tg.DisputeID)
		if err != nil {
			t.Fatalf("audit %s: %v", tg.DisputeID, err)
		}
		if !rep.ChainValid || !rep.Consistent {
			t.Fatalf("audit %s: chain=%v (%s) consistent=%v stored=%+v replayed=%+v (seed=%d)",
				tg.DisputeID, rep.ChainValid, rep.ChainError, rep.Consistent, rep.Stored, rep.Replayed, seed)
		}
	}
}

func mustSeed(t *testing.T, ctx context.Context, svc *dispute.Service, clock *actors.Clock, rng *rand.Rand) []actors.Target {
	t.Helper()
	targets := make([]actors.Target, 0, *flDisputes)
	for i := 0; i < *flDisputes; i++ {
		source := "DIRECT"
		if i%3 == 2 {
			source = "ANNUAL_REPORT"
		}
		vs := []violation.Detected{
			{ViolationID: "balance", ViolationType: "BALANCE_REPORTED_AFTER_PAYOFF", Severity: violation.SeverityHigh, CreditorName: "Capital Bank", AccountNumberMasked: "****1234"},
			{ViolationID: "status", ViolationType: "STATUS_INCONSISTENT", Severity: violation.SeverityMedium, CreditorName: "Capital Bank", AccountNumberMasked: "****1234"},
			{ViolationID: "dofd", ViolationType: "DOFD_MISSING", Severity: violation.SeverityCritical, CreditorName: "Metro Finance", AccountNumberMasked: "****9876"},
		}
		agg, err := svc.CreateDispute(ctx, dispute.CreateParams{
			EntityType: "BUREAU",
			EntityName: entities[rng.Intn(len(entities))],
			Source:     source,
			CycleID:    fmt.Sprintf("stress-%d", i),
			Violations: vs,
		})
		if err != nil {
			t.Fatalf("seed dispute %d: %v", i, err)
		}
		if _, err := svc.StartTracking(ctx, agg.Dispute.ID, clock.Now(), fmt.Sprintf("TRK-%d", i)); err != nil {
			t.Fatalf("start tracking %d: %v", i, err)
		}
		tg := actors.Target{DisputeID: agg.Dispute.ID}
		for _, v := range vs {
			tg.Violations = append(tg.Violations, v.ViolationID)
		}
		targets = append(targets, tg)
	}
	return targets
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"disputes", `SELECT id, state, tier, locked, deadline_date, updated_at FROM disputes ORDER BY updated_at DESC LIMIT 20`},
		{"ledger_entries", `SELECT dispute_id, seq, event_type, description, ts FROM ledger_entries ORDER BY ts DESC LIMIT 50`},
		{"response_events", `SELECT dispute_id, violation_id, response_type, reported_by, supersedes FROM response_events ORDER BY created_at DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, created_at FROM outbox ORDER BY id DESC LIMIT 20`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
