// Package sweep drives the time-triggered transitions: expired response
// deadlines and expired tier-2 cure windows.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	// LockKey guards a sweep run across processes.
	LockKey = "disputeflow:sweep"

	DefaultInterval       = time.Minute
	DefaultConcurrency    = 4
	DefaultDisputeTimeout = 30 * time.Second
)

// Target is the part of the dispute service the sweep drives.
type Target interface {
	DueDisputes(ctx context.Context, now time.Time) ([]string, error)
	ProcessDue(ctx context.Context, disputeID string, now time.Time) (bool, error)
	RecordEvaluationError(ctx context.Context, disputeID string, cause error) error
}

// Report summarises one run.
type Report struct {
	Scanned int `json:"scanned"`
	Fired   int `json:"fired"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`

	// LockHeld is set when another process owned the sweep lock and this
	// run did nothing.
	LockHeld bool `json:"lock_held,omitempty"`
}

type Sweeper struct {
	target      Target
	locker      *redislock.Client
	logger      logrus.FieldLogger
	now         func() time.Time
	interval    time.Duration
	concurrency int
	timeout     time.Duration
}

func New(target Target) *Sweeper {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &Sweeper{
		target:      target,
		logger:      l,
		now:         time.Now,
		interval:    DefaultInterval,
		concurrency: DefaultConcurrency,
		timeout:     DefaultDisputeTimeout,
	}
}

func (s *Sweeper) WithLogger(logger logrus.FieldLogger) *Sweeper {
	if logger != nil {
		s.logger = logger.WithField("module", "sweep")
	}
	return s
}

func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	if now != nil {
		s.now = now
	}
	return s
}

// WithLocker makes runs exclusive across processes sharing the redis.
func (s *Sweeper) WithLocker(locker *redislock.Client) *Sweeper {
	s.locker = locker
	return s
}

func (s *Sweeper) WithInterval(d time.Duration) *Sweeper {
	if d > 0 {
		s.interval = d
	}
	return s
}

func (s *Sweeper) WithConcurrency(n int) *Sweeper {
	if n > 0 {
		s.concurrency = n
	}
	return s
}

func (s *Sweeper) WithDisputeTimeout(d time.Duration) *Sweeper {
	if d > 0 {
		s.timeout = d
	}
	return s
}

// RunOnce processes every due dispute once. A failing dispute gets an
// EVALUATION_ERROR entry and does not stop the others.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	var rep Report
	if s.locker != nil {
		lock, err := s.locker.Obtain(ctx, LockKey, s.lockTTL(), nil)
		if err == redislock.ErrNotObtained {
			s.logger.Debug("sweep lock held elsewhere; skipping run")
			rep.LockHeld = true
			return rep, nil
		} else if err != nil {
			return rep, fmt.Errorf("sweep: obtain lock: %w", err)
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				s.logger.WithError(err).Warn("release sweep lock")
			}
		}()
	}

	now := s.now().UTC()
	ids, err := s.target.DueDisputes(ctx, now)
	if err != nil {
		return rep, fmt.Errorf("sweep: list due: %w", err)
	}
	rep.Scanned = len(ids)

	var fired, skipped, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, id := range ids {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			switch ok, err := s.process(gctx, id, now); {
			case err != nil:
				failed.Add(1)
				s.fail(gctx, id, err)
			case ok:
				fired.Add(1)
			default:
				skipped.Add(1)
			}
			return nil
		})
	}
	err = g.Wait()
	rep.Fired = int(fired.Load())
	rep.Skipped = int(skipped.Load())
	rep.Failed = int(failed.Load())

	log := s.logger.WithFields(logrus.Fields{
		"scanned": rep.Scanned,
		"fired":   rep.Fired,
		"skipped": rep.Skipped,
		"failed":  rep.Failed,
	})
	if rep.Scanned > 0 {
		log.Info("sweep run finished")
	} else {
		log.Debug("sweep run finished")
	}
	return rep, err
}

// Run sweeps on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		if _, err := s.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.WithError(err).Error("sweep run failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (s *Sweeper) process(ctx context.Context, id string, now time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	ok, err := s.target.ProcessDue(ctx, id, now)
	if err == nil && !ok {
		s.logger.WithField("dispute_id", id).Debug("dispute no longer due")
	}
	return ok, err
}

// fail records the error on the dispute's ledger with a fresh deadline; the
// step's own context may be the one that expired.
func (s *Sweeper) fail(ctx context.Context, id string, cause error) {
	log := s.logger.WithFields(logrus.Fields{"dispute_id": id, "err": cause})
	log.Error("sweep step failed")

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	if err := s.target.RecordEvaluationError(rctx, id, cause); err != nil {
		log.WithError(err).Error("record evaluation error")
	}
}

func (s *Sweeper) lockTTL() time.Duration {
	if ttl := 2 * s.interval; ttl > s.timeout {
		return ttl
	}
	return 2 * s.timeout
}
