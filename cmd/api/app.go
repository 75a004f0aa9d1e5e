package main

import (
	"context"
	"fmt"

	"github.com/bsm/redislock"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"disputeflow/auth"
	"disputeflow/config"
	"disputeflow/db"
	"disputeflow/deadline"
	"disputeflow/dispute"
	"disputeflow/entity"
	"disputeflow/reinsertion"
	"disputeflow/sweep"
)

// app holds the wired services for one process.
type app struct {
	cfg      config.Config
	logger   *logrus.Logger
	pool     *pgxpool.Pool
	rdb      *redis.Client
	locker   *redislock.Client
	disputes *dispute.Service
	accounts *auth.Service
	entities *entity.Service
}

func newApp(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	var (
		store    dispute.Store
		users    auth.Repository
		profiles entity.ProfileReader
	)
	switch cfg.StorageDriver {
	case config.DriverPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolConfig{MaxConns: cfg.MaxDBConns})
		if err != nil {
			return nil, err
		}
		a.pool = pool
		store = dispute.NewRepository(pool)
		users = auth.NewRepository(pool)
		profiles = entity.NewRepository(pool)
	default:
		logger.Warn("memory storage driver: disputes are lost on restart")
		store = dispute.NewMemoryStore()
		users = auth.NewMemoryRepository()
		profiles = entity.NewDirectory()
	}

	var watches reinsertion.Store
	if cfg.RedisURL != "" {
		rdb, locker, err := config.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.rdb, a.locker = rdb, locker
		watches = reinsertion.NewRedisStore(rdb)
	} else {
		watches = reinsertion.NewMemoryStore()
	}

	a.entities = entity.NewService(profiles)
	a.accounts = auth.NewService(users, cfg.JWTSecret).WithTokenTTL(cfg.TokenTTL)
	a.disputes = dispute.NewService(store).
		WithLogger(logger).
		WithCalculator(deadline.NewCalculator(cfg.Tier2CureDays)).
		WithEntities(a.entities).
		WithMonitor(reinsertion.NewMonitor(watches,
			reinsertion.WithWindow(cfg.ReinsertionWindow()),
			reinsertion.WithLogger(logger),
		))
	return a, nil
}

func (a *app) sweeper() *sweep.Sweeper {
	s := sweep.New(a.disputes).
		WithLogger(a.logger).
		WithInterval(a.cfg.SweepInterval).
		WithConcurrency(a.cfg.SweepConcurrency).
		WithDisputeTimeout(a.cfg.SweepDisputeTimeout)
	if a.locker != nil {
		s = s.WithLocker(a.locker)
	}
	return s
}

func (a *app) migrate(ctx context.Context) error {
	if a.pool == nil {
		return fmt.Errorf("migrate: storage driver %q has no schema", a.cfg.StorageDriver)
	}
	applied, err := db.Migrate(ctx, a.pool, a.logger)
	if err != nil {
		return err
	}
	a.logger.WithField("applied", len(applied)).Info("migrations complete")
	return nil
}

func (a *app) Close() {
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
