package infra

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// ErrNoDatabase means no DSN was given, docker is unavailable and no local
// server accepted a connection.
var ErrNoDatabase = errors.New("infra: no postgres available")

// Postgres is the database a stress run writes to. Shared databases belong
// to someone else, so the run isolates itself in a schema.
type Postgres struct {
	DSN    string
	Shared bool
	c      *postgres.PostgresContainer
}

// Acquire resolves a database: dsn, then STRESS_TEST_PG_DSN, then a
// disposable container, then the local server.
func Acquire(ctx context.Context, dsn string) (*Postgres, error) {
	if dsn == "" {
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
	}
	if dsn != "" {
		return &Postgres{DSN: dsn, Shared: true}, nil
	}
	if dockerAvailable(ctx) {
		return startContainer(ctx)
	}
	local, err := LocalDatabase(ctx, StressDatabase)
	if err != nil {
		return nil, errors.Join(ErrNoDatabase, err)
	}
	return &Postgres{DSN: local}, nil
}

func startContainer(ctx context.Context) (*Postgres, error) {
	c, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase(StressDatabase),
		postgres.WithUsername(stressRole),
		postgres.WithPassword(stressPassword),
		postgres.BasicWaitStrategies(),
		// Responders, sweepers and the chaos killer all hold connections.
		testcontainers.WithCmdArgs("-c", "max_connections=200"),
	)
	if err != nil {
		return nil, err
	}
	dsn, err := c.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, err
	}
	return &Postgres{DSN: dsn, c: c}, nil
}

// Release stops the container backing p. Shared and local databases are left alone.
func (p *Postgres) Release(ctx context.Context) error {
	if p == nil || p.c == nil {
		return nil
	}
	return p.c.Terminate(ctx)
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}
