package storage

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startPostgres launches a throwaway Postgres container. The test is skipped
// when -short is set or no container runtime is reachable.
func startPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "postloop",
			"POSTGRES_PASSWORD": "postloop",
			"POSTGRES_DB":       "postloop",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("container runtime unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	return fmt.Sprintf("postgres://postloop:postloop@%s:%s/postloop?sslmode=disable", host, port.Port())
}

func TestPostgresStore(t *testing.T) {
	dsn := startPostgres(t)

	runStoreSuite(t, func(t *testing.T) Store {
		ctx := context.Background()
		s, err := Open(ctx, dsn, slog.Default())
		require.NoError(t, err)

		// Each subtest starts from empty tables
		pg := s.(*PostgresStorage)
		_, err = pg.pool.Exec(ctx, `TRUNCATE settings, agent_runs, agent_iterations`)
		require.NoError(t, err)

		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}
