package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"goa.design/paigeant/repository"
	"goa.design/paigeant/repository/postgres"
	"goa.design/paigeant/repository/repotest"
)

// TestConformance runs the shared repository suite against a disposable
// PostgreSQL container. Skips when Docker is unavailable.
func TestConformance(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "paigeant",
				"POSTGRES_PASSWORD": "paigeant",
				"POSTGRES_DB":       "paigeant",
			},
			WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)
	dsn := "postgres://paigeant:paigeant@" + host + ":" + port.Port() + "/paigeant?sslmode=disable"

	repo, err := postgres.Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(repo.Close)

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	repotest.RunConformance(t, func(t *testing.T) repository.Repository {
		// Subtests share the container; clearing rows isolates them.
		_, err := pool.Exec(ctx, `TRUNCATE workflows, steps`)
		require.NoError(t, err)
		return repo
	})

	t.Run("ping", func(t *testing.T) {
		require.NoError(t, repo.Ping(ctx))
		require.Equal(t, "postgres", repo.Name())
	})
}
