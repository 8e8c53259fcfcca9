// Package testdb provides a real-Postgres test harness for pgstore
// integration tests, modeled directly on the teacher's test/database
// helper: prefer a CI-provided connection string, otherwise spin up a
// disposable testcontainers-go Postgres and register cleanup.
package testdb

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/amas-core/amas/pkg/database"
)

// NewTestClient returns a *database.Client backed either by the DB_*
// environment configuration (when CI_DATABASE_URL is set) or a freshly
// started testcontainers Postgres, migrated and ready to use. The
// container (if any) is torn down via t.Cleanup.
func NewTestClient(t *testing.T) *database.Client {
	t.Helper()
	ctx := context.Background()

	if dsn := os.Getenv("CI_DATABASE_URL"); dsn != "" {
		cfg := parseCIConfig(dsn)
		client, err := database.NewClient(ctx, cfg)
		require.NoError(t, err)
		t.Cleanup(func() { client.Close() })
		return client
	}

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("amas_test"),
		postgres.WithUsername("amas"),
		postgres.WithPassword("amas"),
		postgres.BasicWaitStrategies(),
		postgres.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	cfg := database.Config{
		Host:            host,
		Port:            port.Int(),
		User:            "amas",
		Password:        "amas",
		Name:            "amas_test",
		SSLMode:         "disable",
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
	client, err := database.NewClient(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func parseCIConfig(dsn string) database.Config {
	// The dsn value itself is not parsed: the configuration comes from the
	// DB_* variables read by LoadConfigFromEnv, so tests that set
	// CI_DATABASE_URL must also set the DB_* variables it decomposes into.
	return database.LoadConfigFromEnv()
}
