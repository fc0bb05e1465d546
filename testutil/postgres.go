//go:build integration

package testutil

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/tigrisdata/batchmigrate/registry/datastore"
	"github.com/tigrisdata/batchmigrate/registry/datastore/migrations/schema"
)

const (
	pgDatabase = "batchmigrate_test"
	pgUser     = "batchmigrate"
	pgPassword = "Chleboslaw"
)

// NewPostgres starts a PostgreSQL container and returns a connection to a database with every schema migration
// applied. The container is terminated when tb finishes. The server major version defaults to 16 and can be
// overridden with PG_CURR_VERSION.
func NewPostgres(tb testing.TB) *datastore.DB {
	tb.Helper()
	ctx := context.Background()

	version := os.Getenv("PG_CURR_VERSION")
	if version == "" {
		version = "16"
	}

	pgc, err := postgres.Run(ctx, "postgres:"+version+"-alpine",
		postgres.WithDatabase(pgDatabase),
		postgres.WithUsername(pgUser),
		postgres.WithPassword(pgPassword),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(tb, err)
	tb.Cleanup(func() {
		require.NoError(tb, pgc.Terminate(context.Background()))
	})

	host, err := pgc.Host(ctx)
	require.NoError(tb, err)
	port, err := pgc.MappedPort(ctx, "5432")
	require.NoError(tb, err)

	dsn := &datastore.DSN{
		Host:           host,
		Port:           port.Int(),
		User:           pgUser,
		Password:       pgPassword,
		DBName:         pgDatabase,
		SSLMode:        "disable",
		ConnectTimeout: 10 * time.Second,
	}
	db, err := datastore.Open(ctx, dsn, datastore.WithLogger(NewTestLogger(tb)))
	require.NoError(tb, err)
	tb.Cleanup(func() { _ = db.Close() })

	_, err = schema.NewMigrator(db.DB).Up()
	require.NoError(tb, err)

	return db
}
