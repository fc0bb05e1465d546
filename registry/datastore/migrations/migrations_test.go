package migrations

import (
	"testing"

	migrate "github.com/rubenv/sql-migrate"
	"github.com/stretchr/testify/require"
)

func TestNewMigrator_Source(t *testing.T) {
	ms := []*Migration{
		{Migration: &migrate.Migration{Id: "2_b", Up: []string{"SELECT 2"}}},
		{Migration: &migrate.Migration{Id: "1_a", Up: []string{"SELECT 1"}}},
	}

	m := NewMigrator(nil, Source(ms), WithTableName("test_migrations"))
	require.Equal(t, "test_migrations", m.set.TableName)

	latest, err := m.LatestVersion()
	require.NoError(t, err)
	require.Equal(t, "2_b", latest)
}

func TestNewMigrator_Defaults(t *testing.T) {
	m := NewMigrator(nil)
	require.Equal(t, migrationTableName, m.set.TableName)
	require.Len(t, m.migrations, len(All()))
}
