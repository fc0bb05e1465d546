package schema_test

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tigrisdata/batchmigrate/registry/datastore/migrations"
	_ "github.com/tigrisdata/batchmigrate/registry/datastore/migrations/schema"
)

var idFormat = regexp.MustCompile(`^\d{14}_[a-z0-9_]+$`)

func TestMigrations(t *testing.T) {
	all := migrations.All()
	require.GreaterOrEqual(t, len(all), 3)

	seen := make(map[string]struct{}, len(all))
	for i, m := range all {
		require.Regexp(t, idFormat, m.Id)
		require.NotEmpty(t, m.Up, m.Id)
		require.NotEmpty(t, m.Down, m.Id)

		_, dup := seen[m.Id]
		require.False(t, dup, "duplicate migration %s", m.Id)
		seen[m.Id] = struct{}{}

		if i > 0 {
			require.Less(t, all[i-1].Id, m.Id)
		}
	}
}
