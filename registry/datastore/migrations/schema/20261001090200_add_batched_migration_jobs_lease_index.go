package schema

import (
	"github.com/tigrisdata/batchmigrate/registry/datastore/migrations"
	migrate "github.com/rubenv/sql-migrate"
)

func init() {
	m := &migrations.Migration{
		Migration: &migrate.Migration{
			Id: "20261001090200_add_batched_migration_jobs_lease_index",
			Up: []string{
				// only running jobs carry a lease, keep the index small
				"CREATE INDEX IF NOT EXISTS index_batched_migration_jobs_on_lease_expires_at_running ON batched_migration_jobs USING btree (lease_expires_at) WHERE status = 2",
			},
			Down: []string{
				"DROP INDEX IF EXISTS index_batched_migration_jobs_on_lease_expires_at_running CASCADE",
			},
		},
	}

	migrations.AppendMigration(m)
}
