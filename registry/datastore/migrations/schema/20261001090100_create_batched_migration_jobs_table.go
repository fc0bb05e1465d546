package schema

import (
	"github.com/tigrisdata/batchmigrate/registry/datastore/migrations"
	migrate "github.com/rubenv/sql-migrate"
)

func init() {
	m := &migrations.Migration{
		Migration: &migrate.Migration{
			Id: "20261001090100_create_batched_migration_jobs_table",
			Up: []string{
				`CREATE TABLE IF NOT EXISTS batched_migration_jobs (
					id bigint NOT NULL GENERATED BY DEFAULT AS IDENTITY,
					batched_migration_id bigint NOT NULL,
					min_value bigint NOT NULL,
					max_value bigint NOT NULL,
					status smallint NOT NULL DEFAULT 1,
					attempts integer NOT NULL DEFAULT 0,
					max_attempts integer NOT NULL,
					data jsonb,
					lease_owner text,
					lease_expires_at timestamp WITH time zone,
					created_at timestamp WITH time zone NOT NULL DEFAULT now(),
					updated_at timestamp WITH time zone,
					started_at timestamp WITH time zone,
					finished_at timestamp WITH time zone,
					CONSTRAINT pk_batched_migration_jobs PRIMARY KEY (id),
					CONSTRAINT fk_batched_migration_jobs_batched_migration_id FOREIGN KEY (batched_migration_id) REFERENCES batched_migrations (id) ON DELETE CASCADE,
					CONSTRAINT unique_batched_migration_jobs_migration_id_min_value UNIQUE (batched_migration_id, min_value),
					CONSTRAINT check_batched_migration_jobs_range CHECK (min_value < max_value),
					CONSTRAINT check_batched_migration_jobs_attempts CHECK (attempts >= 0 AND max_attempts > 0)
				)`,
				"CREATE INDEX IF NOT EXISTS index_batched_migration_jobs_on_migration_id_status_min_value ON batched_migration_jobs USING btree (batched_migration_id, status, min_value)",
			},
			Down: []string{
				"DROP INDEX IF EXISTS index_batched_migration_jobs_on_migration_id_status_min_value CASCADE",
				"DROP TABLE IF EXISTS batched_migration_jobs CASCADE",
			},
		},
	}

	migrations.AppendMigration(m)
}
