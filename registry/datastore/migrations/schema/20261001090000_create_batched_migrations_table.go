package schema

import (
	"github.com/tigrisdata/batchmigrate/registry/datastore/migrations"
	migrate "github.com/rubenv/sql-migrate"
)

func init() {
	m := &migrations.Migration{
		Migration: &migrate.Migration{
			Id: "20261001090000_create_batched_migrations_table",
			Up: []string{
				`CREATE TABLE IF NOT EXISTS batched_migrations (
					id bigint NOT NULL GENERATED BY DEFAULT AS IDENTITY,
					name text NOT NULL,
					min_value bigint NOT NULL,
					max_value bigint NOT NULL,
					batch_size bigint NOT NULL,
					cursor bigint NOT NULL,
					status smallint NOT NULL DEFAULT 1,
					failure_error_code smallint,
					created_at timestamp WITH time zone NOT NULL DEFAULT now(),
					updated_at timestamp WITH time zone,
					started_at timestamp WITH time zone,
					finished_at timestamp WITH time zone,
					CONSTRAINT pk_batched_migrations PRIMARY KEY (id),
					CONSTRAINT unique_batched_migrations_name UNIQUE (name),
					CONSTRAINT check_batched_migrations_bounds CHECK (min_value <= max_value),
					CONSTRAINT check_batched_migrations_batch_size_positive CHECK (batch_size > 0),
					CONSTRAINT check_batched_migrations_name_length CHECK ((char_length(name) <= 255))
				)`,
				"CREATE INDEX IF NOT EXISTS index_batched_migrations_on_status ON batched_migrations USING btree (status)",
			},
			Down: []string{
				"DROP INDEX IF EXISTS index_batched_migrations_on_status CASCADE",
				"DROP TABLE IF EXISTS batched_migrations CASCADE",
			},
		},
	}

	migrations.AppendMigration(m)
}
