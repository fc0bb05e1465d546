// Package schema registers the schema migrations of the batched migration tables.
package schema

import (
	"database/sql"

	"github.com/tigrisdata/batchmigrate/registry/datastore/migrations"
)

// NewMigrator builds a migrator for the registered schema migrations.
func NewMigrator(db *sql.DB, opts ...migrations.MigratorOption) *migrations.Migrator {
	return migrations.NewMigrator(db, opts...)
}
