package migrations

import (
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	migrate "github.com/rubenv/sql-migrate"
)

const (
	migrationTableName = "schema_migrations"
	dialect            = "postgres"
)

// Migration is a schema migration. All schema changes ship with the binary and are registered from init functions.
type Migration struct {
	*migrate.Migration
}

var (
	allMu         sync.Mutex
	allMigrations []*Migration
)

// AppendMigration registers schema migrations.
func AppendMigration(ms ...*Migration) {
	allMu.Lock()
	defer allMu.Unlock()
	allMigrations = append(allMigrations, ms...)
}

// All returns every registered migration ordered by ID.
func All() []*Migration {
	allMu.Lock()
	defer allMu.Unlock()

	out := make([]*Migration, len(allMigrations))
	copy(out, allMigrations)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Id < out[j].Id })
	return out
}

// Migrator applies and rolls back schema migrations.
type Migrator struct {
	db         *sql.DB
	migrations []*Migration
	set        *migrate.MigrationSet
}

// MigratorOption configures a Migrator.
type MigratorOption func(*Migrator)

// Source overrides the registered migrations the migrator works with.
func Source(ms []*Migration) MigratorOption {
	return func(m *Migrator) {
		m.migrations = ms
	}
}

// WithTableName overrides the table used to track applied migrations.
func WithTableName(name string) MigratorOption {
	return func(m *Migrator) {
		m.set.TableName = name
	}
}

// NewMigrator builds a migrator for all registered migrations.
func NewMigrator(db *sql.DB, opts ...MigratorOption) *Migrator {
	m := &Migrator{
		db:  db,
		set: &migrate.MigrationSet{TableName: migrationTableName},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.migrations == nil {
		m.migrations = All()
	}
	return m
}

func (m *Migrator) source() *migrate.MemoryMigrationSource {
	src := &migrate.MemoryMigrationSource{}
	for _, mig := range m.migrations {
		src.Migrations = append(src.Migrations, mig.Migration)
	}
	return src
}

// Version returns the ID of the latest applied migration, or an empty string if none was applied.
func (m *Migrator) Version() (string, error) {
	records, err := m.set.GetMigrationRecords(m.db, dialect)
	if err != nil {
		return "", fmt.Errorf("reading migration records: %w", err)
	}
	if len(records) == 0 {
		return "", nil
	}
	return records[len(records)-1].Id, nil
}

// LatestVersion returns the ID of the latest known migration.
func (m *Migrator) LatestVersion() (string, error) {
	all, err := m.source().FindMigrations()
	if err != nil {
		return "", fmt.Errorf("finding migrations: %w", err)
	}
	if len(all) == 0 {
		return "", nil
	}
	return all[len(all)-1].Id, nil
}

// Up applies all pending migrations. It returns the number of applied migrations.
func (m *Migrator) Up() (int, error) {
	return m.UpN(0)
}

// UpN applies up to n pending migrations. All pending migrations are applied if n is 0.
func (m *Migrator) UpN(n int) (int, error) {
	applied, err := m.set.ExecMax(m.db, dialect, m.source(), migrate.Up, n)
	if err != nil {
		return applied, fmt.Errorf("applying up migrations: %w", err)
	}
	return applied, nil
}

// UpNPlan lists the IDs of the migrations UpN would apply.
func (m *Migrator) UpNPlan(n int) ([]string, error) {
	return m.plan(migrate.Up, n)
}

// Down rolls back all applied migrations.
func (m *Migrator) Down() (int, error) {
	return m.DownN(0)
}

// DownN rolls back up to n applied migrations. All migrations are rolled back if n is 0.
func (m *Migrator) DownN(n int) (int, error) {
	rolled, err := m.set.ExecMax(m.db, dialect, m.source(), migrate.Down, n)
	if err != nil {
		return rolled, fmt.Errorf("applying down migrations: %w", err)
	}
	return rolled, nil
}

// DownNPlan lists the IDs of the migrations DownN would roll back.
func (m *Migrator) DownNPlan(n int) ([]string, error) {
	return m.plan(migrate.Down, n)
}

func (m *Migrator) plan(dir migrate.MigrationDirection, n int) ([]string, error) {
	planned, _, err := m.set.PlanMigration(m.db, dialect, m.source(), dir, n)
	if err != nil {
		return nil, fmt.Errorf("planning migrations: %w", err)
	}
	ids := make([]string, 0, len(planned))
	for _, p := range planned {
		ids = append(ids, p.Id)
	}
	return ids, nil
}

// MigrationStatus is the status of a single migration.
type MigrationStatus struct {
	// Unknown is set for applied migrations this binary does not know about.
	Unknown   bool
	AppliedAt *time.Time
}

// Status returns the status of every known and applied migration, keyed by ID.
func (m *Migrator) Status() (map[string]*MigrationStatus, error) {
	records, err := m.set.GetMigrationRecords(m.db, dialect)
	if err != nil {
		return nil, fmt.Errorf("reading migration records: %w", err)
	}

	statuses := make(map[string]*MigrationStatus, len(m.migrations))
	for _, mig := range m.migrations {
		statuses[mig.Id] = &MigrationStatus{}
	}
	for _, r := range records {
		appliedAt := r.AppliedAt
		if s, ok := statuses[r.Id]; ok {
			s.AppliedAt = &appliedAt
			continue
		}
		statuses[r.Id] = &MigrationStatus{Unknown: true, AppliedAt: &appliedAt}
	}

	return statuses, nil
}

// HasPending reports whether there are migrations left to apply.
func (m *Migrator) HasPending() (bool, error) {
	ids, err := m.UpNPlan(0)
	if err != nil {
		return false, err
	}
	return len(ids) > 0, nil
}
