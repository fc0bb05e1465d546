//go:generate mockgen -package mocks -destination mocks/backgroundmigration.go . BackgroundMigrationStore

package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/tigrisdata/batchmigrate/registry/datastore/metrics"
	"github.com/tigrisdata/batchmigrate/registry/datastore/models"
)

var (
	// ErrTransitionNotApplicable is returned when a conditional status update found the migration in a status other
	// than the expected ones.
	ErrTransitionNotApplicable = errors.New("background migration status transition not applicable")
	// ErrIllegalTransition is returned when a status update is not allowed by the migration state machine.
	ErrIllegalTransition = errors.New("illegal background migration status transition")
	// ErrJobLeaseLost is returned when completing a job that is no longer held by the caller, e.g. because its
	// lease expired and it was claimed again.
	ErrJobLeaseLost = errors.New("background migration job lease lost")
	// ErrMigrationNotFound is returned when a background migration does not exist.
	ErrMigrationNotFound = errors.New("background migration not found")
	// ErrMigrationExists is returned when creating a background migration with a name that is already taken.
	ErrMigrationExists = errors.New("background migration already exists")
)

// BackgroundMigrationStore is the interface that a background migration store should conform to.
type BackgroundMigrationStore interface {
	// Create persists a new pending background migration with its cursor at the start of its range.
	Create(ctx context.Context, m *models.BackgroundMigration) error
	// FindByID finds a background migration by ID. Returns nil if not found.
	FindByID(ctx context.Context, id int64) (*models.BackgroundMigration, error)
	// FindByName finds a background migration by name. Returns nil if not found.
	FindByName(ctx context.Context, name string) (*models.BackgroundMigration, error)
	// FindAll returns all background migrations ordered by ID.
	FindAll(ctx context.Context) (models.BackgroundMigrations, error)
	// FindByStatus returns the background migrations in any of the given statuses ordered by ID.
	FindByStatus(ctx context.Context, statuses ...models.BackgroundMigrationStatus) (models.BackgroundMigrations, error)
	// UpdateStatus moves a background migration to status `to` if it currently is in one of `from`.
	UpdateStatus(ctx context.Context, id int64, from []models.BackgroundMigrationStatus, to models.BackgroundMigrationStatus, code models.BBMErrorCode) (*models.BackgroundMigration, error)
	// EnqueueJob advances the migration cursor from `cursor` to the end of `r` and creates a job for `r`. Returns
	// nil if the cursor moved in the meantime.
	EnqueueJob(ctx context.Context, migrationID, cursor int64, r models.Range, maxAttempts int) (*models.BackgroundMigrationJob, error)
	// ClaimNextJob leases the claimable job with the lowest range of a running migration to `owner`. Returns nil if
	// there is none.
	ClaimNextJob(ctx context.Context, migrationID int64, owner string, lease time.Duration) (*models.BackgroundMigrationJob, error)
	// CompleteJob records the outcome of the claimed attempt of a job.
	CompleteJob(ctx context.Context, job *models.BackgroundMigrationJob, outcome models.JobOutcome) (*models.BackgroundMigrationJob, error)
	// ReclaimExpiredJobs releases running jobs whose lease expired.
	ReclaimExpiredJobs(ctx context.Context) (models.BackgroundMigrationJobs, error)
	// CountJobsByStatus counts the jobs of a background migration by status.
	CountJobsByStatus(ctx context.Context, migrationID int64) (map[models.BackgroundMigrationJobStatus]int, error)
	// FindJobs returns up to `limit` of the most recently updated jobs of a background migration with status `status`.
	FindJobs(ctx context.Context, migrationID int64, status models.BackgroundMigrationJobStatus, limit int) (models.BackgroundMigrationJobs, error)
	// FindJobRanges returns the ranges of the jobs of a background migration with status `status`, ordered by start.
	FindJobRanges(ctx context.Context, migrationID int64, status models.BackgroundMigrationJobStatus) ([]models.Range, error)
	// ResetFailedJobs moves the failed jobs of a background migration back to pending.
	ResetFailedJobs(ctx context.Context, migrationID int64, maxAttempts int, resetAttempts bool) (int64, error)
	// FindProgress returns the progress of every background migration.
	FindProgress(ctx context.Context) ([]*models.BackgroundMigrationProgress, error)
}

// NewBackgroundMigrationStore builds a new backgroundMigrationStore.
func NewBackgroundMigrationStore(db Queryer) BackgroundMigrationStore {
	return &backgroundMigrationStore{db: db}
}

// backgroundMigrationStore is the concrete implementation of a BackgroundMigrationStore.
type backgroundMigrationStore struct {
	// db can be either a *sql.DB or *sql.Tx
	db Queryer
}

const migrationColumns = `id,
			name,
			min_value,
			max_value,
			batch_size,
			cursor,
			status,
			failure_error_code,
			created_at,
			updated_at,
			started_at,
			finished_at`

const jobColumns = `id,
			batched_migration_id,
			min_value,
			max_value,
			status,
			attempts,
			max_attempts,
			data,
			lease_owner,
			lease_expires_at,
			created_at,
			updated_at,
			started_at,
			finished_at`

// Create persists a new pending background migration.
func (bms *backgroundMigrationStore) Create(ctx context.Context, m *models.BackgroundMigration) error {
	defer metrics.InstrumentQuery("bbm_create")()

	q := `INSERT INTO batched_migrations (name, min_value, max_value, batch_size, cursor, status)
			VALUES ($1, $2, $3, $4, $2, $5)
		ON CONFLICT (name)
			DO NOTHING
		RETURNING
			` + migrationColumns

	row := bms.db.QueryRowContext(ctx, q, m.Name, m.MinValue, m.MaxValue, m.BatchSize, int(models.BackgroundMigrationPending))
	created, err := scanBackgroundMigration(row)
	if err != nil {
		return fmt.Errorf("creating background migration: %w", err)
	}
	if created == nil {
		return fmt.Errorf("creating background migration %q: %w", m.Name, ErrMigrationExists)
	}
	*m = *created

	return nil
}

// FindByID finds a background migration by ID.
func (bms *backgroundMigrationStore) FindByID(ctx context.Context, id int64) (*models.BackgroundMigration, error) {
	defer metrics.InstrumentQuery("bbm_find_by_id")()

	q := `SELECT
			` + migrationColumns + `
		FROM
			batched_migrations
		WHERE
			id = $1`

	m, err := scanBackgroundMigration(bms.db.QueryRowContext(ctx, q, id))
	if err != nil {
		return nil, fmt.Errorf("finding background migration by id: %w", err)
	}
	return m, nil
}

// FindByName finds a background migration by name.
func (bms *backgroundMigrationStore) FindByName(ctx context.Context, name string) (*models.BackgroundMigration, error) {
	defer metrics.InstrumentQuery("bbm_find_by_name")()

	q := `SELECT
			` + migrationColumns + `
		FROM
			batched_migrations
		WHERE
			name = $1`

	m, err := scanBackgroundMigration(bms.db.QueryRowContext(ctx, q, name))
	if err != nil {
		return nil, fmt.Errorf("finding background migration by name: %w", err)
	}
	return m, nil
}

// FindAll returns all background migrations.
func (bms *backgroundMigrationStore) FindAll(ctx context.Context) (models.BackgroundMigrations, error) {
	defer metrics.InstrumentQuery("bbm_find_all")()

	q := `SELECT
			` + migrationColumns + `
		FROM
			batched_migrations
		ORDER BY
			id ASC`

	rows, err := bms.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("finding background migrations: %w", err)
	}

	return scanFullBackgroundMigrations(rows)
}

// FindByStatus returns the background migrations in any of the given statuses.
func (bms *backgroundMigrationStore) FindByStatus(ctx context.Context, statuses ...models.BackgroundMigrationStatus) (models.BackgroundMigrations, error) {
	defer metrics.InstrumentQuery("bbm_find_by_status")()

	q := `SELECT
			` + migrationColumns + `
		FROM
			batched_migrations
		WHERE
			status = ANY ($1)
		ORDER BY
			id ASC`

	rows, err := bms.db.QueryContext(ctx, q, statusArray(statuses))
	if err != nil {
		return nil, fmt.Errorf("finding background migrations by status: %w", err)
	}

	return scanFullBackgroundMigrations(rows)
}

// UpdateStatus moves a background migration to status `to` if it currently is in one of `from`. The check and the
// update happen in a single statement.
func (bms *backgroundMigrationStore) UpdateStatus(ctx context.Context, id int64, from []models.BackgroundMigrationStatus, to models.BackgroundMigrationStatus, code models.BBMErrorCode) (*models.BackgroundMigration, error) {
	if err := validateTransitions(from, to); err != nil {
		return nil, err
	}

	defer metrics.InstrumentQuery("bbm_update_status")()

	q := `UPDATE
			batched_migrations
		SET
			status = $2,
			failure_error_code = $3,
			updated_at = now(),
			started_at = CASE WHEN $2 = $4
				AND started_at IS NULL THEN
				now()
			ELSE
				started_at
			END,
			finished_at = CASE WHEN $2 IN ($5, $6) THEN
				now()
			WHEN $2 = $4 THEN
				NULL
			ELSE
				finished_at
			END
		WHERE
			id = $1
			AND status = ANY ($7)
		RETURNING
			` + migrationColumns

	row := bms.db.QueryRowContext(ctx, q,
		id,
		int(to),
		code,
		int(models.BackgroundMigrationRunning),
		int(models.BackgroundMigrationSucceeded),
		int(models.BackgroundMigrationFailed),
		statusArray(from),
	)
	m, err := scanBackgroundMigration(row)
	if err != nil {
		return nil, fmt.Errorf("updating background migration status: %w", err)
	}
	if m == nil {
		return nil, fmt.Errorf("moving background migration %d to %s: %w", id, to, ErrTransitionNotApplicable)
	}

	return m, nil
}

// EnqueueJob advances the migration cursor and inserts the job for the planned range in a single statement. The
// cursor compare-and-set guarantees a range is never enqueued twice.
func (bms *backgroundMigrationStore) EnqueueJob(ctx context.Context, migrationID, cursor int64, r models.Range, maxAttempts int) (*models.BackgroundMigrationJob, error) {
	if r.Min != cursor || r.Max <= r.Min {
		return nil, fmt.Errorf("enqueuing background migration job: invalid range %s for cursor %d", r, cursor)
	}

	defer metrics.InstrumentQuery("bbm_enqueue_job")()

	q := `WITH advanced AS (
			UPDATE
				batched_migrations
			SET
				cursor = $3,
				updated_at = now()
			WHERE
				id = $1
				AND cursor = $2
			RETURNING
				id)
		INSERT INTO batched_migration_jobs (batched_migration_id, min_value, max_value, max_attempts)
		SELECT
			id,
			$2::bigint,
			$3::bigint,
			$4::integer
		FROM
			advanced
		RETURNING
			` + jobColumns

	j, err := scanBackgroundMigrationJob(bms.db.QueryRowContext(ctx, q, migrationID, cursor, r.Max, maxAttempts))
	if err != nil {
		return nil, fmt.Errorf("enqueuing background migration job: %w", err)
	}
	return j, nil
}

// leaseExpiredData merges the lease details of an expired job into the data recorded by its previous attempt.
const leaseExpiredData = `COALESCE(data, '{}'::jsonb) || jsonb_build_object('lease_error', 'lease expired', 'lease_owner', lease_owner, 'attempt', attempts)`

// ClaimNextJob leases the next claimable job. Jobs locked by concurrent claimers are skipped, and the share lock on
// the migration row makes the claim wait for, and observe, a concurrent status change such as a pause. Expired jobs
// without attempts left are failed by the same statement, so a migration can finish without the lease reclaimer.
func (bms *backgroundMigrationStore) ClaimNextJob(ctx context.Context, migrationID int64, owner string, lease time.Duration) (*models.BackgroundMigrationJob, error) {
	defer metrics.InstrumentQuery("bbm_claim_next_job")()

	q := `WITH exhausted AS (
			UPDATE
				batched_migration_jobs
			SET
				status = $7,
				data = ` + leaseExpiredData + `,
				lease_owner = NULL,
				lease_expires_at = NULL,
				finished_at = now(),
				updated_at = now()
			WHERE
				batched_migration_id = $1
				AND status = $3
				AND lease_expires_at < now()
				AND attempts >= max_attempts
		)
		UPDATE
			batched_migration_jobs
		SET
			status = $3,
			attempts = attempts + 1,
			lease_owner = $4,
			lease_expires_at = now() + make_interval(secs => $5),
			started_at = now(),
			finished_at = NULL,
			updated_at = now()
		WHERE
			id = (
				SELECT
					j.id
				FROM
					batched_migration_jobs j
					JOIN batched_migrations m ON m.id = j.batched_migration_id
				WHERE
					j.batched_migration_id = $1
					AND m.status = $2
					AND j.attempts < j.max_attempts
					AND (j.status = $6
						OR (j.status = $3
							AND j.lease_expires_at < now()))
				ORDER BY
					j.min_value ASC
				LIMIT 1
				FOR UPDATE OF j SKIP LOCKED
				FOR SHARE OF m)
		RETURNING
			` + jobColumns

	row := bms.db.QueryRowContext(ctx, q,
		migrationID,
		int(models.BackgroundMigrationRunning),
		int(models.BackgroundMigrationJobRunning),
		owner,
		lease.Seconds(),
		int(models.BackgroundMigrationJobPending),
		int(models.BackgroundMigrationJobFailed),
	)
	j, err := scanBackgroundMigrationJob(row)
	if err != nil {
		return nil, fmt.Errorf("claiming background migration job: %w", err)
	}
	return j, nil
}

// CompleteJob records the outcome of the attempt that claimed `job`. The update is fenced on the claimed attempt
// so a worker whose lease was taken over cannot overwrite the newer attempt.
func (bms *backgroundMigrationStore) CompleteJob(ctx context.Context, job *models.BackgroundMigrationJob, outcome models.JobOutcome) (*models.BackgroundMigrationJob, error) {
	defer metrics.InstrumentQuery("bbm_complete_job")()

	q := `UPDATE
			batched_migration_jobs
		SET
			status = CASE WHEN $4::boolean THEN
				$5::smallint
			WHEN attempts < max_attempts THEN
				$6::smallint
			ELSE
				$7::smallint
			END,
			data = $8,
			lease_owner = NULL,
			lease_expires_at = NULL,
			finished_at = now(),
			updated_at = now()
		WHERE
			id = $1
			AND status = $2
			AND attempts = $3
		RETURNING
			` + jobColumns

	row := bms.db.QueryRowContext(ctx, q,
		job.ID,
		int(models.BackgroundMigrationJobRunning),
		job.Attempts,
		outcome.Succeeded,
		int(models.BackgroundMigrationJobSucceeded),
		int(models.BackgroundMigrationJobPending),
		int(models.BackgroundMigrationJobFailed),
		outcome.Data,
	)
	j, err := scanBackgroundMigrationJob(row)
	if err != nil {
		return nil, fmt.Errorf("completing background migration job: %w", err)
	}
	if j == nil {
		return nil, fmt.Errorf("completing background migration job %d attempt %d: %w", job.ID, job.Attempts, ErrJobLeaseLost)
	}
	return j, nil
}

// ReclaimExpiredJobs releases running jobs whose lease expired. A job with attempts left goes back to pending, the
// claim already counted its attempt. A job without attempts left becomes failed. Data of the previous attempt is kept.
func (bms *backgroundMigrationStore) ReclaimExpiredJobs(ctx context.Context) (models.BackgroundMigrationJobs, error) {
	defer metrics.InstrumentQuery("bbm_reclaim_expired_jobs")()

	q := `UPDATE
			batched_migration_jobs
		SET
			status = CASE WHEN attempts < max_attempts THEN
				$2::smallint
			ELSE
				$3::smallint
			END,
			data = ` + leaseExpiredData + `,
			lease_owner = NULL,
			lease_expires_at = NULL,
			finished_at = CASE WHEN attempts < max_attempts THEN
				NULL
			ELSE
				now()
			END,
			updated_at = now()
		WHERE
			status = $1
			AND lease_expires_at < now()
		RETURNING
			` + jobColumns

	rows, err := bms.db.QueryContext(ctx, q,
		int(models.BackgroundMigrationJobRunning),
		int(models.BackgroundMigrationJobPending),
		int(models.BackgroundMigrationJobFailed),
	)
	if err != nil {
		return nil, fmt.Errorf("reclaiming expired background migration jobs: %w", err)
	}

	return scanFullBackgroundMigrationJobs(rows)
}

// CountJobsByStatus counts the jobs of a background migration by status.
func (bms *backgroundMigrationStore) CountJobsByStatus(ctx context.Context, migrationID int64) (map[models.BackgroundMigrationJobStatus]int, error) {
	defer metrics.InstrumentQuery("bbm_count_jobs_by_status")()

	q := `SELECT
			status,
			COUNT(*)
		FROM
			batched_migration_jobs
		WHERE
			batched_migration_id = $1
		GROUP BY
			status`

	rows, err := bms.db.QueryContext(ctx, q, migrationID)
	if err != nil {
		return nil, fmt.Errorf("counting background migration jobs by status: %w", err)
	}
	defer rows.Close()

	statusCount := make(map[models.BackgroundMigrationJobStatus]int)
	for rows.Next() {
		var (
			count  int
			status models.BackgroundMigrationJobStatus
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scanning background migration jobs count: %w", err)
		}
		statusCount[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating background migration jobs status rows: %w", err)
	}

	return statusCount, nil
}

// FindJobs returns the most recently updated jobs of a background migration with the given status.
func (bms *backgroundMigrationStore) FindJobs(ctx context.Context, migrationID int64, status models.BackgroundMigrationJobStatus, limit int) (models.BackgroundMigrationJobs, error) {
	defer metrics.InstrumentQuery("bbm_find_jobs")()

	q := `SELECT
			` + jobColumns + `
		FROM
			batched_migration_jobs
		WHERE
			batched_migration_id = $1
			AND status = $2
		ORDER BY
			COALESCE(updated_at, created_at) DESC,
			id DESC
		LIMIT $3`

	rows, err := bms.db.QueryContext(ctx, q, migrationID, int(status), limit)
	if err != nil {
		return nil, fmt.Errorf("finding background migration jobs: %w", err)
	}

	return scanFullBackgroundMigrationJobs(rows)
}

// FindJobRanges returns the ranges of the jobs of a background migration with the given status.
func (bms *backgroundMigrationStore) FindJobRanges(ctx context.Context, migrationID int64, status models.BackgroundMigrationJobStatus) ([]models.Range, error) {
	defer metrics.InstrumentQuery("bbm_find_job_ranges")()

	q := `SELECT
			min_value,
			max_value
		FROM
			batched_migration_jobs
		WHERE
			batched_migration_id = $1
			AND status = $2
		ORDER BY
			min_value ASC`

	rows, err := bms.db.QueryContext(ctx, q, migrationID, int(status))
	if err != nil {
		return nil, fmt.Errorf("finding background migration job ranges: %w", err)
	}
	defer rows.Close()

	rr := make([]models.Range, 0)
	for rows.Next() {
		var r models.Range
		if err := rows.Scan(&r.Min, &r.Max); err != nil {
			return nil, fmt.Errorf("scanning background migration job range: %w", err)
		}
		rr = append(rr, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating background migration job ranges: %w", err)
	}

	return rr, nil
}

// ResetFailedJobs moves the failed jobs of a background migration back to pending and clears their lease. Attempts
// are kept unless `resetAttempts` is set, and each job gets `maxAttempts` further attempts.
func (bms *backgroundMigrationStore) ResetFailedJobs(ctx context.Context, migrationID int64, maxAttempts int, resetAttempts bool) (int64, error) {
	defer metrics.InstrumentQuery("bbm_reset_failed_jobs")()

	q := `UPDATE
			batched_migration_jobs
		SET
			status = $3,
			attempts = CASE WHEN $5::boolean THEN
				0
			ELSE
				attempts
			END,
			max_attempts = CASE WHEN $5::boolean THEN
				$4::integer
			ELSE
				attempts + $4::integer
			END,
			lease_owner = NULL,
			lease_expires_at = NULL,
			finished_at = NULL,
			updated_at = now()
		WHERE
			batched_migration_id = $1
			AND status = $2`

	res, err := bms.db.ExecContext(ctx, q,
		migrationID,
		int(models.BackgroundMigrationJobFailed),
		int(models.BackgroundMigrationJobPending),
		maxAttempts,
		resetAttempts,
	)
	if err != nil {
		return 0, fmt.Errorf("resetting failed background migration jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting reset background migration jobs: %w", err)
	}

	return n, nil
}

// FindProgress returns the progress inputs of every background migration.
func (bms *backgroundMigrationStore) FindProgress(ctx context.Context) ([]*models.BackgroundMigrationProgress, error) {
	defer metrics.InstrumentQuery("bbm_find_progress")()

	q := `SELECT
			m.id,
			m.name,
			m.status,
			m.max_value - m.min_value AS total_keys,
			COALESCE(j.succeeded_keys, 0),
			COALESCE(j.succeeded_jobs, 0),
			COALESCE(j.failed_jobs, 0)
		FROM
			batched_migrations m
			LEFT JOIN (
				SELECT
					batched_migration_id,
					SUM(max_value - min_value) FILTER (WHERE status = $1)::bigint AS succeeded_keys,
					COUNT(*) FILTER (WHERE status = $1) AS succeeded_jobs,
					COUNT(*) FILTER (WHERE status = $2) AS failed_jobs
				FROM
					batched_migration_jobs
				GROUP BY
					batched_migration_id) j ON j.batched_migration_id = m.id
		ORDER BY
			m.id`

	rows, err := bms.db.QueryContext(ctx, q, int(models.BackgroundMigrationJobSucceeded), int(models.BackgroundMigrationJobFailed))
	if err != nil {
		return nil, fmt.Errorf("finding background migration progress: %w", err)
	}
	defer rows.Close()

	pp := make([]*models.BackgroundMigrationProgress, 0)
	for rows.Next() {
		p := new(models.BackgroundMigrationProgress)
		if err := rows.Scan(&p.MigrationID, &p.MigrationName, &p.Status, &p.TotalKeys, &p.SucceededKeys, &p.SucceededJobs, &p.FailedJobs); err != nil {
			return nil, fmt.Errorf("scanning background migration progress: %w", err)
		}
		pp = append(pp, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating background migration progress rows: %w", err)
	}

	return pp, nil
}

// validateTransitions checks every from -> to pair against the migration state machine.
func validateTransitions(from []models.BackgroundMigrationStatus, to models.BackgroundMigrationStatus) error {
	if len(from) == 0 {
		return fmt.Errorf("no source status for transition to %s: %w", to, ErrIllegalTransition)
	}
	for _, f := range from {
		if !models.CanTransition(f, to) {
			return fmt.Errorf("%s -> %s: %w", f, to, ErrIllegalTransition)
		}
	}
	return nil
}

func statusArray(statuses []models.BackgroundMigrationStatus) pq.Int64Array {
	arr := make(pq.Int64Array, 0, len(statuses))
	for _, s := range statuses {
		arr = append(arr, int64(s))
	}
	return arr
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBackgroundMigrationInto(s scanner, m *models.BackgroundMigration) error {
	return s.Scan(&m.ID, &m.Name, &m.MinValue, &m.MaxValue, &m.BatchSize, &m.Cursor, &m.Status, &m.ErrorCode, &m.CreatedAt, &m.UpdatedAt, &m.StartedAt, &m.FinishedAt)
}

func scanBackgroundMigrationJobInto(s scanner, j *models.BackgroundMigrationJob) error {
	return s.Scan(&j.ID, &j.MigrationID, &j.MinValue, &j.MaxValue, &j.Status, &j.Attempts, &j.MaxAttempts, &j.Data, &j.LeaseOwner, &j.LeaseExpiresAt, &j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.FinishedAt)
}

func scanBackgroundMigration(row *sql.Row) (*models.BackgroundMigration, error) {
	m := new(models.BackgroundMigration)
	if err := scanBackgroundMigrationInto(row, m); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("scanning background migration: %w", err)
		}
		return nil, nil
	}
	return m, nil
}

func scanBackgroundMigrationJob(row *sql.Row) (*models.BackgroundMigrationJob, error) {
	j := new(models.BackgroundMigrationJob)
	if err := scanBackgroundMigrationJobInto(row, j); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("scanning background migration job: %w", err)
		}
		return nil, nil
	}
	return j, nil
}

func scanFullBackgroundMigrations(rows *sql.Rows) (models.BackgroundMigrations, error) {
	mm := make(models.BackgroundMigrations, 0)
	defer rows.Close()

	for rows.Next() {
		m := new(models.BackgroundMigration)
		if err := scanBackgroundMigrationInto(rows, m); err != nil {
			return nil, fmt.Errorf("scanning background migrations: %w", err)
		}
		mm = append(mm, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scanning background migrations: %w", err)
	}

	return mm, nil
}

func scanFullBackgroundMigrationJobs(rows *sql.Rows) (models.BackgroundMigrationJobs, error) {
	jj := make(models.BackgroundMigrationJobs, 0)
	defer rows.Close()

	for rows.Next() {
		j := new(models.BackgroundMigrationJob)
		if err := scanBackgroundMigrationJobInto(rows, j); err != nil {
			return nil, fmt.Errorf("scanning background migration jobs: %w", err)
		}
		jj = append(jj, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scanning background migration jobs: %w", err)
	}

	return jj, nil
}
