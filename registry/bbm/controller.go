package bbm

import (
	"context"
	"errors"
	"fmt"

	"github.com/tigrisdata/batchmigrate/log"
	"github.com/tigrisdata/batchmigrate/registry/bbm/metrics"
	"github.com/tigrisdata/batchmigrate/registry/datastore"
	"github.com/tigrisdata/batchmigrate/registry/datastore/models"
	"gitlab.com/gitlab-org/labkit/errortracking"
)

const (
	controllerName        = "registry.bbm.Controller"
	defaultMaxJobAttempt  = 3
	defaultPlanAhead      = 4
	defaultDetailsLimit   = 10
	maxMigrationNameBytes = 255
)

// Controller drives background migrations through their state machine. It is safe for concurrent use, all
// coordination happens through conditional updates in the store.
type Controller struct {
	store         datastore.BackgroundMigrationStore
	work          map[string]Work
	logger        log.Logger
	maxJobAttempt int
	planAhead     int
}

// ControllerOption provides functional options for NewController.
type ControllerOption func(*Controller)

// WithWork sets the registered work functions. Defaults to AllWork.
func WithWork(work map[string]Work) ControllerOption {
	return func(c *Controller) {
		c.work = work
	}
}

// WithMaxJobAttempt sets the number of attempts a job gets before it fails terminally.
func WithMaxJobAttempt(n int) ControllerOption {
	return func(c *Controller) {
		c.maxJobAttempt = n
	}
}

// WithPlanAhead sets the number of pending jobs kept planned ahead of the workers.
func WithPlanAhead(n int) ControllerOption {
	return func(c *Controller) {
		c.planAhead = n
	}
}

// WithControllerLogger sets the logger.
func WithControllerLogger(l log.Logger) ControllerOption {
	return func(c *Controller) {
		c.logger = l
	}
}

// NewController creates a new Controller.
func NewController(store datastore.BackgroundMigrationStore, opts ...ControllerOption) *Controller {
	c := &Controller{store: store}
	c.applyDefaults()

	for _, opt := range opts {
		opt(c)
	}
	if c.work == nil {
		// AllWork never holds duplicates
		c.work, _ = makeWorkMap(AllWork())
	}

	c.logger = c.logger.WithFields(log.Fields{componentKey: controllerName})

	return c
}

func (c *Controller) applyDefaults() {
	if c.logger == nil {
		c.logger = log.GetLogger()
	}
	if c.maxJobAttempt == 0 {
		c.maxJobAttempt = defaultMaxJobAttempt
	}
	if c.planAhead == 0 {
		c.planAhead = defaultPlanAhead
	}
}

// Work returns the work function registered for a migration name.
func (c *Controller) Work(name string) (Work, bool) {
	w, ok := c.work[name]
	return w, ok
}

// Create registers a new pending migration applying the work function `name` over r in batches of batchSize keys.
func (c *Controller) Create(ctx context.Context, name string, r models.Range, batchSize int64) (*models.BackgroundMigration, error) {
	if _, ok := c.work[name]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrWorkFunctionNotFound, name)
	}
	if len(name) > maxMigrationNameBytes {
		return nil, fmt.Errorf("migration name is longer than %d bytes", maxMigrationNameBytes)
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBatchSize, batchSize)
	}
	if r.Min > r.Max {
		return nil, fmt.Errorf("%w: min value %d is greater than max value %d", ErrInvalidRange, r.Min, r.Max)
	}

	m := &models.BackgroundMigration{
		Name:      name,
		MinValue:  r.Min,
		MaxValue:  r.Max,
		BatchSize: batchSize,
	}
	if err := c.store.Create(ctx, m); err != nil {
		return nil, err
	}
	c.logger.WithFields(migrationFields(m)).Info("created background migration")

	return m, nil
}

// Start moves a pending migration to running.
func (c *Controller) Start(ctx context.Context, id int64) (*models.BackgroundMigration, error) {
	return c.transition(ctx, id, []models.BackgroundMigrationStatus{models.BackgroundMigrationPending}, models.BackgroundMigrationRunning, models.NullErrCode)
}

// Pause stops workers from claiming new jobs of a running migration. Jobs already claimed run to completion.
func (c *Controller) Pause(ctx context.Context, id int64) (*models.BackgroundMigration, error) {
	return c.transition(ctx, id, []models.BackgroundMigrationStatus{models.BackgroundMigrationRunning}, models.BackgroundMigrationPaused, models.NullErrCode)
}

// Resume moves a paused migration back to running.
func (c *Controller) Resume(ctx context.Context, id int64) (*models.BackgroundMigration, error) {
	return c.transition(ctx, id, []models.BackgroundMigrationStatus{models.BackgroundMigrationPaused}, models.BackgroundMigrationRunning, models.NullErrCode)
}

// RetryFailedJobs moves the terminally failed jobs of a migration back to pending and, if the migration failed,
// back to running. With resetAttempts the attempt counters of the jobs start over, otherwise they keep their
// history and get a fresh attempt budget on top of it. Returns the number of jobs retried.
func (c *Controller) RetryFailedJobs(ctx context.Context, id int64, resetAttempts bool) (int64, error) {
	m, err := c.Get(ctx, id)
	if err != nil {
		return 0, err
	}

	switch m.Status {
	case models.BackgroundMigrationFailed, models.BackgroundMigrationRunning, models.BackgroundMigrationPaused:
	default:
		return 0, fmt.Errorf("%w: migration %d is %s", ErrRetryNotApplicable, id, m.Status)
	}

	// jobs are reset first so that a running migration is never observed with failed jobs after the retry
	n, err := c.store.ResetFailedJobs(ctx, id, c.maxJobAttempt, resetAttempts)
	if err != nil {
		return 0, fmt.Errorf("resetting failed jobs: %w", err)
	}

	l := c.logger.WithFields(migrationFields(m)).WithFields(log.Fields{"jobs_retried": n, "reset_attempts": resetAttempts})

	if m.Status == models.BackgroundMigrationFailed {
		if _, err := c.transition(ctx, id, []models.BackgroundMigrationStatus{models.BackgroundMigrationFailed}, models.BackgroundMigrationRunning, models.NullErrCode); err != nil {
			return n, err
		}
	}
	l.Info("retried failed jobs")

	return n, nil
}

// Get returns a migration by ID.
func (c *Controller) Get(ctx context.Context, id int64) (*models.BackgroundMigration, error) {
	m, err := c.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("%w: %d", datastore.ErrMigrationNotFound, id)
	}
	return m, nil
}

// GetByName returns a migration by name.
func (c *Controller) GetByName(ctx context.Context, name string) (*models.BackgroundMigration, error) {
	m, err := c.store.FindByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("%w: %q", datastore.ErrMigrationNotFound, name)
	}
	return m, nil
}

// List returns all migrations.
func (c *Controller) List(ctx context.Context) (models.BackgroundMigrations, error) {
	return c.store.FindAll(ctx)
}

// MigrationDetails is the detailed view of a migration.
type MigrationDetails struct {
	Migration *models.BackgroundMigration
	JobCounts map[models.BackgroundMigrationJobStatus]int
	// SucceededKeys is the number of keys covered by succeeded jobs.
	SucceededKeys int64
	// SucceededJobs and FailedJobs hold the most recently updated jobs of each status.
	SucceededJobs models.BackgroundMigrationJobs
	FailedJobs    models.BackgroundMigrationJobs
}

// Details returns a migration with its job counts and up to limit of its most recent succeeded and failed jobs.
func (c *Controller) Details(ctx context.Context, id int64, limit int) (*MigrationDetails, error) {
	if limit <= 0 {
		limit = defaultDetailsLimit
	}

	m, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	d := &MigrationDetails{Migration: m}

	if d.JobCounts, err = c.store.CountJobsByStatus(ctx, id); err != nil {
		return nil, err
	}
	ranges, err := c.store.FindJobRanges(ctx, id, models.BackgroundMigrationJobSucceeded)
	if err != nil {
		return nil, err
	}
	for _, r := range ranges {
		d.SucceededKeys += r.Size()
	}
	if d.SucceededJobs, err = c.store.FindJobs(ctx, id, models.BackgroundMigrationJobSucceeded, limit); err != nil {
		return nil, err
	}
	if d.FailedJobs, err = c.store.FindJobs(ctx, id, models.BackgroundMigrationJobFailed, limit); err != nil {
		return nil, err
	}

	return d, nil
}

// Advance performs one drive step of a running migration: it fails the migration if one of its jobs failed
// terminally, plans new jobs while fewer than the plan ahead count are pending and, once every range was planned
// and no job is left to run, finalizes the migration. Migrations in any other status are returned unchanged.
func (c *Controller) Advance(ctx context.Context, id int64) (*models.BackgroundMigration, error) {
	m, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Status != models.BackgroundMigrationRunning {
		return m, nil
	}

	l := c.logger.WithFields(migrationFields(m))

	if _, ok := c.work[m.Name]; !ok {
		return c.fail(ctx, m, newInvalidWorkError(fmt.Errorf("%w: %q", ErrWorkFunctionNotFound, m.Name)))
	}

	counts, err := c.store.CountJobsByStatus(ctx, m.ID)
	if err != nil {
		return nil, fmt.Errorf("counting jobs: %w", err)
	}
	if n := counts[models.BackgroundMigrationJobFailed]; n > 0 {
		return c.fail(ctx, m, newJobAttemptsExhaustedError(fmt.Errorf("%w: %d jobs failed", ErrMaxJobAttemptsReached, n)))
	}

	pending := counts[models.BackgroundMigrationJobPending]
	planned := 0
	for pending < c.planAhead {
		r, ok, err := NextRange(m)
		if err != nil {
			return c.fail(ctx, m, newPlanningError(err))
		}
		if !ok {
			break
		}

		job, err := c.store.EnqueueJob(ctx, m.ID, m.Cursor, r, c.maxJobAttempt)
		if err != nil {
			return nil, fmt.Errorf("enqueueing job: %w", err)
		}
		if job == nil {
			// another controller planned this range, leave the rest to it
			l.WithFields(log.Fields{jobRangeKey: r.String()}).Debug("cursor moved concurrently, stopping planning")
			return c.Get(ctx, id)
		}

		m.Cursor = r.Max
		pending++
		planned++
	}
	if planned > 0 {
		metrics.JobsPlanned(m.Name, planned)
		l.WithFields(log.Fields{"jobs_planned": planned, bbmCursorKey: m.Cursor}).Info("planned jobs")
	}

	if m.Cursor < m.MaxValue || pending+counts[models.BackgroundMigrationJobRunning] > 0 {
		return m, nil
	}

	return c.finalize(ctx, m)
}

// finalize verifies that the succeeded jobs of a fully planned migration cover its range.
func (c *Controller) finalize(ctx context.Context, m *models.BackgroundMigration) (*models.BackgroundMigration, error) {
	id := m.ID
	m, err := c.transition(ctx, id, []models.BackgroundMigrationStatus{models.BackgroundMigrationRunning}, models.BackgroundMigrationFinalizing, models.NullErrCode)
	if err != nil {
		if errors.Is(err, datastore.ErrTransitionNotApplicable) {
			// paused, failed or finalized concurrently
			return c.Get(ctx, id)
		}
		return nil, err
	}

	// a job may have failed between the job count and the transition
	counts, err := c.store.CountJobsByStatus(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("counting jobs: %w", err)
	}
	if n := counts[models.BackgroundMigrationJobFailed]; n > 0 {
		return c.fail(ctx, m, newJobAttemptsExhaustedError(fmt.Errorf("%w: %d jobs failed", ErrMaxJobAttemptsReached, n)))
	}

	ranges, err := c.store.FindJobRanges(ctx, id, models.BackgroundMigrationJobSucceeded)
	if err != nil {
		return nil, fmt.Errorf("finding succeeded job ranges: %w", err)
	}
	if err := VerifyCoverage(m.MinValue, m.MaxValue, ranges); err != nil {
		return c.fail(ctx, m, newVerificationError(err))
	}

	m, err = c.transition(ctx, id, []models.BackgroundMigrationStatus{models.BackgroundMigrationFinalizing}, models.BackgroundMigrationSucceeded, models.NullErrCode)
	if err != nil {
		return nil, err
	}
	c.logger.WithFields(migrationFields(m)).WithFields(log.Fields{"jobs": len(ranges)}).Info("background migration succeeded")

	return m, nil
}

// fail moves a running or finalizing migration to failed with the error code of err.
func (c *Controller) fail(ctx context.Context, m *models.BackgroundMigration, err *migrationFailureError) (*models.BackgroundMigration, error) {
	c.logger.WithFields(migrationFields(m)).WithError(err).WithFields(log.Fields{bbmErrorCodeKey: err.ErrorCode.String()}).
		Error("background migration failed")
	errortracking.Capture(err, errortracking.WithContext(ctx), errortracking.WithStackTrace())

	failed, terr := c.transition(ctx, m.ID, []models.BackgroundMigrationStatus{m.Status}, models.BackgroundMigrationFailed, err.ErrorCode)
	if terr != nil {
		if errors.Is(terr, datastore.ErrTransitionNotApplicable) {
			return c.Get(ctx, m.ID)
		}
		return nil, terr
	}
	return failed, nil
}

func (c *Controller) transition(ctx context.Context, id int64, from []models.BackgroundMigrationStatus, to models.BackgroundMigrationStatus, code models.BBMErrorCode) (*models.BackgroundMigration, error) {
	m, err := c.store.UpdateStatus(ctx, id, from, to, code)
	if err != nil {
		if errors.Is(err, datastore.ErrTransitionNotApplicable) {
			if current, ferr := c.store.FindByID(ctx, id); ferr == nil && current == nil {
				return nil, fmt.Errorf("%w: %d", datastore.ErrMigrationNotFound, id)
			}
		}
		return nil, err
	}

	for _, s := range from {
		if s != to {
			metrics.MigrationTransitioned(s.String(), to.String())
			break
		}
	}
	c.logger.WithFields(migrationFields(m)).WithFields(log.Fields{"from": statusNames(from), "to": to.String()}).
		Info("background migration status updated")

	return m, nil
}

func statusNames(statuses []models.BackgroundMigrationStatus) []string {
	names := make([]string, 0, len(statuses))
	for _, s := range statuses {
		names = append(names, s.String())
	}
	return names
}

func migrationFields(m *models.BackgroundMigration) log.Fields {
	return log.Fields{
		bbmIDKey:        m.ID,
		bbmNameKey:      m.Name,
		bbmStatusKey:    m.Status.String(),
		bbmBatchSizeKey: m.BatchSize,
		bbmRangeKey:     m.Range().String(),
	}
}
