package datastore

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/guregu/null/v6"
	"github.com/tigrisdata/batchmigrate/registry/datastore/models"
)

// inMemoryBackgroundMigrationStore is a BackgroundMigrationStore kept in process memory. Every operation holds the
// store mutex, which gives the conditional updates the same compare-and-set semantics as the single statements of
// the PostgreSQL store.
type inMemoryBackgroundMigrationStore struct {
	mu    sync.Mutex
	clock clock.Clock

	migrations map[int64]*models.BackgroundMigration
	jobs       map[int64][]*models.BackgroundMigrationJob
	nextID     int64
	nextJobID  int64
}

// InMemoryOption configures an in-memory store.
type InMemoryOption func(*inMemoryBackgroundMigrationStore)

// WithClock sets the clock used for timestamps and lease expiry.
func WithClock(c clock.Clock) InMemoryOption {
	return func(s *inMemoryBackgroundMigrationStore) {
		s.clock = c
	}
}

// NewInMemoryBackgroundMigrationStore builds a BackgroundMigrationStore that keeps its state in memory.
func NewInMemoryBackgroundMigrationStore(opts ...InMemoryOption) BackgroundMigrationStore {
	s := &inMemoryBackgroundMigrationStore{
		clock:      clock.New(),
		migrations: make(map[int64]*models.BackgroundMigration),
		jobs:       make(map[int64][]*models.BackgroundMigrationJob),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func copyMigration(m *models.BackgroundMigration) *models.BackgroundMigration {
	c := *m
	return &c
}

func copyJob(j *models.BackgroundMigrationJob) *models.BackgroundMigrationJob {
	c := *j
	c.Data = slices.Clone(j.Data)
	return &c
}

func (s *inMemoryBackgroundMigrationStore) now() time.Time {
	return s.clock.Now().UTC()
}

func (s *inMemoryBackgroundMigrationStore) Create(ctx context.Context, m *models.BackgroundMigration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.migrations {
		if existing.Name == m.Name {
			return fmt.Errorf("creating background migration %q: %w", m.Name, ErrMigrationExists)
		}
	}
	if m.BatchSize <= 0 || m.MinValue > m.MaxValue {
		return fmt.Errorf("creating background migration %q: invalid bounds or batch size", m.Name)
	}

	s.nextID++
	created := &models.BackgroundMigration{
		ID:        s.nextID,
		Name:      m.Name,
		MinValue:  m.MinValue,
		MaxValue:  m.MaxValue,
		BatchSize: m.BatchSize,
		Cursor:    m.MinValue,
		Status:    models.BackgroundMigrationPending,
		ErrorCode: models.NullErrCode,
		CreatedAt: s.now(),
	}
	s.migrations[created.ID] = created
	*m = *copyMigration(created)

	return nil
}

func (s *inMemoryBackgroundMigrationStore) FindByID(ctx context.Context, id int64) (*models.BackgroundMigration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.migrations[id]
	if !ok {
		return nil, nil
	}
	return copyMigration(m), nil
}

func (s *inMemoryBackgroundMigrationStore) FindByName(ctx context.Context, name string) (*models.BackgroundMigration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.migrations {
		if m.Name == name {
			return copyMigration(m), nil
		}
	}
	return nil, nil
}

func (s *inMemoryBackgroundMigrationStore) FindAll(ctx context.Context) (models.BackgroundMigrations, error) {
	return s.FindByStatus(ctx, models.AllBackgroundMigrationStatuses...)
}

func (s *inMemoryBackgroundMigrationStore) FindByStatus(ctx context.Context, statuses ...models.BackgroundMigrationStatus) (models.BackgroundMigrations, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mm := make(models.BackgroundMigrations, 0)
	for _, m := range s.migrations {
		if slices.Contains(statuses, m.Status) {
			mm = append(mm, copyMigration(m))
		}
	}
	sort.Slice(mm, func(i, j int) bool { return mm[i].ID < mm[j].ID })

	return mm, nil
}

func (s *inMemoryBackgroundMigrationStore) UpdateStatus(ctx context.Context, id int64, from []models.BackgroundMigrationStatus, to models.BackgroundMigrationStatus, code models.BBMErrorCode) (*models.BackgroundMigration, error) {
	if err := validateTransitions(from, to); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.migrations[id]
	if !ok || !slices.Contains(from, m.Status) {
		return nil, fmt.Errorf("moving background migration %d to %s: %w", id, to, ErrTransitionNotApplicable)
	}

	now := s.now()
	m.Status = to
	m.ErrorCode = code
	m.UpdatedAt = null.TimeFrom(now)
	switch to {
	case models.BackgroundMigrationRunning:
		if !m.StartedAt.Valid {
			m.StartedAt = null.TimeFrom(now)
		}
		m.FinishedAt = null.Time{}
	case models.BackgroundMigrationSucceeded, models.BackgroundMigrationFailed:
		m.FinishedAt = null.TimeFrom(now)
	}

	return copyMigration(m), nil
}

func (s *inMemoryBackgroundMigrationStore) EnqueueJob(ctx context.Context, migrationID, cursor int64, r models.Range, maxAttempts int) (*models.BackgroundMigrationJob, error) {
	if r.Min != cursor || r.Max <= r.Min {
		return nil, fmt.Errorf("enqueuing background migration job: invalid range %s for cursor %d", r, cursor)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.migrations[migrationID]
	if !ok || m.Cursor != cursor {
		return nil, nil
	}

	now := s.now()
	m.Cursor = r.Max
	m.UpdatedAt = null.TimeFrom(now)

	s.nextJobID++
	j := &models.BackgroundMigrationJob{
		ID:          s.nextJobID,
		MigrationID: migrationID,
		MinValue:    r.Min,
		MaxValue:    r.Max,
		Status:      models.BackgroundMigrationJobPending,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
	}
	s.jobs[migrationID] = append(s.jobs[migrationID], j)

	return copyJob(j), nil
}

func (s *inMemoryBackgroundMigrationStore) ClaimNextJob(ctx context.Context, migrationID int64, owner string, lease time.Duration) (*models.BackgroundMigrationJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, j := range s.jobs[migrationID] {
		if j.Attempts >= j.MaxAttempts && leaseExpired(j, now) {
			if err := expireLease(j, now); err != nil {
				return nil, err
			}
		}
	}

	m, ok := s.migrations[migrationID]
	if !ok || m.Status != models.BackgroundMigrationRunning {
		return nil, nil
	}

	var next *models.BackgroundMigrationJob
	for _, j := range s.jobs[migrationID] {
		if j.Attempts >= j.MaxAttempts {
			continue
		}
		claimable := j.Status == models.BackgroundMigrationJobPending || leaseExpired(j, now)
		if claimable && (next == nil || j.MinValue < next.MinValue) {
			next = j
		}
	}
	if next == nil {
		return nil, nil
	}

	next.Status = models.BackgroundMigrationJobRunning
	next.Attempts++
	next.LeaseOwner = null.StringFrom(owner)
	next.LeaseExpiresAt = null.TimeFrom(now.Add(lease))
	next.StartedAt = null.TimeFrom(now)
	next.FinishedAt = null.Time{}
	next.UpdatedAt = null.TimeFrom(now)

	return copyJob(next), nil
}

func (s *inMemoryBackgroundMigrationStore) findJob(migrationID, id int64) *models.BackgroundMigrationJob {
	for _, j := range s.jobs[migrationID] {
		if j.ID == id {
			return j
		}
	}
	return nil
}

func (s *inMemoryBackgroundMigrationStore) CompleteJob(ctx context.Context, job *models.BackgroundMigrationJob, outcome models.JobOutcome) (*models.BackgroundMigrationJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	j := s.findJob(job.MigrationID, job.ID)
	if j == nil || j.Status != models.BackgroundMigrationJobRunning || j.Attempts != job.Attempts {
		return nil, fmt.Errorf("completing background migration job %d attempt %d: %w", job.ID, job.Attempts, ErrJobLeaseLost)
	}

	switch {
	case outcome.Succeeded:
		j.Status = models.BackgroundMigrationJobSucceeded
	case j.Attempts < j.MaxAttempts:
		j.Status = models.BackgroundMigrationJobPending
	default:
		j.Status = models.BackgroundMigrationJobFailed
	}

	now := s.now()
	j.Data = slices.Clone(outcome.Data)
	j.LeaseOwner = null.String{}
	j.LeaseExpiresAt = null.Time{}
	j.FinishedAt = null.TimeFrom(now)
	j.UpdatedAt = null.TimeFrom(now)

	return copyJob(j), nil
}

func (s *inMemoryBackgroundMigrationStore) ReclaimExpiredJobs(ctx context.Context) (models.BackgroundMigrationJobs, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	reclaimed := make(models.BackgroundMigrationJobs, 0)
	for _, id := range s.sortedMigrationIDs() {
		for _, j := range s.jobs[id] {
			if !leaseExpired(j, now) {
				continue
			}
			if err := expireLease(j, now); err != nil {
				return nil, err
			}

			reclaimed = append(reclaimed, copyJob(j))
		}
	}

	return reclaimed, nil
}

func leaseExpired(j *models.BackgroundMigrationJob, now time.Time) bool {
	return j.Status == models.BackgroundMigrationJobRunning && j.LeaseExpiresAt.Valid && j.LeaseExpiresAt.Time.Before(now)
}

// expireLease releases the lease of j. The job goes back to pending while it has attempts left, otherwise it fails.
// The lease details are merged into the data recorded by the previous attempt.
func expireLease(j *models.BackgroundMigrationJob, now time.Time) error {
	var data map[string]any
	if len(j.Data) > 0 {
		if err := json.Unmarshal(j.Data, &data); err != nil {
			return fmt.Errorf("decoding job %d data: %w", j.ID, err)
		}
	}
	if data == nil {
		data = make(map[string]any)
	}
	data["lease_error"] = "lease expired"
	data["lease_owner"] = j.LeaseOwner.String
	data["attempt"] = j.Attempts

	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding job %d data: %w", j.ID, err)
	}

	if j.Attempts < j.MaxAttempts {
		j.Status = models.BackgroundMigrationJobPending
		j.FinishedAt = null.Time{}
	} else {
		j.Status = models.BackgroundMigrationJobFailed
		j.FinishedAt = null.TimeFrom(now)
	}
	j.Data = b
	j.LeaseOwner = null.String{}
	j.LeaseExpiresAt = null.Time{}
	j.UpdatedAt = null.TimeFrom(now)

	return nil
}

func (s *inMemoryBackgroundMigrationStore) sortedMigrationIDs() []int64 {
	ids := make([]int64, 0, len(s.migrations))
	for id := range s.migrations {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (s *inMemoryBackgroundMigrationStore) CountJobsByStatus(ctx context.Context, migrationID int64) (map[models.BackgroundMigrationJobStatus]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[models.BackgroundMigrationJobStatus]int)
	for _, j := range s.jobs[migrationID] {
		counts[j.Status]++
	}
	return counts, nil
}

func (s *inMemoryBackgroundMigrationStore) FindJobs(ctx context.Context, migrationID int64, status models.BackgroundMigrationJobStatus, limit int) (models.BackgroundMigrationJobs, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	jj := make(models.BackgroundMigrationJobs, 0)
	for _, j := range s.jobs[migrationID] {
		if j.Status == status {
			jj = append(jj, copyJob(j))
		}
	}

	lastChange := func(j *models.BackgroundMigrationJob) time.Time {
		if j.UpdatedAt.Valid {
			return j.UpdatedAt.Time
		}
		return j.CreatedAt
	}
	sort.SliceStable(jj, func(a, b int) bool {
		ta, tb := lastChange(jj[a]), lastChange(jj[b])
		if ta.Equal(tb) {
			return jj[a].ID > jj[b].ID
		}
		return ta.After(tb)
	})

	if limit > 0 && len(jj) > limit {
		jj = jj[:limit]
	}
	return jj, nil
}

func (s *inMemoryBackgroundMigrationStore) FindJobRanges(ctx context.Context, migrationID int64, status models.BackgroundMigrationJobStatus) ([]models.Range, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rr := make([]models.Range, 0)
	for _, j := range s.jobs[migrationID] {
		if j.Status == status {
			rr = append(rr, j.Range())
		}
	}
	sort.Slice(rr, func(a, b int) bool { return rr[a].Min < rr[b].Min })

	return rr, nil
}

func (s *inMemoryBackgroundMigrationStore) ResetFailedJobs(ctx context.Context, migrationID int64, maxAttempts int, resetAttempts bool) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var n int64
	for _, j := range s.jobs[migrationID] {
		if j.Status != models.BackgroundMigrationJobFailed {
			continue
		}
		if resetAttempts {
			j.Attempts = 0
			j.MaxAttempts = maxAttempts
		} else {
			j.MaxAttempts = j.Attempts + maxAttempts
		}
		j.Status = models.BackgroundMigrationJobPending
		j.LeaseOwner = null.String{}
		j.LeaseExpiresAt = null.Time{}
		j.FinishedAt = null.Time{}
		j.UpdatedAt = null.TimeFrom(now)
		n++
	}

	return n, nil
}

func (s *inMemoryBackgroundMigrationStore) FindProgress(ctx context.Context) ([]*models.BackgroundMigrationProgress, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pp := make([]*models.BackgroundMigrationProgress, 0, len(s.migrations))
	for _, id := range s.sortedMigrationIDs() {
		m := s.migrations[id]
		p := &models.BackgroundMigrationProgress{
			MigrationID:   m.ID,
			MigrationName: m.Name,
			Status:        m.Status,
			TotalKeys:     m.MaxValue - m.MinValue,
		}
		for _, j := range s.jobs[id] {
			switch j.Status {
			case models.BackgroundMigrationJobSucceeded:
				p.SucceededJobs++
				p.SucceededKeys += j.MaxValue - j.MinValue
			case models.BackgroundMigrationJobFailed:
				p.FailedJobs++
			}
		}
		pp = append(pp, p)
	}

	return pp, nil
}
