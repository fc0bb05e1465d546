package bbm

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"github.com/tigrisdata/batchmigrate/registry/datastore"
	"github.com/tigrisdata/batchmigrate/registry/datastore/models"
	"github.com/tigrisdata/batchmigrate/testutil"
)

// claimedStore returns a store holding a running migration with one job claimed with a 30s lease.
func claimedStore(t *testing.T, c clock.Clock, maxAttempts int) (datastore.BackgroundMigrationStore, *models.BackgroundMigrationJob) {
	t.Helper()
	ctx := context.Background()

	store := datastore.NewInMemoryBackgroundMigrationStore(datastore.WithClock(c))
	m := &models.BackgroundMigration{Name: testWorkName, MinValue: 0, MaxValue: 100, BatchSize: 100}
	require.NoError(t, store.Create(ctx, m))
	_, err := store.UpdateStatus(ctx, m.ID, []models.BackgroundMigrationStatus{models.BackgroundMigrationPending}, models.BackgroundMigrationRunning, models.NullErrCode)
	require.NoError(t, err)
	_, err = store.EnqueueJob(ctx, m.ID, 0, models.Range{Min: 0, Max: 100}, maxAttempts)
	require.NoError(t, err)

	job, err := store.ClaimNextJob(ctx, m.ID, "crashed-worker", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)

	return store, job
}

func TestReclaimer_ReclaimOnce(t *testing.T) {
	ctx := context.Background()
	c := clock.NewMock()
	store, job := claimedStore(t, c, 3)
	r := NewReclaimer(store, WithReclaimerClock(c), WithReclaimerLogger(testutil.NewTestLogger(t)))

	jobs, err := r.ReclaimOnce(ctx)
	require.NoError(t, err)
	require.Empty(t, jobs)

	c.Add(31 * time.Second)
	jobs, err = r.ReclaimOnce(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, job.ID, jobs[0].ID)
	require.Equal(t, models.BackgroundMigrationJobPending, jobs[0].Status)
	require.Equal(t, 1, jobs[0].Attempts)
	require.False(t, jobs[0].LeaseOwner.Valid)
	require.Contains(t, string(jobs[0].Data), "crashed-worker")

	// reclaiming is idempotent
	jobs, err = r.ReclaimOnce(ctx)
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestReclaimer_ReclaimOnce_BudgetSpent(t *testing.T) {
	ctx := context.Background()
	c := clock.NewMock()
	store, _ := claimedStore(t, c, 1)
	r := NewReclaimer(store, WithReclaimerClock(c), WithReclaimerLogger(testutil.NewTestLogger(t)))

	c.Add(time.Minute)
	jobs, err := r.ReclaimOnce(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, models.BackgroundMigrationJobFailed, jobs[0].Status)
}

func TestReclaimer_Start(t *testing.T) {
	c := clock.NewMock()
	store, job := claimedStore(t, c, 3)
	r := NewReclaimer(store,
		WithReclaimInterval(10*time.Second),
		WithReclaimerClock(c),
		WithReclaimerLogger(testutil.NewTestLogger(t)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := r.Start(ctx)

	c.Add(31 * time.Second)
	require.Eventually(t, func() bool {
		// keep ticking in case an earlier tick was handled before the lease expired
		c.Add(10 * time.Second)
		pending, err := store.FindJobs(context.Background(), job.MigrationID, models.BackgroundMigrationJobPending, 10)
		require.NoError(t, err)
		return len(pending) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("reclaimer did not stop")
	}
}

func TestPool_Run_ExhaustedLeaseFailsMigrationWithoutReclaimer(t *testing.T) {
	c := clock.NewMock()
	store, job := claimedStore(t, c, 1)
	c.Add(time.Hour)

	logger := testutil.NewTestLogger(t)
	controller := NewController(store,
		WithWork(noopWork()),
		WithMaxJobAttempt(1),
		WithControllerLogger(logger),
	)
	pool := NewPool(store, controller, NewExecutor(nil, WithExecutorLogger(logger)),
		WithPollInterval(time.Millisecond, 5*time.Millisecond),
		WithPoolLogger(logger),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, pool.Run(ctx, job.MigrationID))
	require.NoError(t, ctx.Err(), "pool did not finish the migration in time")

	m, err := controller.Get(context.Background(), job.MigrationID)
	require.NoError(t, err)
	require.Equal(t, models.BackgroundMigrationFailed, m.Status)
	require.Equal(t, models.JobExceedsMaxAttemptBBMErrCode, m.ErrorCode)

	counts, err := store.CountJobsByStatus(context.Background(), job.MigrationID)
	require.NoError(t, err)
	require.Equal(t, map[models.BackgroundMigrationJobStatus]int{models.BackgroundMigrationJobFailed: 1}, counts)
}
