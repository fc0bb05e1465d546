package datastore_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/tigrisdata/batchmigrate/registry/datastore"
	"github.com/tigrisdata/batchmigrate/registry/datastore/models"
)

type inMemoryStoreSuite struct {
	suite.Suite

	ctx   context.Context
	clock *clock.Mock
	store datastore.BackgroundMigrationStore
	m     *models.BackgroundMigration
}

func TestInMemoryBackgroundMigrationStore(t *testing.T) {
	suite.Run(t, new(inMemoryStoreSuite))
}

func (s *inMemoryStoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = clock.NewMock()
	s.clock.Set(now)
	s.store = datastore.NewInMemoryBackgroundMigrationStore(datastore.WithClock(s.clock))

	s.m = &models.BackgroundMigration{Name: "copy_users", MinValue: 0, MaxValue: 250, BatchSize: 100}
	s.Require().NoError(s.store.Create(s.ctx, s.m))
}

func (s *inMemoryStoreSuite) start() {
	m, err := s.store.UpdateStatus(s.ctx, s.m.ID, []models.BackgroundMigrationStatus{models.BackgroundMigrationPending}, models.BackgroundMigrationRunning, models.NullErrCode)
	s.Require().NoError(err)
	s.m = m
}

func (s *inMemoryStoreSuite) enqueueAll(maxAttempts int) {
	for _, r := range []models.Range{{Min: 0, Max: 100}, {Min: 100, Max: 200}, {Min: 200, Max: 250}} {
		j, err := s.store.EnqueueJob(s.ctx, s.m.ID, r.Min, r, maxAttempts)
		s.Require().NoError(err)
		s.Require().NotNil(j)
	}
}

func (s *inMemoryStoreSuite) TestCreate() {
	s.Require().Equal(int64(1), s.m.ID)
	s.Require().Equal(models.BackgroundMigrationPending, s.m.Status)
	s.Require().Equal(s.m.MinValue, s.m.Cursor)

	err := s.store.Create(s.ctx, &models.BackgroundMigration{Name: "copy_users", MaxValue: 1, BatchSize: 1})
	s.Require().ErrorIs(err, datastore.ErrMigrationExists)

	m, err := s.store.FindByName(s.ctx, "copy_users")
	s.Require().NoError(err)
	s.Require().Equal(s.m.ID, m.ID)

	m, err = s.store.FindByID(s.ctx, 42)
	s.Require().NoError(err)
	s.Require().Nil(m)
}

func (s *inMemoryStoreSuite) TestUpdateStatus_Timestamps() {
	s.start()
	s.Require().True(s.m.StartedAt.Valid)
	startedAt := s.m.StartedAt.Time

	s.clock.Add(time.Minute)
	m, err := s.store.UpdateStatus(s.ctx, s.m.ID, []models.BackgroundMigrationStatus{models.BackgroundMigrationRunning}, models.BackgroundMigrationFailed, models.JobExceedsMaxAttemptBBMErrCode)
	s.Require().NoError(err)
	s.Require().True(m.FinishedAt.Valid)
	s.Require().Equal(models.JobExceedsMaxAttemptBBMErrCode, m.ErrorCode)

	// re-entering running keeps the first start and clears the finish
	s.clock.Add(time.Minute)
	m, err = s.store.UpdateStatus(s.ctx, s.m.ID, []models.BackgroundMigrationStatus{models.BackgroundMigrationFailed}, models.BackgroundMigrationRunning, models.NullErrCode)
	s.Require().NoError(err)
	s.Require().Equal(startedAt, m.StartedAt.Time)
	s.Require().False(m.FinishedAt.Valid)
	s.Require().False(m.ErrorCode.Valid)
}

func (s *inMemoryStoreSuite) TestUpdateStatus_NotApplicable() {
	_, err := s.store.UpdateStatus(s.ctx, s.m.ID, []models.BackgroundMigrationStatus{models.BackgroundMigrationRunning}, models.BackgroundMigrationPaused, models.NullErrCode)
	s.Require().ErrorIs(err, datastore.ErrTransitionNotApplicable)

	_, err = s.store.UpdateStatus(s.ctx, s.m.ID, []models.BackgroundMigrationStatus{models.BackgroundMigrationPending}, models.BackgroundMigrationSucceeded, models.NullErrCode)
	s.Require().ErrorIs(err, datastore.ErrIllegalTransition)

	m, err := s.store.FindByID(s.ctx, s.m.ID)
	s.Require().NoError(err)
	s.Require().Equal(models.BackgroundMigrationPending, m.Status)
}

func (s *inMemoryStoreSuite) TestEnqueueJob_StaleCursor() {
	r := models.Range{Min: 0, Max: 100}
	j, err := s.store.EnqueueJob(s.ctx, s.m.ID, 0, r, 3)
	s.Require().NoError(err)
	s.Require().NotNil(j)

	// a second planner with the same cursor loses the race
	j, err = s.store.EnqueueJob(s.ctx, s.m.ID, 0, r, 3)
	s.Require().NoError(err)
	s.Require().Nil(j)

	m, err := s.store.FindByID(s.ctx, s.m.ID)
	s.Require().NoError(err)
	s.Require().Equal(int64(100), m.Cursor)

	counts, err := s.store.CountJobsByStatus(s.ctx, s.m.ID)
	s.Require().NoError(err)
	s.Require().Equal(1, counts[models.BackgroundMigrationJobPending])
}

func (s *inMemoryStoreSuite) TestClaimNextJob_OrderAndAttempts() {
	s.start()
	s.enqueueAll(3)

	j, err := s.store.ClaimNextJob(s.ctx, s.m.ID, "w1", time.Minute)
	s.Require().NoError(err)
	s.Require().Equal(models.Range{Min: 0, Max: 100}, j.Range())
	s.Require().Equal(1, j.Attempts)
	s.Require().Equal("w1", j.LeaseOwner.String)
	s.Require().Equal(now.Add(time.Minute), j.LeaseExpiresAt.Time)

	j2, err := s.store.ClaimNextJob(s.ctx, s.m.ID, "w2", time.Minute)
	s.Require().NoError(err)
	s.Require().Equal(int64(100), j2.MinValue)
}

func (s *inMemoryStoreSuite) TestClaimNextJob_RequiresRunningMigration() {
	s.enqueueAll(3)

	j, err := s.store.ClaimNextJob(s.ctx, s.m.ID, "w1", time.Minute)
	s.Require().NoError(err)
	s.Require().Nil(j, "pending migration")

	s.start()
	_, err = s.store.UpdateStatus(s.ctx, s.m.ID, []models.BackgroundMigrationStatus{models.BackgroundMigrationRunning}, models.BackgroundMigrationPaused, models.NullErrCode)
	s.Require().NoError(err)

	j, err = s.store.ClaimNextJob(s.ctx, s.m.ID, "w1", time.Minute)
	s.Require().NoError(err)
	s.Require().Nil(j, "paused migration")
}

func (s *inMemoryStoreSuite) TestClaimNextJob_ConcurrentClaimersNeverShareAJob() {
	s.start()

	const jobs = 50
	for i := range jobs {
		r := models.Range{Min: int64(i), Max: int64(i + 1)}
		_, err := s.store.EnqueueJob(s.ctx, s.m.ID, r.Min, r, 3)
		s.Require().NoError(err)
	}

	var (
		mu      sync.Mutex
		claimed = make(map[int64]string)
		wg      sync.WaitGroup
	)
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			owner := fmt.Sprintf("w%d", w)
			for {
				j, err := s.store.ClaimNextJob(s.ctx, s.m.ID, owner, time.Hour)
				if err != nil || j == nil {
					return
				}
				mu.Lock()
				prev, dup := claimed[j.ID]
				claimed[j.ID] = owner
				mu.Unlock()
				if dup {
					s.T().Errorf("job %d claimed by %s and %s", j.ID, prev, owner)
				}
			}
		}()
	}
	wg.Wait()

	s.Require().Len(claimed, jobs)
}

func (s *inMemoryStoreSuite) TestLeaseExpiry() {
	s.start()
	s.enqueueAll(3)

	claimed, err := s.store.ClaimNextJob(s.ctx, s.m.ID, "w1", time.Minute)
	s.Require().NoError(err)

	// drain the other jobs so only the leased one can be reclaimed
	for range 2 {
		j, err := s.store.ClaimNextJob(s.ctx, s.m.ID, "w2", time.Hour)
		s.Require().NoError(err)
		s.Require().NotNil(j)
	}

	s.clock.Add(time.Minute)
	j, err := s.store.ClaimNextJob(s.ctx, s.m.ID, "w3", time.Minute)
	s.Require().NoError(err)
	s.Require().Nil(j, "lease has not passed yet")

	reclaimed, err := s.store.ReclaimExpiredJobs(s.ctx)
	s.Require().NoError(err)
	s.Require().Empty(reclaimed)

	s.clock.Add(time.Millisecond)
	reclaimed, err = s.store.ReclaimExpiredJobs(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(reclaimed, 1)
	s.Require().Equal(claimed.ID, reclaimed[0].ID)
	s.Require().Equal(models.BackgroundMigrationJobPending, reclaimed[0].Status)
	s.Require().Equal(1, reclaimed[0].Attempts, "reclaiming does not count an attempt")
	s.Require().Contains(string(reclaimed[0].Data), "lease expired")

	j, err = s.store.ClaimNextJob(s.ctx, s.m.ID, "w3", time.Minute)
	s.Require().NoError(err)
	s.Require().Equal(claimed.ID, j.ID)
	s.Require().Equal(2, j.Attempts)

	// the original holder lost its lease
	_, err = s.store.CompleteJob(s.ctx, claimed, models.JobOutcome{Succeeded: true})
	s.Require().ErrorIs(err, datastore.ErrJobLeaseLost)

	_, err = s.store.CompleteJob(s.ctx, j, models.JobOutcome{Succeeded: true})
	s.Require().NoError(err)
}

func (s *inMemoryStoreSuite) TestExpiredLeaseIsClaimableDirectly() {
	s.start()
	r := models.Range{Min: 0, Max: 100}
	_, err := s.store.EnqueueJob(s.ctx, s.m.ID, 0, r, 3)
	s.Require().NoError(err)

	first, err := s.store.ClaimNextJob(s.ctx, s.m.ID, "w1", time.Minute)
	s.Require().NoError(err)

	s.clock.Add(time.Minute + time.Second)
	second, err := s.store.ClaimNextJob(s.ctx, s.m.ID, "w2", time.Minute)
	s.Require().NoError(err)
	s.Require().Equal(first.ID, second.ID)
	s.Require().Equal(2, second.Attempts)
	s.Require().Equal("w2", second.LeaseOwner.String)
}

func (s *inMemoryStoreSuite) TestClaimFailsExhaustedExpiredJobs() {
	s.start()
	r := models.Range{Min: 0, Max: 100}
	_, err := s.store.EnqueueJob(s.ctx, s.m.ID, 0, r, 1)
	s.Require().NoError(err)

	claimed, err := s.store.ClaimNextJob(s.ctx, s.m.ID, "w1", time.Minute)
	s.Require().NoError(err)
	s.Require().Equal(1, claimed.Attempts)

	s.clock.Add(time.Hour)
	j, err := s.store.ClaimNextJob(s.ctx, s.m.ID, "w2", time.Minute)
	s.Require().NoError(err)
	s.Require().Nil(j)

	counts, err := s.store.CountJobsByStatus(s.ctx, s.m.ID)
	s.Require().NoError(err)
	s.Require().Equal(map[models.BackgroundMigrationJobStatus]int{models.BackgroundMigrationJobFailed: 1}, counts)

	failed, err := s.store.FindJobs(s.ctx, s.m.ID, models.BackgroundMigrationJobFailed, 10)
	s.Require().NoError(err)
	s.Require().Len(failed, 1)
	s.Require().False(failed[0].LeaseOwner.Valid)
	s.Require().True(failed[0].FinishedAt.Valid)
	s.Require().Contains(string(failed[0].Data), "lease expired")

	_, err = s.store.CompleteJob(s.ctx, claimed, models.JobOutcome{Succeeded: true})
	s.Require().ErrorIs(err, datastore.ErrJobLeaseLost)
}

func (s *inMemoryStoreSuite) TestReclaimKeepsPreviousAttemptData() {
	s.start()
	r := models.Range{Min: 0, Max: 100}
	_, err := s.store.EnqueueJob(s.ctx, s.m.ID, 0, r, 3)
	s.Require().NoError(err)

	j, err := s.store.ClaimNextJob(s.ctx, s.m.ID, "w1", time.Minute)
	s.Require().NoError(err)
	_, err = s.store.CompleteJob(s.ctx, j, models.JobOutcome{Data: models.Payload(`{"error":"boom","error_type":"*errors.errorString"}`)})
	s.Require().NoError(err)

	_, err = s.store.ClaimNextJob(s.ctx, s.m.ID, "w2", time.Minute)
	s.Require().NoError(err)
	s.clock.Add(2 * time.Minute)

	reclaimed, err := s.store.ReclaimExpiredJobs(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(reclaimed, 1)
	s.Require().Equal(models.BackgroundMigrationJobPending, reclaimed[0].Status)
	s.Require().JSONEq(`{
		"error": "boom",
		"error_type": "*errors.errorString",
		"lease_error": "lease expired",
		"lease_owner": "w2",
		"attempt": 2
	}`, string(reclaimed[0].Data))
}

func (s *inMemoryStoreSuite) TestCompleteJob_AttemptsNeverExceedMax() {
	s.start()
	r := models.Range{Min: 0, Max: 100}
	_, err := s.store.EnqueueJob(s.ctx, s.m.ID, 0, r, 3)
	s.Require().NoError(err)

	for attempt := 1; attempt <= 3; attempt++ {
		j, err := s.store.ClaimNextJob(s.ctx, s.m.ID, "w1", time.Minute)
		s.Require().NoError(err)
		s.Require().NotNil(j)
		s.Require().Equal(attempt, j.Attempts)

		done, err := s.store.CompleteJob(s.ctx, j, models.JobOutcome{Data: models.Payload(`{"error":"boom"}`)})
		s.Require().NoError(err)
		if attempt < 3 {
			s.Require().Equal(models.BackgroundMigrationJobPending, done.Status)
		} else {
			s.Require().Equal(models.BackgroundMigrationJobFailed, done.Status)
		}
		s.Require().LessOrEqual(done.Attempts, done.MaxAttempts)
	}

	j, err := s.store.ClaimNextJob(s.ctx, s.m.ID, "w1", time.Minute)
	s.Require().NoError(err)
	s.Require().Nil(j)
}

func (s *inMemoryStoreSuite) TestResetFailedJobs() {
	s.start()
	r := models.Range{Min: 0, Max: 100}
	_, err := s.store.EnqueueJob(s.ctx, s.m.ID, 0, r, 1)
	s.Require().NoError(err)

	j, err := s.store.ClaimNextJob(s.ctx, s.m.ID, "w1", time.Minute)
	s.Require().NoError(err)
	_, err = s.store.CompleteJob(s.ctx, j, models.JobOutcome{})
	s.Require().NoError(err)

	n, err := s.store.ResetFailedJobs(s.ctx, s.m.ID, 3, false)
	s.Require().NoError(err)
	s.Require().Equal(int64(1), n)

	jj, err := s.store.FindJobs(s.ctx, s.m.ID, models.BackgroundMigrationJobPending, 10)
	s.Require().NoError(err)
	s.Require().Len(jj, 1)
	s.Require().Equal(1, jj[0].Attempts, "history is preserved")
	s.Require().Equal(4, jj[0].MaxAttempts)
	s.Require().False(jj[0].LeaseExpiresAt.Valid)

	// nothing left to reset
	n, err = s.store.ResetFailedJobs(s.ctx, s.m.ID, 3, true)
	s.Require().NoError(err)
	s.Require().Zero(n)
}

func (s *inMemoryStoreSuite) TestResetFailedJobs_ResetAttempts() {
	s.start()
	r := models.Range{Min: 0, Max: 100}
	_, err := s.store.EnqueueJob(s.ctx, s.m.ID, 0, r, 1)
	s.Require().NoError(err)
	j, err := s.store.ClaimNextJob(s.ctx, s.m.ID, "w1", time.Minute)
	s.Require().NoError(err)
	_, err = s.store.CompleteJob(s.ctx, j, models.JobOutcome{})
	s.Require().NoError(err)

	_, err = s.store.ResetFailedJobs(s.ctx, s.m.ID, 3, true)
	s.Require().NoError(err)

	jj, err := s.store.FindJobs(s.ctx, s.m.ID, models.BackgroundMigrationJobPending, 10)
	s.Require().NoError(err)
	s.Require().Zero(jj[0].Attempts)
	s.Require().Equal(3, jj[0].MaxAttempts)
}

func (s *inMemoryStoreSuite) TestFindJobsAndRanges() {
	s.start()
	s.enqueueAll(3)

	for range 3 {
		s.clock.Add(time.Second)
		j, err := s.store.ClaimNextJob(s.ctx, s.m.ID, "w1", time.Minute)
		s.Require().NoError(err)
		_, err = s.store.CompleteJob(s.ctx, j, models.JobOutcome{Succeeded: true})
		s.Require().NoError(err)
	}

	jj, err := s.store.FindJobs(s.ctx, s.m.ID, models.BackgroundMigrationJobSucceeded, 2)
	s.Require().NoError(err)
	s.Require().Len(jj, 2)
	s.Require().Equal(int64(200), jj[0].MinValue, "most recent first")

	rr, err := s.store.FindJobRanges(s.ctx, s.m.ID, models.BackgroundMigrationJobSucceeded)
	s.Require().NoError(err)
	s.Require().Equal([]models.Range{{Min: 0, Max: 100}, {Min: 100, Max: 200}, {Min: 200, Max: 250}}, rr)

	pp, err := s.store.FindProgress(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(pp, 1)
	s.Require().Equal(int64(250), pp[0].SucceededKeys)
	s.Require().Equal(int64(3), pp[0].SucceededJobs)
}

func TestInMemoryBackgroundMigrationStore_CanceledContext(t *testing.T) {
	s := datastore.NewInMemoryBackgroundMigrationStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.FindAll(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
