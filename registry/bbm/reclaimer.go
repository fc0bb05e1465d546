package bbm

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/tigrisdata/batchmigrate/log"
	"github.com/tigrisdata/batchmigrate/registry/bbm/metrics"
	"github.com/tigrisdata/batchmigrate/registry/datastore"
	"github.com/tigrisdata/batchmigrate/registry/datastore/models"
	"gitlab.com/gitlab-org/labkit/errortracking"
)

const (
	reclaimerName          = "registry.bbm.Reclaimer"
	defaultReclaimInterval = time.Minute
)

// Reclaimer releases the jobs of workers that stopped renewing their lease, e.g. because their process crashed.
type Reclaimer struct {
	store    datastore.BackgroundMigrationStore
	logger   log.Logger
	clock    clock.Clock
	interval time.Duration
}

// ReclaimerOption provides functional options for NewReclaimer.
type ReclaimerOption func(*Reclaimer)

// WithReclaimInterval sets the interval between reclaim runs.
func WithReclaimInterval(d time.Duration) ReclaimerOption {
	return func(r *Reclaimer) {
		r.interval = d
	}
}

// WithReclaimerClock sets the clock driving the reclaim ticker.
func WithReclaimerClock(c clock.Clock) ReclaimerOption {
	return func(r *Reclaimer) {
		r.clock = c
	}
}

// WithReclaimerLogger sets the logger.
func WithReclaimerLogger(l log.Logger) ReclaimerOption {
	return func(r *Reclaimer) {
		r.logger = l
	}
}

// NewReclaimer creates a new Reclaimer.
func NewReclaimer(store datastore.BackgroundMigrationStore, opts ...ReclaimerOption) *Reclaimer {
	r := &Reclaimer{
		store:    store,
		logger:   log.GetLogger(),
		clock:    clock.New(),
		interval: defaultReclaimInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithFields(log.Fields{componentKey: reclaimerName})

	return r
}

// Start reclaims expired jobs every reclaim interval until ctx is canceled. The returned channel is closed once
// the reclaimer stopped.
func (r *Reclaimer) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	ticker := r.clock.Ticker(r.interval)

	r.logger.WithFields(log.Fields{"interval_s": r.interval.Seconds()}).Info("starting lease reclaimer")

	go func() {
		defer close(done)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				r.logger.Info("context canceled: shutting down...")
				return
			case <-ticker.C:
				if _, err := r.ReclaimOnce(ctx); err != nil && ctx.Err() == nil {
					r.logger.WithError(err).Error("failed to reclaim expired jobs")
					errortracking.Capture(err, errortracking.WithContext(ctx), errortracking.WithStackTrace())
				}
			}
		}
	}()

	return done
}

// ReclaimOnce releases every running job whose lease expired and returns them.
func (r *Reclaimer) ReclaimOnce(ctx context.Context) (models.BackgroundMigrationJobs, error) {
	jobs, err := r.store.ReclaimExpiredJobs(ctx)
	if err != nil {
		return nil, err
	}

	byStatus := make(map[models.BackgroundMigrationJobStatus]int)
	for _, j := range jobs {
		byStatus[j.Status]++
		r.logger.WithFields(log.Fields{
			jobIDKey:       j.ID,
			jobBBMIDKey:    j.MigrationID,
			jobAttemptsKey: j.Attempts,
			jobRangeKey:    j.Range().String(),
			jobStatusKey:   j.Status.String(),
		}).Warn("reclaimed job with expired lease")
	}
	for s, n := range byStatus {
		metrics.JobsReclaimed(s.String(), n)
	}

	return jobs, nil
}
