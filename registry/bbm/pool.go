package bbm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/tigrisdata/batchmigrate/log"
	"github.com/tigrisdata/batchmigrate/registry/bbm/metrics"
	"github.com/tigrisdata/batchmigrate/registry/datastore"
	"github.com/tigrisdata/batchmigrate/registry/datastore/models"
	"gitlab.com/gitlab-org/labkit/correlation"
	"gitlab.com/gitlab-org/labkit/errortracking"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	poolName               = "registry.bbm.Pool"
	defaultConcurrency     = 1
	defaultLeaseDuration   = 5 * time.Minute
	defaultPollInterval    = time.Second
	defaultMaxPollInterval = 30 * time.Second
	completeTimeout        = 30 * time.Second
)

// Pool runs the jobs of a migration with a bounded number of concurrent pollers. Pollers of any number of pools,
// in any number of processes, coordinate only through the store.
type Pool struct {
	store           datastore.BackgroundMigrationStore
	controller      *Controller
	executor        *Executor
	logger          log.Logger
	clock           clock.Clock
	owner           string
	concurrency     int
	lease           time.Duration
	pollInterval    time.Duration
	maxPollInterval time.Duration
	limiter         *rate.Limiter
}

// PoolOption provides functional options for NewPool.
type PoolOption func(*Pool)

// WithConcurrency sets the number of pollers per migration.
func WithConcurrency(n int) PoolOption {
	return func(p *Pool) {
		p.concurrency = n
	}
}

// WithLeaseDuration sets how long a claimed job is held before it can be reclaimed.
func WithLeaseDuration(d time.Duration) PoolOption {
	return func(p *Pool) {
		p.lease = d
	}
}

// WithPollInterval sets the initial and maximum backoff of idle pollers.
func WithPollInterval(initial, maxInterval time.Duration) PoolOption {
	return func(p *Pool) {
		p.pollInterval = initial
		p.maxPollInterval = maxInterval
	}
}

// WithClaimRateLimit limits the claims of all pollers of the pool to perSecond. Zero disables the limit.
func WithClaimRateLimit(perSecond float64) PoolOption {
	return func(p *Pool) {
		if perSecond <= 0 {
			p.limiter = nil
			return
		}
		p.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

// WithOwner sets the lease owner prefix of the pollers. Defaults to a random UUID.
func WithOwner(owner string) PoolOption {
	return func(p *Pool) {
		p.owner = owner
	}
}

// WithPoolClock sets the clock used for backoff sleeps.
func WithPoolClock(c clock.Clock) PoolOption {
	return func(p *Pool) {
		p.clock = c
	}
}

// WithPoolLogger sets the logger.
func WithPoolLogger(l log.Logger) PoolOption {
	return func(p *Pool) {
		p.logger = l
	}
}

// NewPool creates a new Pool.
func NewPool(store datastore.BackgroundMigrationStore, controller *Controller, executor *Executor, opts ...PoolOption) *Pool {
	p := &Pool{
		store:           store,
		controller:      controller,
		executor:        executor,
		logger:          log.GetLogger(),
		clock:           clock.New(),
		owner:           uuid.NewString(),
		concurrency:     defaultConcurrency,
		lease:           defaultLeaseDuration,
		pollInterval:    defaultPollInterval,
		maxPollInterval: defaultMaxPollInterval,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.maxPollInterval < p.pollInterval {
		p.maxPollInterval = p.pollInterval
	}
	p.logger = p.logger.WithFields(log.Fields{componentKey: poolName, "owner": p.owner})

	return p
}

// Run polls for jobs of migration id until it reaches a terminal status or ctx is canceled. Job failures never
// stop the pool. Returns an error only if the migration does not exist.
func (p *Pool) Run(ctx context.Context, id int64) error {
	return p.run(ctx, id, false)
}

// RunWhileActive is like Run, but also stops once the migration is paused and its in-flight jobs are completed.
func (p *Pool) RunWhileActive(ctx context.Context, id int64) error {
	return p.run(ctx, id, true)
}

func (p *Pool) run(ctx context.Context, id int64, stopOnPause bool) error {
	defer metrics.PoolStarted()()

	l := p.logger.WithFields(log.Fields{bbmIDKey: id, "concurrency": p.concurrency})
	l.Info("starting worker pool")

	g, gctx := errgroup.WithContext(ctx)
	for i := range p.concurrency {
		owner := fmt.Sprintf("%s/%d", p.owner, i)
		g.Go(func() error {
			return p.poll(gctx, id, owner, stopOnPause)
		})
	}

	if err := g.Wait(); err != nil {
		l.WithError(err).Error("worker pool stopped")
		return err
	}
	l.Info("worker pool stopped")

	return nil
}

func (p *Pool) poll(ctx context.Context, id int64, owner string, stopOnPause bool) error {
	b := newBackoff(p.pollInterval, p.maxPollInterval, p.clock)
	l := p.logger.WithFields(log.Fields{bbmIDKey: id, "owner": owner})

	for {
		if ctx.Err() != nil {
			return nil
		}

		report := metrics.PollRun()
		m, claimed, err := p.step(ctx, id, owner)
		report(err)

		switch {
		case errors.Is(err, datastore.ErrMigrationNotFound):
			return err
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			l.WithError(err).Error("failed worker poll")
			errortracking.Capture(err, errortracking.WithContext(ctx), errortracking.WithStackTrace())
		case m.Status.Terminal():
			l.WithFields(log.Fields{bbmStatusKey: m.Status.String()}).Info("background migration finished, stopping poller")
			return nil
		case stopOnPause && m.Status == models.BackgroundMigrationPaused:
			l.WithFields(log.Fields{bbmStatusKey: m.Status.String()}).Info("background migration paused, stopping poller")
			return nil
		case claimed:
			b.Reset()
			continue
		}

		name := ""
		if m != nil {
			name = m.Name
		}
		sleep := b.NextBackOff()
		metrics.WorkerSleep(name, sleep)
		if !sleepCtx(ctx, p.clock, sleep) {
			return nil
		}
	}
}

// step loads the migration and, if it is running, claims and executes one job. If there is nothing to claim, the
// migration is advanced and claimed from once more.
func (p *Pool) step(ctx context.Context, id int64, owner string) (*models.BackgroundMigration, bool, error) {
	m, err := p.controller.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if m.Status != models.BackgroundMigrationRunning {
		return m, false, nil
	}

	work, ok := p.controller.Work(m.Name)
	if !ok {
		// the controller fails the migration
		m, err = p.controller.Advance(ctx, id)
		return m, false, err
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return m, false, err
		}
	}

	job, err := p.store.ClaimNextJob(ctx, id, owner, p.lease)
	if err != nil {
		return m, false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		if m, err = p.controller.Advance(ctx, id); err != nil {
			return nil, false, err
		}
		if m.Status != models.BackgroundMigrationRunning {
			return m, false, nil
		}
		if job, err = p.store.ClaimNextJob(ctx, id, owner, p.lease); err != nil {
			return m, false, fmt.Errorf("claiming job: %w", err)
		}
		if job == nil {
			return m, false, nil
		}
	}

	return m, true, p.execute(ctx, m, job, work)
}

func (p *Pool) execute(ctx context.Context, m *models.BackgroundMigration, job *models.BackgroundMigrationJob, work Work) error {
	l := p.logger.WithFields(log.Fields{
		correlation.FieldName: correlation.ExtractFromContextOrGenerate(ctx),
		bbmNameKey:            m.Name,
		jobIDKey:              job.ID,
		jobBBMIDKey:           job.MigrationID,
		jobAttemptsKey:        job.Attempts,
		jobRangeKey:           job.Range().String(),
	})
	l.Info("job claimed, executing")

	report := metrics.JobRun(m.Name)
	outcome := p.executor.Run(ctx, job, work.Do)
	report(outcome.Succeeded)

	// the outcome is recorded even if the pool is shutting down
	completeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), completeTimeout)
	defer cancel()

	completed, err := p.store.CompleteJob(completeCtx, job, outcome)
	if err != nil {
		if errors.Is(err, datastore.ErrJobLeaseLost) {
			l.WithError(err).Warn("job lease lost before completion, discarding outcome")
			return nil
		}
		return fmt.Errorf("completing job: %w", err)
	}
	metrics.JobCompleted(m.Name, completed.Status.String())
	l.WithFields(log.Fields{jobStatusKey: completed.Status.String()}).Info("job completed")

	if completed.Status == models.BackgroundMigrationJobFailed {
		if _, err := p.controller.Advance(completeCtx, m.ID); err != nil {
			return err
		}
	}

	return nil
}
