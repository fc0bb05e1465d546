package bbm

import (
	"context"
	"encoding/binary"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/tigrisdata/batchmigrate/log"
	"github.com/tigrisdata/batchmigrate/registry/bbm/metrics"
	"github.com/tigrisdata/batchmigrate/registry/datastore"
	"github.com/tigrisdata/batchmigrate/registry/datastore/models"
	"gitlab.com/gitlab-org/labkit/correlation"
	"gitlab.com/gitlab-org/labkit/errortracking"
)

const (
	componentKey                      = "component"
	workerName                        = "registry.bbm.Worker"
	defaultJobInterval                = 1 * time.Minute
	defaultWorkerStartupJitterSeconds = 60

	backoffJitterFactor = 0.33
	maxBackoff          = 30 * time.Minute

	// Background Migration job log keys
	jobIDKey       = "job_id"
	jobBBMIDKey    = "job_bbm_id"
	jobAttemptsKey = "job_attempts"
	jobRangeKey    = "job_range"
	jobStatusKey   = "job_status"

	// Background Migration log keys
	bbmIDKey        = "bbm_id"
	bbmNameKey      = "bbm_name"
	bbmBatchSizeKey = "bbm_batch_size"
	bbmStatusKey    = "bbm_status"
	bbmRangeKey     = "bbm_range"
	bbmCursorKey    = "bbm_cursor"
	bbmErrorCodeKey = "bbm_error_code"
)

// Worker is the Background Migration agent of execution. It watches the store for running migrations and runs a
// worker pool for each of them until they finish.
type Worker struct {
	store                      datastore.BackgroundMigrationStore
	pool                       *Pool
	logger                     log.Logger
	jobInterval                time.Duration
	maxJobInterval             time.Duration
	workerStartupJitterSeconds int

	mu    sync.Mutex
	pools map[int64]struct{}
	wg    sync.WaitGroup
}

// WorkerOption provides functional options for NewWorker.
type WorkerOption func(*Worker)

// WithJobInterval sets the interval between scans for running migrations. Defaults to 1 minute.
func WithJobInterval(d time.Duration) WorkerOption {
	return func(a *Worker) {
		a.jobInterval = d
	}
}

// WithMaxJobInterval sets the maximum interval between scans while no migration is running.
func WithMaxJobInterval(d time.Duration) WorkerOption {
	return func(a *Worker) {
		a.maxJobInterval = d
	}
}

// WithWorkerStartupJitterSeconds sets the max bound for the startup jitter for a worker. Zero disables it.
func WithWorkerStartupJitterSeconds(d int) WorkerOption {
	return func(a *Worker) {
		a.workerStartupJitterSeconds = d
	}
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) WorkerOption {
	return func(jw *Worker) {
		jw.logger = l
	}
}

func (jw *Worker) applyDefaults() {
	if jw.logger == nil {
		jw.logger = log.GetLogger()
	}
	if jw.jobInterval == 0 {
		jw.jobInterval = defaultJobInterval
	}
	if jw.maxJobInterval == 0 {
		jw.maxJobInterval = maxBackoff
	}
	if jw.workerStartupJitterSeconds == 0 {
		jw.workerStartupJitterSeconds = defaultWorkerStartupJitterSeconds
	}
}

// NewWorker creates a new Worker running migrations with pool.
func NewWorker(store datastore.BackgroundMigrationStore, pool *Pool, opts ...WorkerOption) *Worker {
	jw := &Worker{
		store: store,
		pool:  pool,
		pools: make(map[int64]struct{}),
	}
	jw.applyDefaults()

	for _, opt := range opts {
		opt(jw)
	}

	jw.logger = jw.logger.WithFields(log.Fields{componentKey: workerName})

	return jw
}

// ListenForBackgroundMigration allows a Worker to inspect the Background Migration datastore for running migrations
// and start a worker pool for each migration that has none yet.
// The inspection is carried out with an exponential backoff starting at `jobInterval`, which is reset whenever a
// new pool is started. The returned channel is closed once doneChan is closed or ctx is canceled and every pool
// finished its in-flight jobs.
func (jw *Worker) ListenForBackgroundMigration(ctx context.Context, doneChan <-chan struct{}) (chan struct{}, error) {
	// gracefulFinish is used to signal to an upstream processes that a worker has completed any in-flight jobs and the upstream can terminate if needed.
	gracefulFinish := make(chan struct{})
	b := BackoffConstructor(jw.jobInterval, jw.maxJobInterval)

	var jitter time.Duration
	if jw.workerStartupJitterSeconds > 0 {
		// nolint: gosec // used only for jitter calculation
		r := rand.New(rand.NewChaCha8(seedFromUnixNano(SystemClock.Now().UnixNano())))
		jitter = time.Duration(r.Int64N(int64(jw.workerStartupJitterSeconds))) * time.Second
	}
	jw.logger.WithFields(log.Fields{"jitter_s": jitter.Seconds()}).Info("starting bbm worker")

	poolCtx, cancelPools := context.WithCancel(ctx)

	go func() {
		defer close(gracefulFinish)
		defer func() {
			cancelPools()
			jw.wg.Wait()
		}()

		if !jw.wait(ctx, doneChan, jitter) {
			return
		}

		for {
			start := SystemClock.Now()
			jw.logger.Info("starting worker run...")
			report := metrics.PollRun()
			started, err := jw.run(poolCtx)
			report(err)
			if err != nil {
				jw.logger.WithError(err).Error("failed run. Throttling background migration worker")
			} else if started > 0 {
				b.Reset()
			}
			jw.logger.WithFields(log.Fields{"duration_s": SystemClock.Since(start).Seconds(), "pools_started": started}).Info("run complete")

			sleep := b.NextBackOff()
			jw.logger.WithFields(log.Fields{"duration_s": sleep.Seconds()}).Info("sleeping")
			metrics.WorkerSleep(workerName, sleep)
			if !jw.wait(ctx, doneChan, sleep) {
				return
			}
		}
	}()

	return gracefulFinish, nil
}

// wait sleeps for d. Returns false if the worker should shut down instead.
func (jw *Worker) wait(ctx context.Context, doneChan <-chan struct{}, d time.Duration) bool {
	t := SystemClock.Timer(d)
	defer t.Stop()

	select {
	// The upstream process is terminating, this worker should exit.
	case <-doneChan:
		jw.logger.Info("received shutdown signal: shutting down...")
		return false
	case <-ctx.Done():
		jw.logger.Info("context canceled: shutting down...")
		return false
	case <-t.C:
		return true
	}
}

// run starts a pool for every running migration that has none and returns the number of pools started.
func (jw *Worker) run(ctx context.Context) (int, error) {
	l := jw.logger.WithFields(log.Fields{correlation.FieldName: correlation.ExtractFromContextOrGenerate(ctx)})

	running, err := jw.store.FindByStatus(ctx, models.BackgroundMigrationRunning)
	if err != nil {
		errortracking.Capture(err, errortracking.WithContext(ctx), errortracking.WithStackTrace())
		return 0, err
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()

	var started int
	for _, m := range running {
		if _, ok := jw.pools[m.ID]; ok {
			continue
		}
		jw.pools[m.ID] = struct{}{}
		started++

		pl := l.WithFields(migrationFields(m))
		pl.Info("background migration found, starting worker pool")

		jw.wg.Add(1)
		go func(id int64) {
			defer jw.wg.Done()
			defer func() {
				jw.mu.Lock()
				delete(jw.pools, id)
				jw.mu.Unlock()
			}()

			if err := jw.pool.Run(ctx, id); err != nil {
				pl.WithError(err).Error("worker pool failed")
				errortracking.Capture(err, errortracking.WithContext(ctx), errortracking.WithStackTrace())
			}
		}(m.ID)
	}

	return started, nil
}

// ActivePools returns the number of migrations currently run by the worker.
func (jw *Worker) ActivePools() int {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	return len(jw.pools)
}

// Backoff computes the sleep between two polls.
type Backoff interface {
	NextBackOff() time.Duration
	Reset()
}

var (
	BackoffConstructor = func(initInterval, maxInterval time.Duration) Backoff {
		return newBackoff(initInterval, maxInterval, SystemClock)
	}
	SystemClock clock.Clock = clock.New()
)

func newBackoff(initInterval, maxInterval time.Duration, c clock.Clock) Backoff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initInterval
	b.MaxInterval = maxInterval
	b.RandomizationFactor = backoffJitterFactor
	b.MaxElapsedTime = 0
	b.Clock = c
	b.Reset()

	return b
}

// sleepCtx sleeps for d on c. Returns false if ctx was canceled first.
func sleepCtx(ctx context.Context, c clock.Clock, d time.Duration) bool {
	t := c.Timer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func seedFromUnixNano(n int64) [32]byte {
	var seed [32]byte
	binary.LittleEndian.PutUint64(seed[:8], uint64(n))
	return seed
}
