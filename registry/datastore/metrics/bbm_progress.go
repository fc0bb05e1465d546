package metrics

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/tigrisdata/batchmigrate/log"
	"github.com/tigrisdata/batchmigrate/metrics"
	"github.com/tigrisdata/batchmigrate/registry/datastore/models"
	"gitlab.com/gitlab-org/labkit/errortracking"
)

const (
	bbmProgressLockKey = "batchmigrate:db:{metrics}:bbm_progress_lock"
	bbmProgressName    = "bbm_progress_percent"

	defaultInterval      = 10 * time.Second
	defaultLeaseDuration = 30 * time.Second
	// lockRetryInterval is how often a non-leader instance retries obtaining the lock.
	lockRetryInterval = 15 * time.Second
)

var bbmProgressGauge *prometheus.GaugeVec

func init() {
	bbmProgressGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      bbmProgressName,
			Help:      "Background migration progress percentage (0-100).",
		},
		[]string{"migration_id", "migration_name", "status"},
	)
}

// BBMProgressExecutor returns the progress inputs of every migration.
type BBMProgressExecutor func(ctx context.Context) ([]*models.BackgroundMigrationProgress, error)

// BBMProgressCollector periodically collects BBM progress metrics. Only the instance holding the redis lock
// collects and exposes the gauge.
type BBMProgressCollector struct {
	executor         BBMProgressExecutor
	locker           *redislock.Client
	leaseDuration    time.Duration
	interval         time.Duration
	retryInterval    time.Duration
	metricsRegistrar *Registrar
	stopCh           chan struct{}
	stopOnce         sync.Once
	wg               sync.WaitGroup
	logger           log.Logger
}

// ProgressOption configures BBMProgressCollector creation
type ProgressOption func(*BBMProgressCollector)

// WithProgressInterval sets the collection interval (default: 10s)
func WithProgressInterval(interval time.Duration) ProgressOption {
	return func(c *BBMProgressCollector) {
		c.interval = interval
	}
}

// WithProgressLeaseDuration sets the distributed lock lease duration (default: 30s)
func WithProgressLeaseDuration(leaseDuration time.Duration) ProgressOption {
	return func(c *BBMProgressCollector) {
		c.leaseDuration = leaseDuration
	}
}

// WithProgressLockRetryInterval sets how often the lock is retried when another instance holds it (default: 15s)
func WithProgressLockRetryInterval(d time.Duration) ProgressOption {
	return func(c *BBMProgressCollector) {
		c.retryInterval = d
	}
}

// WithProgressLogger sets the collector logger.
func WithProgressLogger(l log.Logger) ProgressOption {
	return func(c *BBMProgressCollector) {
		c.logger = l
	}
}

// NewBBMProgressCollector creates a new collector with defaults.
func NewBBMProgressCollector(executor BBMProgressExecutor, redisClient redis.UniversalClient, opts ...ProgressOption) (*BBMProgressCollector, error) {
	c := &BBMProgressCollector{
		executor:         executor,
		locker:           redislock.New(redisClient),
		leaseDuration:    defaultLeaseDuration,
		interval:         defaultInterval,
		retryInterval:    lockRetryInterval,
		metricsRegistrar: NewRegistrar(bbmProgressGauge),
		stopCh:           make(chan struct{}),
		logger:           log.GetLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.leaseDuration <= c.interval {
		return nil, fmt.Errorf("bbm metrics lease duration (%v) must be longer than interval (%v)", c.leaseDuration, c.interval)
	}

	return c, nil
}

// Start begins periodic collection.
func (c *BBMProgressCollector) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.run(ctx)
	c.logger.WithFields(log.Fields{
		"interval_s":       c.interval.Seconds(),
		"lease_duration_s": c.leaseDuration.Seconds(),
	}).Info("bbm progress metrics collection started")
}

// Stop gracefully stops collection. It is safe to call more than once.
func (c *BBMProgressCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *BBMProgressCollector) run(ctx context.Context) {
	defer c.wg.Done()

	if err := c.metricsRegistrar.Register(); err != nil {
		c.logger.WithError(err).Error("failed to register bbm progress metrics")
		errortracking.Capture(
			fmt.Errorf("bbm progress metrics: failed to register metrics: %w", err),
			errortracking.WithContext(ctx),
			errortracking.WithStackTrace(),
		)
		return
	}
	defer c.metricsRegistrar.Unregister()

	retry := time.NewTicker(c.retryInterval)
	defer retry.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		lock, err := c.locker.Obtain(ctx, bbmProgressLockKey, c.leaseDuration, nil)
		if err != nil {
			if !errors.Is(err, redislock.ErrNotObtained) {
				c.logger.WithError(err).Error("failed to obtain bbm progress lock")
			}
			select {
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			case <-retry.C:
				continue
			}
		}

		c.logger.Info("obtained bbm progress metrics lock")
		if stopped := c.lead(ctx, lock); stopped {
			return
		}
	}
}

// lead collects until the lock is lost or the collector is stopped. It reports whether the collector was stopped.
func (c *BBMProgressCollector) lead(ctx context.Context, lock *redislock.Lock) bool {
	collectionTicker := time.NewTicker(c.interval)
	defer collectionTicker.Stop()
	lockRefreshTicker := time.NewTicker(c.leaseDuration / 2)
	defer lockRefreshTicker.Stop()

	c.collect(ctx)
	for {
		select {
		case <-c.stopCh:
			c.release(lock, "failed to release bbm progress lock on stop")
			return true
		case <-ctx.Done():
			c.release(lock, "failed to release bbm progress lock on context cancellation")
			return true
		case <-collectionTicker.C:
			c.collect(ctx)
		case <-lockRefreshTicker.C:
			if err := lock.Refresh(ctx, c.leaseDuration, nil); err != nil {
				c.logger.WithError(err).Error("failed to refresh bbm progress lock; releasing leadership")
				c.release(lock, "failed to release bbm progress lock after refresh failure")
				// stale series must not outlive leadership
				bbmProgressGauge.Reset()
				return false
			}
		}
	}
}

func (c *BBMProgressCollector) release(lock *redislock.Lock, msg string) {
	// the parent context may already be canceled
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := lock.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
		c.logger.WithError(err).Error(msg)
	}
}

func (c *BBMProgressCollector) collect(ctx context.Context) {
	progress, err := c.executor(ctx)
	if err != nil {
		c.logger.WithError(err).Error("failed to fetch bbm progress")
		return
	}

	for _, p := range progress {
		pct, capped := p.Percent()
		status := p.Status.String()

		c.logger.WithFields(log.Fields{
			"capped":           capped,
			"migration_id":     p.MigrationID,
			"migration_name":   p.MigrationName,
			"bbm_status":       status,
			"total_keys":       p.TotalKeys,
			"succeeded_keys":   p.SucceededKeys,
			"succeeded_jobs":   p.SucceededJobs,
			"failed_jobs":      p.FailedJobs,
			"progress_percent": pct,
		}).Debug("bbm progress")

		bbmProgressGauge.WithLabelValues(strconv.FormatInt(p.MigrationID, 10), p.MigrationName, status).Set(pct)
	}
}
