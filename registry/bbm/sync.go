package bbm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/schollz/progressbar/v3"
	"github.com/tigrisdata/batchmigrate/log"
	"github.com/tigrisdata/batchmigrate/registry/datastore"
	"github.com/tigrisdata/batchmigrate/registry/datastore/models"
	"golang.org/x/sync/errgroup"
)

const (
	syncWorkerName          = "registry.bbm.SyncWorker"
	defaultProgressInterval = 500 * time.Millisecond
)

// SyncWorker is the synchronous Background Migration agent of execution. It drives running migrations to a
// terminal status in process, e.g. from the CLI.
type SyncWorker struct {
	store            datastore.BackgroundMigrationStore
	pool             *Pool
	reclaimer        *Reclaimer
	logger           log.Logger
	clock            clock.Clock
	output           io.Writer
	progressInterval time.Duration

	lastRunCompletedBBMs int
}

// SyncWorkerOption provides functional options for NewSyncWorker.
type SyncWorkerOption func(*SyncWorker)

// WithSyncLogger sets the logger.
func WithSyncLogger(l log.Logger) SyncWorkerOption {
	return func(jw *SyncWorker) {
		jw.logger = l
	}
}

// WithSyncReclaimer runs r alongside the pools.
func WithSyncReclaimer(r *Reclaimer) SyncWorkerOption {
	return func(jw *SyncWorker) {
		jw.reclaimer = r
	}
}

// WithProgressOutput sets where the progress bar is rendered. Nil disables it.
func WithProgressOutput(w io.Writer) SyncWorkerOption {
	return func(jw *SyncWorker) {
		jw.output = w
	}
}

// WithSyncProgressInterval sets how often the progress bar is refreshed.
func WithSyncProgressInterval(d time.Duration) SyncWorkerOption {
	return func(jw *SyncWorker) {
		jw.progressInterval = d
	}
}

// NewSyncWorker creates a new SyncWorker running migrations with pool.
func NewSyncWorker(store datastore.BackgroundMigrationStore, pool *Pool, opts ...SyncWorkerOption) *SyncWorker {
	jw := &SyncWorker{
		store:            store,
		pool:             pool,
		logger:           log.GetLogger(),
		clock:            clock.New(),
		output:           os.Stderr,
		progressInterval: defaultProgressInterval,
	}
	for _, opt := range opts {
		opt(jw)
	}

	jw.logger = jw.logger.WithFields(log.Fields{componentKey: syncWorkerName})

	return jw
}

// Run executes the given running migrations, or all running migrations if no ID is given, until each of them
// succeeded, failed or was paused. Returns ErrMigrationFailed if any of them failed and ErrMigrationPaused if any of
// them was paused.
func (jw *SyncWorker) Run(ctx context.Context, ids ...int64) error {
	jw.lastRunCompletedBBMs = 0

	migrations, err := jw.resolve(ctx, ids)
	if err != nil {
		return err
	}
	if len(migrations) == 0 {
		jw.logger.Info("no running background migrations")
		return nil
	}

	if jw.reclaimer != nil {
		if _, err := jw.reclaimer.ReclaimOnce(ctx); err != nil {
			return fmt.Errorf("reclaiming expired jobs: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var reclaimerDone <-chan struct{}
	if jw.reclaimer != nil {
		reclaimerDone = jw.reclaimer.Start(runCtx)
	}
	progressDone := jw.showProgress(runCtx, migrations)

	g, gctx := errgroup.WithContext(runCtx)
	for _, m := range migrations {
		g.Go(func() error {
			jw.logger.WithFields(migrationFields(m)).Info("running background migration")
			return jw.pool.RunWhileActive(gctx, m.ID)
		})
	}
	err = g.Wait()

	cancel()
	<-progressDone
	if reclaimerDone != nil {
		<-reclaimerDone
	}

	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	return jw.verify(ctx, migrations)
}

func (jw *SyncWorker) resolve(ctx context.Context, ids []int64) (models.BackgroundMigrations, error) {
	if len(ids) == 0 {
		return jw.store.FindByStatus(ctx, models.BackgroundMigrationRunning)
	}

	var migrations models.BackgroundMigrations
	for _, id := range slices.Compact(slices.Sorted(slices.Values(ids))) {
		m, err := jw.store.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if m == nil {
			return nil, fmt.Errorf("%w: %d", datastore.ErrMigrationNotFound, id)
		}
		if m.Status != models.BackgroundMigrationRunning {
			return nil, fmt.Errorf("background migration %q is %s, only running migrations can be run", m.Name, m.Status)
		}
		migrations = append(migrations, m)
	}

	return migrations, nil
}

func (jw *SyncWorker) verify(ctx context.Context, migrations models.BackgroundMigrations) error {
	var errs []error
	for _, m := range migrations {
		final, err := jw.store.FindByID(ctx, m.ID)
		if err != nil {
			return err
		}
		l := jw.logger.WithFields(migrationFields(final))

		switch final.Status {
		case models.BackgroundMigrationSucceeded:
			jw.lastRunCompletedBBMs++
			l.Info("background migration succeeded")
		case models.BackgroundMigrationFailed:
			l.WithFields(log.Fields{bbmErrorCodeKey: final.ErrorCode.String()}).Error("background migration failed")
			errs = append(errs, fmt.Errorf("%w: %q (%s)", ErrMigrationFailed, final.Name, final.ErrorCode))
		case models.BackgroundMigrationPaused:
			l.Warn("background migration was paused before it finished")
			errs = append(errs, fmt.Errorf("%w: %q", ErrMigrationPaused, final.Name))
		default:
			errs = append(errs, fmt.Errorf("background migration %q stopped while %s", final.Name, final.Status))
		}
	}

	return errors.Join(errs...)
}

// showProgress renders the share of succeeded keys of migrations until ctx is canceled.
func (jw *SyncWorker) showProgress(ctx context.Context, migrations models.BackgroundMigrations) <-chan struct{} {
	done := make(chan struct{})
	if jw.output == nil {
		close(done)
		return done
	}

	wanted := make(map[int64]bool, len(migrations))
	var total int64
	for _, m := range migrations {
		wanted[m.ID] = true
		total += m.Range().Size()
	}

	bar := progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(jw.output),
		progressbar.OptionSetDescription(fmt.Sprintf("running %d background migrations", len(migrations))),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(jw.progressInterval),
		progressbar.OptionOnCompletion(func() { _, _ = fmt.Fprintln(jw.output) }),
	)

	refresh := func(ctx context.Context) {
		progress, err := jw.store.FindProgress(ctx)
		if err != nil {
			jw.logger.WithError(err).Warn("failed to refresh progress")
			return
		}
		var succeeded int64
		for _, p := range progress {
			if wanted[p.MigrationID] {
				succeeded += min(p.SucceededKeys, p.TotalKeys)
			}
		}
		_ = bar.Set64(succeeded)
	}

	ticker := jw.clock.Ticker(jw.progressInterval)
	go func() {
		defer close(done)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
				refresh(refreshCtx)
				cancel()
				_ = bar.Finish()
				return
			case <-ticker.C:
				refresh(ctx)
			}
		}
	}()

	return done
}

// FinishedMigrationCount returns the count of background migrations that succeeded in the last run.
func (jw *SyncWorker) FinishedMigrationCount() int {
	return jw.lastRunCompletedBBMs
}
