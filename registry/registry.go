package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gitlab.com/gitlab-org/labkit/correlation"
	"gitlab.com/gitlab-org/labkit/errortracking"

	"github.com/tigrisdata/batchmigrate/configuration"
	"github.com/tigrisdata/batchmigrate/health"
	"github.com/tigrisdata/batchmigrate/internal/feature"
	"github.com/tigrisdata/batchmigrate/log"
	"github.com/tigrisdata/batchmigrate/registry/bbm"
	"github.com/tigrisdata/batchmigrate/registry/datastore"
	bbmmetrics "github.com/tigrisdata/batchmigrate/registry/datastore/metrics"
	"github.com/tigrisdata/batchmigrate/registry/datastore/models"
	"github.com/tigrisdata/batchmigrate/version"
)

const (
	redisPingTimeout   = 2 * time.Second
	drainTimeout       = 30 * time.Second
	debugServerTimeout = 60 * time.Second
)

// ServeCmd is a cobra command for running the batched migration agent.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "`serve` runs batched background migrations until interrupted",
	Long: "`serve` runs every running batched background migration in the background, reclaims expired job " +
		"leases and exposes health and metrics endpoints on the debug address.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		config, err := resolveConfiguration()
		if err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}

		ctx, err := configureLogging(contextOrBackground(cmd.Context()), config)
		if err != nil {
			return fmt.Errorf("configuring logger: %w", err)
		}
		if err := configureReporting(config); err != nil {
			return fmt.Errorf("configuring reporting services: %w", err)
		}

		agent, err := NewAgent(ctx, config)
		if err != nil {
			return fmt.Errorf("creating new agent instance: %w", err)
		}

		ctx, stop := notifyContext(ctx)
		defer stop()

		return agent.Run(ctx)
	},
}

// An Agent runs the batched migration engine of a single process: the worker starting a pool per running
// migration, the lease reclaimer, the progress metrics collector and the debug server.
type Agent struct {
	config    *configuration.Configuration
	db        *datastore.DB
	engine    *engine
	worker    *bbm.Worker
	reclaimer *bbm.Reclaimer
	collector *bbmmetrics.BBMProgressCollector
	redis     redis.UniversalClient
	checker   *health.DBStatusChecker
	server    *http.Server
	logger    log.Logger
}

// NewAgent connects to the database (and redis, if progress metrics are enabled) and wires the agent components
// according to config and the feature flags.
func NewAgent(ctx context.Context, config *configuration.Configuration) (*Agent, error) {
	db, err := dbFromConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to construct database connection: %w", err)
	}

	a := &Agent{
		config: config,
		db:     db,
		logger: log.GetLogger(log.WithContext(ctx)),
	}
	if err := a.configure(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *Agent) configure(ctx context.Context) error {
	if err := checkSchema(a.db); err != nil {
		return err
	}

	e, err := newEngine(ctx, a.config, a.db)
	if err != nil {
		return err
	}
	a.engine = e

	bbmConfig := a.config.Database.BackgroundMigrations
	healthOpts := []health.Option{health.WithLogger(a.logger)}

	switch {
	case !bbmConfig.Enabled:
		a.logger.Info("batched background migrations are disabled")
	case !feature.BBMProcess.Enabled():
		a.logger.WithFields(log.Fields{"feature_flag": feature.BBMProcess.EnvVariable}).
			Warn("batched background migrations are disabled by feature flag")
	default:
		a.worker = bbm.NewWorker(e.store, e.newPool(),
			bbm.WithJobInterval(bbmConfig.JobInterval),
			bbm.WithMaxJobInterval(bbmConfig.MaxJobInterval),
			bbm.WithLogger(a.logger),
		)
		healthOpts = append(healthOpts, health.WithPools(a.worker))

		if feature.LeaseReclaimer.Enabled() {
			a.reclaimer = e.newReclaimer()
		}
	}

	if bbmConfig.Progress.Enabled {
		if a.redis, err = redisFromConfig(ctx, a.config); err != nil {
			return fmt.Errorf("failed to construct redis connection: %w", err)
		}
		a.collector, err = bbmmetrics.NewBBMProgressCollector(e.store.FindProgress, a.redis,
			bbmmetrics.WithProgressInterval(bbmConfig.Progress.Interval),
			bbmmetrics.WithProgressLeaseDuration(bbmConfig.Progress.LeaseDuration),
			bbmmetrics.WithProgressLogger(a.logger),
		)
		if err != nil {
			return fmt.Errorf("configuring progress metrics: %w", err)
		}
	}

	a.checker = health.NewDBStatusChecker(a.db, healthOpts...)

	if a.config.HTTP.Debug.Addr != "" {
		a.server = &http.Server{
			Handler:           debugHandler(a.config, a.checker, e),
			ReadHeaderTimeout: debugServerTimeout,
		}
	}

	return nil
}

// Run starts every configured component and blocks until ctx is canceled or the debug server fails. It then
// stops the components, letting in-flight jobs finish.
func (a *Agent) Run(ctx context.Context) error {
	defer a.close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var waits []<-chan struct{}
	waits = append(waits, a.checker.Start(runCtx))
	if a.reclaimer != nil {
		waits = append(waits, a.reclaimer.Start(runCtx))
	}
	if a.collector != nil {
		a.collector.Start(runCtx)
	}

	doneChan := make(chan struct{})
	var workerDone <-chan struct{}
	if a.worker != nil {
		gracefulFinish, err := a.worker.ListenForBackgroundMigration(runCtx, doneChan)
		if err != nil {
			return fmt.Errorf("starting background migration worker: %w", err)
		}
		workerDone = gracefulFinish
	}

	serveErr := make(chan error, 1)
	if a.server != nil {
		ln, err := net.Listen("tcp", a.config.HTTP.Debug.Addr)
		if err != nil {
			return fmt.Errorf("listening on debug address: %w", err)
		}
		a.logger.WithFields(log.Fields{"address": ln.Addr().String()}).Info("debug server listening")
		go func() {
			serveErr <- a.server.Serve(ln)
		}()
	}

	var errs *multierror.Error

	select {
	case <-ctx.Done():
		a.logger.Info("attempting to stop agent gracefully...")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errs = multierror.Append(errs, fmt.Errorf("running debug server: %w", err))
		}
	}

	if workerDone != nil {
		close(doneChan)
		select {
		case <-workerDone:
			a.logger.Info("background migration worker finished in-flight jobs")
		case <-time.After(drainTimeout):
			a.logger.WithFields(log.Fields{"drain_timeout_s": drainTimeout.Seconds()}).
				Warn("timed out waiting for in-flight jobs, their leases will expire")
		}
	}

	cancel()
	if a.collector != nil {
		a.collector.Stop()
	}
	for _, done := range waits {
		<-done
	}

	if a.server != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), drainTimeout)
		defer cancelShutdown()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("shutting down debug server: %w", err))
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		return err
	}
	a.logger.Info("graceful shutdown successful")
	return nil
}

func (a *Agent) close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.WithError(err).Warn("failed to close redis connection")
		}
	}
	if err := a.db.Close(); err != nil {
		a.logger.WithError(err).Warn("failed to close database connection")
	}
}

// engine groups the batched migration components built from the configuration over a single database.
type engine struct {
	store      datastore.BackgroundMigrationStore
	controller *bbm.Controller
	executor   *bbm.Executor
	config     configuration.BackgroundMigrations
	logger     log.Logger
}

func newEngine(ctx context.Context, config *configuration.Configuration, db *datastore.DB) (*engine, error) {
	work, err := bbm.RegisterWork(bbm.AllWork())
	if err != nil {
		return nil, fmt.Errorf("registering work functions: %w", err)
	}

	bbmConfig := config.Database.BackgroundMigrations
	logger := log.GetLogger(log.WithContext(ctx))
	store := datastore.NewBackgroundMigrationStore(db)

	return &engine{
		store: store,
		controller: bbm.NewController(store,
			bbm.WithWork(work),
			bbm.WithMaxJobAttempt(bbmConfig.MaxJobAttempts),
			bbm.WithPlanAhead(bbmConfig.PlanAhead),
			bbm.WithControllerLogger(logger),
		),
		executor: bbm.NewExecutor(db,
			bbm.WithJobTimeout(bbmConfig.JobTimeout),
			bbm.WithExecutorLogger(logger),
		),
		config: bbmConfig,
		logger: logger,
	}, nil
}

// newPool builds a worker pool from the configuration. opts override the configured settings.
func (e *engine) newPool(opts ...bbm.PoolOption) *bbm.Pool {
	poolOpts := []bbm.PoolOption{
		bbm.WithConcurrency(e.config.Concurrency),
		bbm.WithLeaseDuration(e.config.LeaseDuration),
		bbm.WithPollInterval(e.config.JobInterval, e.config.MaxJobInterval),
		bbm.WithPoolLogger(e.logger),
	}
	if e.config.MaxJobsPerSecond > 0 {
		poolOpts = append(poolOpts, bbm.WithClaimRateLimit(e.config.MaxJobsPerSecond))
	}
	return bbm.NewPool(e.store, e.controller, e.executor, append(poolOpts, opts...)...)
}

func (e *engine) newReclaimer() *bbm.Reclaimer {
	return bbm.NewReclaimer(e.store,
		bbm.WithReclaimInterval(e.config.ReclaimInterval),
		bbm.WithReclaimerLogger(e.logger),
	)
}

// debugHandler builds the debug server routes: health checks, migration status, metrics and pprof.
func debugHandler(config *configuration.Configuration, checker *health.DBStatusChecker, e *engine) http.Handler {
	r := mux.NewRouter()

	r.Handle("/debug/health", handlers.MethodHandler{
		http.MethodGet: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			if err := checker.HealthCheck(); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		}),
	})
	r.Handle("/debug/health/db", checker)
	r.Handle("/debug/bbm", handlers.MethodHandler{http.MethodGet: migrationsHandler(e)})

	if config.HTTP.Debug.Prometheus.Enabled {
		r.Handle(config.HTTP.Debug.Prometheus.Path, promhttp.Handler()).Methods(http.MethodGet)
	}

	r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	r.HandleFunc("/debug/pprof/profile", pprof.Profile)
	r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	r.HandleFunc("/debug/pprof/trace", pprof.Trace)
	r.PathPrefix("/debug/pprof/").HandlerFunc(pprof.Index)

	handler := handlers.RecoveryHandler(handlers.RecoveryLogger(logrus.StandardLogger()), handlers.PrintRecoveryStack(true))(r)
	if config.Reporting.Sentry.Enabled {
		handler = errortracking.NewHandler(handler)
	}
	return correlation.InjectCorrelationID(handler, correlation.WithPropagation())
}

type migrationStatus struct {
	ID        int64    `json:"id"`
	Name      string   `json:"name"`
	Status    string   `json:"status"`
	ErrorCode string   `json:"error_code,omitempty"`
	Min       int64    `json:"min"`
	Max       int64    `json:"max"`
	BatchSize int64    `json:"batch_size"`
	Cursor    int64    `json:"cursor"`
	Progress  *float64 `json:"progress,omitempty"`
}

// migrationsHandler serves the status of every migration as JSON.
func migrationsHandler(e *engine) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		l := log.GetLogger(log.WithContext(ctx)).WithFields(log.Fields{
			correlation.FieldName: correlation.ExtractFromContext(ctx),
		})

		mm, err := e.controller.List(ctx)
		if err != nil {
			l.WithError(err).Error("failed to list background migrations")
			http.Error(w, "failed to list background migrations", http.StatusInternalServerError)
			return
		}
		progress, err := e.store.FindProgress(ctx)
		if err != nil {
			l.WithError(err).Error("failed to fetch background migrations progress")
			http.Error(w, "failed to fetch background migrations progress", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		if err := json.NewEncoder(w).Encode(migrationStatuses(mm, progress)); err != nil {
			l.WithError(err).Warn("failed to write background migrations status")
		}
	})
}

func migrationStatuses(mm models.BackgroundMigrations, progress []*models.BackgroundMigrationProgress) []migrationStatus {
	byID := make(map[int64]*models.BackgroundMigrationProgress, len(progress))
	for _, p := range progress {
		byID[p.MigrationID] = p
	}

	out := make([]migrationStatus, 0, len(mm))
	for _, m := range mm {
		s := migrationStatus{
			ID:        m.ID,
			Name:      m.Name,
			Status:    m.Status.String(),
			ErrorCode: m.ErrorCode.String(),
			Min:       m.MinValue,
			Max:       m.MaxValue,
			BatchSize: m.BatchSize,
			Cursor:    m.Cursor,
		}
		if p, ok := byID[m.ID]; ok {
			pct, _ := p.Percent()
			s.Progress = &pct
		}
		out = append(out, s)
	}
	return out
}

func configureReporting(config *configuration.Configuration) error {
	if !config.Reporting.Sentry.Enabled {
		return nil
	}
	if err := errortracking.Initialize(
		errortracking.WithSentryDSN(config.Reporting.Sentry.DSN),
		errortracking.WithSentryEnvironment(config.Reporting.Sentry.Environment),
		errortracking.WithVersion(version.Version),
	); err != nil {
		return fmt.Errorf("failed to configure Sentry: %w", err)
	}
	return nil
}

// configureLogging prepares the context with a logger using the configuration.
func configureLogging(ctx context.Context, config *configuration.Configuration) (context.Context, error) {
	l, err := log.Configure(
		config.Log.Level.String(),
		config.Log.Formatter.String(),
		config.Log.Output.Descriptor(),
		config.Log.Fields,
	)
	if err != nil {
		return nil, err
	}
	return log.WithLogger(ctx, l), nil
}

// notifyContext returns a copy of ctx canceled on SIGTERM or interrupt.
func notifyContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, syscall.SIGTERM, os.Interrupt)
}

func resolveConfiguration() (*configuration.Configuration, error) {
	configurationPath := viper.GetString(configPathKey)
	if configurationPath == "" {
		return nil, fmt.Errorf("configuration path unspecified, use --config or %s", configPathEnv)
	}

	// nolint: gosec
	fp, err := os.Open(configurationPath)
	if err != nil {
		return nil, err
	}
	defer fp.Close()

	config, err := configuration.Parse(fp)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", configurationPath, err)
	}

	return config, nil
}

func dbFromConfig(ctx context.Context, config *configuration.Configuration) (*datastore.DB, error) {
	return datastore.Open(ctx, &datastore.DSN{
		Host:           config.Database.Host,
		Port:           config.Database.Port,
		User:           config.Database.User,
		Password:       config.Database.Password,
		DBName:         config.Database.DBName,
		SSLMode:        config.Database.SSLMode,
		SSLCert:        config.Database.SSLCert,
		SSLKey:         config.Database.SSLKey,
		SSLRootCert:    config.Database.SSLRootCert,
		ConnectTimeout: config.Database.ConnectTimeout,
	},
		datastore.WithLogger(log.GetLogger(log.WithContext(ctx)).WithFields(log.Fields{"database": config.Database.DBName})),
		datastore.WithPoolConfig(&datastore.PoolConfig{
			MaxIdle:     config.Database.Pool.MaxIdle,
			MaxOpen:     config.Database.Pool.MaxOpen,
			MaxLifetime: config.Database.Pool.MaxLifetime,
			MaxIdleTime: config.Database.Pool.MaxIdleTime,
		}),
	)
}

// migrationDBFromConfig returns a DB instance specifically configured for running schema migrations, using a
// single connection.
func migrationDBFromConfig(ctx context.Context, config *configuration.Configuration) (*datastore.DB, error) {
	// copy the config so we don't mistakenly modify the pointer
	migrationConfig := *config
	migrationConfig.Database.Pool.MaxOpen = 1

	db, err := dbFromConfig(ctx, &migrationConfig)
	if err != nil {
		return nil, err
	}

	l := log.GetLogger(log.WithContext(ctx))
	supported, err := datastore.IsDBSupported(ctx, db)
	if err != nil {
		l.WithError(err).Error("could not check whether database version is supported")
		_ = db.Close()
		return nil, err
	}
	if !supported {
		err = fmt.Errorf("the database version is lower than the minimal supported version %d", datastore.MinPostgresqlVersion)
		l.WithError(err).Errorf("database version is not supported, please upgrade your database to at least %d and try again", datastore.MinPostgresqlVersion)
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

func redisFromConfig(ctx context.Context, config *configuration.Configuration) (redis.UniversalClient, error) {
	opts := &redis.UniversalOptions{
		Addrs:           strings.Split(config.Redis.Addr, ","),
		DB:              config.Redis.DB,
		Username:        config.Redis.Username,
		Password:        config.Redis.Password,
		DialTimeout:     config.Redis.DialTimeout,
		ReadTimeout:     config.Redis.ReadTimeout,
		WriteTimeout:    config.Redis.WriteTimeout,
		PoolSize:        config.Redis.Pool.Size,
		ConnMaxLifetime: config.Redis.Pool.MaxLifetime,
	}
	if config.Redis.Pool.IdleTimeout > 0 {
		opts.ConnMaxIdleTime = config.Redis.Pool.IdleTimeout
	}

	// redis.NewUniversalClient returns a single node or cluster client depending on the number of addresses
	client := redis.NewUniversalClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return client, nil
}
