package metrics

import (
	"strconv"
	"time"

	"github.com/docker/go-metrics"
	prometheus "github.com/tigrisdata/batchmigrate/metrics"
)

var (
	runTimer     metrics.LabeledTimer
	jobTimer     metrics.LabeledTimer
	jobCounter   metrics.LabeledCounter
	planCounter  metrics.LabeledCounter
	sleepTimer   metrics.LabeledTimer
	reclaimed    metrics.LabeledCounter
	activePools  metrics.Gauge
	transitioned metrics.LabeledCounter
)

const (
	migrationLabel = "migration"
	errorLabel     = "error"
	statusLabel    = "status"
	outcomeLabel   = "outcome"
	fromLabel      = "from"
	toLabel        = "to"
)

func init() {
	ns := prometheus.BBMNamespace

	runTimer = ns.NewLabeledTimer("poll", "A histogram of latencies for worker poll cycles", errorLabel)
	jobTimer = ns.NewLabeledTimer("job", "A histogram of latencies for job executions", migrationLabel, outcomeLabel)
	jobCounter = ns.NewLabeledCounter("jobs", "A counter of completed job attempts", migrationLabel, statusLabel)
	planCounter = ns.NewLabeledCounter("planned_jobs", "A counter of jobs enqueued by the range planner", migrationLabel)
	sleepTimer = ns.NewLabeledTimer("sleep", "A histogram of sleep durations between worker poll cycles", migrationLabel)
	reclaimed = ns.NewLabeledCounter("reclaimed_jobs", "A counter of jobs whose lease expired and were reclaimed", statusLabel)
	activePools = ns.NewGauge("active_pools", "The number of worker pools currently processing a migration", metrics.Total)
	transitioned = ns.NewLabeledCounter("migration_transitions", "A counter of migration status transitions", fromLabel, toLabel)

	metrics.Register(ns)
}

// PollRun records a worker poll cycle.
func PollRun() func(err error) {
	start := time.Now()
	return func(err error) {
		runTimer.WithValues(strconv.FormatBool(err != nil)).UpdateSince(start)
	}
}

// JobRun records a job execution.
func JobRun(migration string) func(succeeded bool) {
	start := time.Now()
	return func(succeeded bool) {
		outcome := "failure"
		if succeeded {
			outcome = "success"
		}
		jobTimer.WithValues(migration, outcome).UpdateSince(start)
	}
}

// JobCompleted counts a completed job attempt by its resulting status.
func JobCompleted(migration, status string) {
	jobCounter.WithValues(migration, status).Inc(1)
}

// JobsPlanned counts jobs enqueued for a migration.
func JobsPlanned(migration string, n int) {
	planCounter.WithValues(migration).Inc(float64(n))
}

// WorkerSleep records a backoff sleep.
func WorkerSleep(migration string, d time.Duration) {
	sleepTimer.WithValues(migration).Update(d)
}

// JobsReclaimed counts reclaimed jobs by their resulting status.
func JobsReclaimed(status string, n int) {
	reclaimed.WithValues(status).Inc(float64(n))
}

// PoolStarted marks a pool as active and returns a func to mark it as stopped.
func PoolStarted() func() {
	activePools.Inc(1)
	return func() {
		activePools.Dec(1)
	}
}

// MigrationTransitioned counts a migration status transition.
func MigrationTransitioned(from, to string) {
	transitioned.WithValues(from, to).Inc(1)
}
