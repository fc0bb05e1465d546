package bbm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/tigrisdata/batchmigrate/log"
	"github.com/tigrisdata/batchmigrate/registry/datastore"
	"github.com/tigrisdata/batchmigrate/registry/datastore/models"
)

const (
	executorName      = "registry.bbm.Executor"
	defaultJobTimeout = 2 * time.Minute
	maxStackBytes     = 4096

	errorTypePanic   = "panic"
	errorTypeTimeout = "timeout"
)

// Executor runs the work function of a claimed job and turns its result into an outcome for the store.
type Executor struct {
	db      datastore.Handler
	logger  log.Logger
	clock   clock.Clock
	timeout time.Duration
}

// ExecutorOption provides functional options for NewExecutor.
type ExecutorOption func(*Executor)

// WithJobTimeout sets the maximum duration of a single job execution.
func WithJobTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.timeout = d
	}
}

// WithExecutorLogger sets the logger.
func WithExecutorLogger(l log.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = l
	}
}

// WithExecutorClock sets the clock used to measure job durations.
func WithExecutorClock(c clock.Clock) ExecutorOption {
	return func(e *Executor) {
		e.clock = c
	}
}

// NewExecutor creates a new Executor. db is handed to work functions as is.
func NewExecutor(db datastore.Handler, opts ...ExecutorOption) *Executor {
	e := &Executor{
		db:      db,
		logger:  log.GetLogger(),
		clock:   clock.New(),
		timeout: defaultJobTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.WithFields(log.Fields{componentKey: executorName})

	return e
}

// Run executes do over the range of job. Errors and panics of do are recorded in the outcome data and never
// returned. Cancellation of ctx does not interrupt a running job, only the job timeout does.
func (e *Executor) Run(ctx context.Context, job *models.BackgroundMigrationJob, do WorkFunc) models.JobOutcome {
	l := e.logger.WithFields(log.Fields{
		jobIDKey:       job.ID,
		jobBBMIDKey:    job.MigrationID,
		jobAttemptsKey: job.Attempts,
		jobRangeKey:    job.Range().String(),
	})

	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()

	start := e.clock.Now()
	err := e.do(jobCtx, job.Range(), do)
	elapsed := e.clock.Since(start)

	data := map[string]any{
		"attempt":     job.Attempts,
		"duration_ms": elapsed.Milliseconds(),
		"range":       job.Range().String(),
	}

	if err == nil {
		l.WithFields(log.Fields{"duration_s": elapsed.Seconds()}).Info("job succeeded")
		return models.JobOutcome{Succeeded: true, Data: e.encode(data)}
	}

	data["error"] = err.Error()
	var pe *panicError
	switch {
	case errors.As(err, &pe):
		data["error_type"] = errorTypePanic
		data["panic"] = pe.stack
	case errors.Is(err, context.DeadlineExceeded) && jobCtx.Err() != nil:
		data["error_type"] = errorTypeTimeout
	default:
		data["error_type"] = fmt.Sprintf("%T", err)
	}
	l.WithError(err).WithFields(log.Fields{"error_type": data["error_type"]}).Warn("job failed")

	return models.JobOutcome{Succeeded: false, Data: e.encode(data)}
}

type panicError struct {
	value any
	stack string
}

func (e *panicError) Error() string {
	return fmt.Sprintf("work function panicked: %v", e.value)
}

func (e *Executor) do(ctx context.Context, r models.Range, do WorkFunc) (err error) {
	defer func() {
		if v := recover(); v != nil {
			stack := debug.Stack()
			if len(stack) > maxStackBytes {
				stack = stack[:maxStackBytes]
			}
			err = &panicError{value: v, stack: string(stack)}
		}
	}()

	return do(ctx, e.db, r)
}

func (e *Executor) encode(data map[string]any) models.Payload {
	b, err := json.Marshal(data)
	if err != nil {
		e.logger.WithError(err).Error("failed to encode job data")
		return nil
	}
	return b
}
