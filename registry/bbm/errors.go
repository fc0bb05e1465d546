package bbm

import (
	"errors"

	"github.com/tigrisdata/batchmigrate/registry/datastore/models"
)

var (
	// ErrWorkFunctionNotFound is returned when a migration names no registered work function.
	ErrWorkFunctionNotFound = errors.New("work function not found")
	// ErrMaxJobAttemptsReached is returned when a job of a migration failed terminally.
	ErrMaxJobAttemptsReached = errors.New("maximum job attempt reached")
	// ErrInvalidBatchSize is returned when planning a migration with a non positive batch size.
	ErrInvalidBatchSize = errors.New("invalid batch size")
	// ErrInvalidRange is returned when planning a migration whose bounds or cursor are inconsistent.
	ErrInvalidRange = errors.New("invalid migration range")
	// ErrCoverageGap is returned when the succeeded jobs of a migration leave part of its range uncovered.
	ErrCoverageGap = errors.New("job ranges leave a gap")
	// ErrCoverageOverlap is returned when the succeeded jobs of a migration overlap.
	ErrCoverageOverlap = errors.New("job ranges overlap")
	// ErrMigrationFailed is returned by SyncWorker.Run when a migration ends failed.
	ErrMigrationFailed = errors.New("background migration failed")
	// ErrMigrationPaused is returned by SyncWorker.Run when a migration is paused before it finished.
	ErrMigrationPaused = errors.New("background migration paused")
	// ErrRetryNotApplicable is returned when retrying the failed jobs of a migration that can not run them.
	ErrRetryNotApplicable = errors.New("background migration has no failed jobs to retry")
)

// migrationFailureError represents errors that cause migration failures
type migrationFailureError struct {
	Err       error
	ErrorCode models.BBMErrorCode
}

func (e *migrationFailureError) Error() string {
	return e.Err.Error()
}

func (e *migrationFailureError) Unwrap() error {
	return e.Err
}

func newPlanningError(err error) *migrationFailureError {
	return &migrationFailureError{
		Err:       err,
		ErrorCode: models.PlanningBBMErrCode,
	}
}

func newVerificationError(err error) *migrationFailureError {
	return &migrationFailureError{
		Err:       err,
		ErrorCode: models.VerificationBBMErrCode,
	}
}

func newJobAttemptsExhaustedError(err error) *migrationFailureError {
	return &migrationFailureError{
		Err:       err,
		ErrorCode: models.JobExceedsMaxAttemptBBMErrCode,
	}
}

func newInvalidWorkError(err error) *migrationFailureError {
	return &migrationFailureError{
		Err:       err,
		ErrorCode: models.InvalidWorkBBMErrCode,
	}
}
