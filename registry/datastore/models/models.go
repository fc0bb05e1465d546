package models

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/guregu/null/v6"
)

// Payload implements sql/driver.Valuer and sql.Scanner, allowing pgx to read and
// write JSON columns using the PostgreSQL simple protocol.
type Payload json.RawMessage

// Value returns the payload serialized as a []byte.
func (p Payload) Value() (driver.Value, error) {
	if len(p) == 0 {
		return nil, nil
	}
	return json.RawMessage(p).MarshalJSON()
}

// Scan implements sql.Scanner.
func (p *Payload) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*p = nil
	case []byte:
		*p = append((*p)[:0], v...)
	case string:
		*p = Payload(v)
	default:
		return fmt.Errorf("unsupported payload source type %T", src)
	}
	return nil
}

// Indent returns the payload pretty-printed, or an empty string if there is none.
func (p Payload) Indent() string {
	if len(p) == 0 {
		return ""
	}
	b, err := json.MarshalIndent(json.RawMessage(p), "", "  ")
	if err != nil {
		return string(p)
	}
	return string(b)
}

// Range is a half-open interval [Min, Max) of integer keys.
type Range struct {
	Min int64
	Max int64
}

// Size is the number of keys in the range.
func (r Range) Size() int64 {
	return r.Max - r.Min
}

func (r Range) String() string {
	return fmt.Sprintf("%d - %d", r.Min, r.Max)
}

// BackgroundMigration is the representation of a batched migration over the key range [MinValue, MaxValue).
type BackgroundMigration struct {
	ID int64
	// Name identifies the registered work function applied to each batch.
	Name      string
	MinValue  int64
	MaxValue  int64
	BatchSize int64
	// Cursor is the upper bound of the last range enqueued. It starts at MinValue.
	Cursor     int64
	Status     BackgroundMigrationStatus
	ErrorCode  BBMErrorCode
	CreatedAt  time.Time
	UpdatedAt  null.Time
	StartedAt  null.Time
	FinishedAt null.Time
}

// Range returns the full key range of the migration.
func (m *BackgroundMigration) Range() Range {
	return Range{Min: m.MinValue, Max: m.MaxValue}
}

// BackgroundMigrations is a slice of BackgroundMigration pointers.
type BackgroundMigrations []*BackgroundMigration

// BackgroundMigrationJob is the representation of a batch of a BackgroundMigration.
type BackgroundMigrationJob struct {
	ID          int64
	MigrationID int64
	MinValue    int64
	MaxValue    int64
	Status      BackgroundMigrationJobStatus
	// Attempts is incremented every time the job is claimed and never reset by the engine.
	Attempts int
	// MaxAttempts is the attempt count at which a failing job becomes terminally failed.
	MaxAttempts    int
	Data           Payload
	LeaseOwner     null.String
	LeaseExpiresAt null.Time
	CreatedAt      time.Time
	UpdatedAt      null.Time
	StartedAt      null.Time
	FinishedAt     null.Time
}

// Range returns the key range of the job.
func (j *BackgroundMigrationJob) Range() Range {
	return Range{Min: j.MinValue, Max: j.MaxValue}
}

// Duration is the duration of the last attempt. Zero if the attempt has not finished.
func (j *BackgroundMigrationJob) Duration() time.Duration {
	if !j.StartedAt.Valid || !j.FinishedAt.Valid || j.FinishedAt.Time.Before(j.StartedAt.Time) {
		return 0
	}
	return j.FinishedAt.Time.Sub(j.StartedAt.Time)
}

// AttemptsLabel renders the attempt count, e.g. "1 attempt" or "3 attempts".
func (j *BackgroundMigrationJob) AttemptsLabel() string {
	if j.Attempts == 1 {
		return "1 attempt"
	}
	return fmt.Sprintf("%d attempts", j.Attempts)
}

// Summary renders a one line description of the job's last attempt.
func (j *BackgroundMigrationJob) Summary() string {
	ranAt := "never ran"
	if j.StartedAt.Valid {
		ranAt = fmt.Sprintf("ran at %s for %dms", j.StartedAt.Time.UTC().Format(time.RFC3339), j.Duration().Milliseconds())
	}
	return fmt.Sprintf("#%d %s, %s", j.ID, ranAt, j.AttemptsLabel())
}

// BackgroundMigrationJobs is a slice of BackgroundMigrationJob pointers.
type BackgroundMigrationJobs []*BackgroundMigrationJob

// BackgroundMigrationStatus is the status of a BackgroundMigration.
type BackgroundMigrationStatus int

const (
	BackgroundMigrationPending BackgroundMigrationStatus = iota + 1
	BackgroundMigrationRunning
	BackgroundMigrationPaused
	BackgroundMigrationFinalizing
	BackgroundMigrationSucceeded
	BackgroundMigrationFailed
)

// AllBackgroundMigrationStatuses lists every migration status.
var AllBackgroundMigrationStatuses = []BackgroundMigrationStatus{
	BackgroundMigrationPending,
	BackgroundMigrationRunning,
	BackgroundMigrationPaused,
	BackgroundMigrationFinalizing,
	BackgroundMigrationSucceeded,
	BackgroundMigrationFailed,
}

func (s BackgroundMigrationStatus) String() string {
	switch s {
	case BackgroundMigrationPending:
		return "pending"
	case BackgroundMigrationRunning:
		return "running"
	case BackgroundMigrationPaused:
		return "paused"
	case BackgroundMigrationFinalizing:
		return "finalizing"
	case BackgroundMigrationSucceeded:
		return "succeeded"
	case BackgroundMigrationFailed:
		return "failed"
	}
	return fmt.Sprintf("invalid(%d)", int(s))
}

// Valid reports whether s is a known status.
func (s BackgroundMigrationStatus) Valid() bool {
	return s >= BackgroundMigrationPending && s <= BackgroundMigrationFailed
}

// Terminal reports whether no further automatic transition can happen from s.
func (s BackgroundMigrationStatus) Terminal() bool {
	return s == BackgroundMigrationSucceeded || s == BackgroundMigrationFailed
}

// ErrInvalidStatus is returned when parsing an unknown status name.
var ErrInvalidStatus = errors.New("invalid status")

// ParseBackgroundMigrationStatus parses the name of a migration status.
func ParseBackgroundMigrationStatus(name string) (BackgroundMigrationStatus, error) {
	for _, s := range AllBackgroundMigrationStatuses {
		if s.String() == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidStatus, name)
}

// migrationTransitions is the migration state machine. Keys are source statuses.
var migrationTransitions = map[BackgroundMigrationStatus][]BackgroundMigrationStatus{
	BackgroundMigrationPending:    {BackgroundMigrationRunning},
	BackgroundMigrationRunning:    {BackgroundMigrationPaused, BackgroundMigrationFinalizing, BackgroundMigrationFailed},
	BackgroundMigrationPaused:     {BackgroundMigrationRunning},
	BackgroundMigrationFinalizing: {BackgroundMigrationSucceeded, BackgroundMigrationFailed},
	BackgroundMigrationFailed:     {BackgroundMigrationRunning},
}

// CanTransition reports whether a migration may move from one status to another.
func CanTransition(from, to BackgroundMigrationStatus) bool {
	for _, s := range migrationTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// BackgroundMigrationJobStatus is the status of a BackgroundMigrationJob.
type BackgroundMigrationJobStatus int

const (
	BackgroundMigrationJobPending BackgroundMigrationJobStatus = iota + 1
	BackgroundMigrationJobRunning
	BackgroundMigrationJobSucceeded
	BackgroundMigrationJobFailed
)

// AllBackgroundMigrationJobStatuses lists every job status.
var AllBackgroundMigrationJobStatuses = []BackgroundMigrationJobStatus{
	BackgroundMigrationJobPending,
	BackgroundMigrationJobRunning,
	BackgroundMigrationJobSucceeded,
	BackgroundMigrationJobFailed,
}

func (s BackgroundMigrationJobStatus) String() string {
	switch s {
	case BackgroundMigrationJobPending:
		return "pending"
	case BackgroundMigrationJobRunning:
		return "running"
	case BackgroundMigrationJobSucceeded:
		return "succeeded"
	case BackgroundMigrationJobFailed:
		return "failed"
	}
	return fmt.Sprintf("invalid(%d)", int(s))
}

// ParseBackgroundMigrationJobStatus parses the name of a job status.
func ParseBackgroundMigrationJobStatus(name string) (BackgroundMigrationJobStatus, error) {
	for _, s := range AllBackgroundMigrationJobStatuses {
		if s.String() == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidStatus, name)
}

// BBMErrorCode represents the reason a BackgroundMigration failed.
type BBMErrorCode struct {
	sql.NullInt16
}

var (
	NullErrCode                    = BBMErrorCode{sql.NullInt16{Valid: false}}
	UnknownBBMErrorCode            = BBMErrorCode{sql.NullInt16{Int16: 0, Valid: true}}
	PlanningBBMErrCode             = BBMErrorCode{sql.NullInt16{Int16: 1, Valid: true}}
	VerificationBBMErrCode         = BBMErrorCode{sql.NullInt16{Int16: 2, Valid: true}}
	JobExceedsMaxAttemptBBMErrCode = BBMErrorCode{sql.NullInt16{Int16: 3, Valid: true}}
	InvalidWorkBBMErrCode          = BBMErrorCode{sql.NullInt16{Int16: 4, Valid: true}}
)

func (s BBMErrorCode) String() string {
	if !s.Valid {
		return ""
	}
	switch s.Int16 {
	default:
		return "unknown"
	case PlanningBBMErrCode.Int16:
		return "planning"
	case VerificationBBMErrCode.Int16:
		return "verification"
	case JobExceedsMaxAttemptBBMErrCode.Int16:
		return "job_attempts_exhausted"
	case InvalidWorkBBMErrCode.Int16:
		return "unknown_work"
	}
}

// JobOutcome is the result of a single job execution reported to the store.
type JobOutcome struct {
	Succeeded bool
	Data      Payload
}

// BackgroundMigrationProgress is the input of the progress metrics of a BackgroundMigration.
type BackgroundMigrationProgress struct {
	MigrationID   int64
	MigrationName string
	Status        BackgroundMigrationStatus
	// TotalKeys is the size of the migration key range.
	TotalKeys int64
	// SucceededKeys is the number of keys covered by succeeded jobs.
	SucceededKeys int64
	SucceededJobs int64
	FailedJobs    int64
}

// Percent returns the progress percentage. Only succeeded migrations report 100, an unfinished migration is
// capped at 99.9.
func (p *BackgroundMigrationProgress) Percent() (progress float64, capped bool) {
	if p.Status == BackgroundMigrationSucceeded {
		return 100, false
	}
	if p.TotalKeys <= 0 {
		return 0, false
	}
	progress = float64(min(p.SucceededKeys, p.TotalKeys)) / float64(p.TotalKeys) * 100
	if progress >= 100 {
		return 99.9, true
	}
	return progress, false
}
