package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"github.com/tigrisdata/batchmigrate/log"
)

const (
	defaultInterval = 10 * time.Second
	defaultTimeout  = 2 * time.Second
	// a ping older than this many intervals means the checker itself stalled
	staleIntervals = 3
)

// Pinger is implemented by *datastore.DB.
type Pinger interface {
	Address() string
	PingContext(context.Context) error
}

// PoolCounter reports the number of migration pools driven by the process. Implemented by *bbm.Worker.
type PoolCounter interface {
	ActivePools() int
}

// DBStatusChecker asynchronously pings the database and stores the result, returning the status when required.
type DBStatusChecker struct {
	db       Pinger
	pools    PoolCounter
	interval time.Duration
	timeout  time.Duration
	clock    clock.Clock
	logger   log.Logger

	mu       sync.RWMutex
	pingInfo *pingInfo
}

type pingInfo struct {
	err      error
	pingedAt time.Time
}

// Option configures a DBStatusChecker.
type Option func(*DBStatusChecker)

// WithInterval sets the time between pings.
func WithInterval(d time.Duration) Option {
	return func(s *DBStatusChecker) {
		s.interval = d
	}
}

// WithTimeout sets the timeout of a single ping.
func WithTimeout(d time.Duration) Option {
	return func(s *DBStatusChecker) {
		s.timeout = d
	}
}

// WithPools reports the active migration pools of pc in the status.
func WithPools(pc PoolCounter) Option {
	return func(s *DBStatusChecker) {
		s.pools = pc
	}
}

// WithClock sets the clock used to schedule pings.
func WithClock(c clock.Clock) Option {
	return func(s *DBStatusChecker) {
		s.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(s *DBStatusChecker) {
		s.logger = l
	}
}

func NewDBStatusChecker(db Pinger, opts ...Option) *DBStatusChecker {
	s := &DBStatusChecker{
		db:       db,
		interval: defaultInterval,
		timeout:  defaultTimeout,
		clock:    clock.New(),
		logger:   log.GetLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start pings the database right away and then every interval until ctx is done. The returned channel is closed
// once the background goroutine exits.
func (s *DBStatusChecker) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	ticker := s.clock.Ticker(s.interval)

	go func() {
		defer close(done)
		defer ticker.Stop()

		s.doPing(ctx)
		for {
			select {
			case <-ticker.C:
				s.doPing(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()

	return done
}

func (s *DBStatusChecker) doPing(ctx context.Context) {
	pingedAt := s.clock.Now()
	pingCtx, cancel := context.WithTimeout(ctx, s.timeout)
	err := s.db.PingContext(pingCtx)
	cancel()

	if err != nil {
		s.logger.WithFields(log.Fields{"db_host_addr": s.db.Address()}).WithError(err).Warn("database ping failed")
	}

	s.mu.Lock()
	s.pingInfo = &pingInfo{err: err, pingedAt: pingedAt}
	s.mu.Unlock()
}

func (s *DBStatusChecker) lastPing() *pingInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pingInfo
}

// HealthCheck is a CheckFunc to be used in the standard health check at /debug/health.
func (s *DBStatusChecker) HealthCheck() error {
	info := s.lastPing()
	if info == nil {
		// the first ping is still in flight
		s.logger.WithFields(log.Fields{
			"path":         "/debug/health",
			"db_host_addr": s.db.Address(),
		}).Info("status unknown for database, haven't pinged it yet, returning OK")
		return nil
	}

	var errs *multierror.Error
	if info.err != nil {
		errs = multierror.Append(errs, fmt.Errorf("pinging database %s: %w", s.db.Address(), info.err))
	}
	if age := s.clock.Since(info.pingedAt); age > staleIntervals*s.interval {
		errs = multierror.Append(errs, fmt.Errorf("last database ping is stale: %s old", age.Round(time.Millisecond)))
	}
	return errs.ErrorOrNil()
}

// ServeHTTP reports the database status and the active migration pools. This will be served at /debug/health/db.
func (s *DBStatusChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// If the response writing causes a write error, it's already too late to
	// handle it. Instead, this function helps us nicely log the error.
	maybeLogWriteErr := func(err error) {
		if err != nil {
			s.logger.WithFields(log.Fields{"path": "/debug/health/db"}).WithError(err).
				Error("error writing response")
		}
	}

	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		_, err := fmt.Fprintf(w, "must be a GET request, not %s", r.Method)
		maybeLogWriteErr(err)
		return
	}

	status := s.getStatus()
	encoded, err := json.Marshal(status)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_, writeErr := fmt.Fprint(w, err)
		maybeLogWriteErr(writeErr)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if status.OverallStatus == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_, err = w.Write(encoded)
	maybeLogWriteErr(err)
}

func (s *DBStatusChecker) getStatus() *DBStatus {
	status := &DBStatus{
		Database: &DatabaseStatus{Address: s.db.Address(), Status: DatabaseStatusUnknown},
	}
	if s.pools != nil {
		n := s.pools.ActivePools()
		status.ActivePools = &n
	}

	info := s.lastPing()
	switch {
	case info == nil:
		status.OverallStatus = StatusUnknown
	case info.err != nil:
		status.OverallStatus = StatusUnhealthy
		status.Database.Status = DatabaseUnreachable
		status.Database.LastPingedAt = (*timestamp)(&info.pingedAt)
		status.Database.Error = info.err.Error()
	default:
		status.OverallStatus = StatusHealthy
		status.Database.Status = DatabaseOnline
		status.Database.LastPingedAt = (*timestamp)(&info.pingedAt)
	}

	return status
}

type DBStatus struct {
	OverallStatus string          `json:"overall_status"`
	Database      *DatabaseStatus `json:"database"`
	ActivePools   *int            `json:"active_pools,omitempty"`
}

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusUnknown   = "unknown"
)

type DatabaseStatus struct {
	Address      string     `json:"address"`
	Status       string     `json:"status"`
	Error        string     `json:"error,omitempty"`
	LastPingedAt *timestamp `json:"last_pinged_at,omitempty"`
}

const (
	DatabaseOnline        = "online"
	DatabaseStatusUnknown = "unknown"
	DatabaseUnreachable   = "unreachable"
)

// timestamp is a time.Time that marshals into an ISO8601 timestamp with
// millisecond precision.
type timestamp time.Time

// MarshalJSON outputs the timestamp in ISO8601 format with millisecond precision.
func (t *timestamp) MarshalJSON() ([]byte, error) {
	b := make([]byte, 0)
	b = append(b, '"')
	b = (*time.Time)(t).UTC().AppendFormat(b, "2006-01-02T15:04:05.999Z")
	b = append(b, '"')
	return b, nil
}
