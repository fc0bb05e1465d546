package health

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tigrisdata/batchmigrate/testutil"
)

var fakeTimestamp = time.Date(2025, 1, 2, 12, 24, 5, 123456789, time.UTC)

type mockDB struct {
	pingErr error
	pings   atomic.Int32
}

func (*mockDB) Address() string {
	return "primary:5432"
}

func (m *mockDB) PingContext(context.Context) error {
	m.pings.Add(1)
	return m.pingErr
}

type mockPools int

func (m mockPools) ActivePools() int {
	return int(m)
}

func newTestChecker(t *testing.T, db Pinger, opts ...Option) (*DBStatusChecker, *clock.Mock) {
	t.Helper()

	c := clock.NewMock()
	c.Set(fakeTimestamp)
	opts = append([]Option{
		WithClock(c),
		WithInterval(time.Second),
		WithLogger(testutil.NewTestLogger(t)),
	}, opts...)
	return NewDBStatusChecker(db, opts...), c
}

func TestDBHealthCheck(t *testing.T) {
	testCases := []struct {
		description string
		pingInfo    *pingInfo
		elapsed     time.Duration
		expectedErr string
	}{
		{
			description: "not pinged yet",
		},
		{
			description: "ping succeeded",
			pingInfo:    &pingInfo{pingedAt: fakeTimestamp},
			elapsed:     time.Second,
		},
		{
			description: "ping failed",
			pingInfo:    &pingInfo{err: errors.New("connection refused"), pingedAt: fakeTimestamp},
			expectedErr: "pinging database primary:5432: connection refused",
		},
		{
			description: "ping is stale",
			pingInfo:    &pingInfo{pingedAt: fakeTimestamp},
			elapsed:     time.Minute,
			expectedErr: "last database ping is stale: 1m0s old",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(tt *testing.T) {
			su, c := newTestChecker(tt, &mockDB{})
			su.pingInfo = tc.pingInfo
			c.Add(tc.elapsed)

			err := su.HealthCheck()
			if tc.expectedErr == "" {
				require.NoError(tt, err)
			} else {
				require.ErrorContains(tt, err, tc.expectedErr)
			}
		})
	}
}

func TestGetDBStatus(t *testing.T) {
	testCases := []struct {
		description string
		pingInfo    *pingInfo
		pools       PoolCounter
		expected    *DBStatus
	}{
		{
			description: "not pinged yet",
			expected: &DBStatus{
				OverallStatus: "unknown",
				Database:      &DatabaseStatus{Address: "primary:5432", Status: "unknown"},
			},
		},
		{
			description: "unreachable",
			pingInfo:    &pingInfo{err: errors.New("connection failed"), pingedAt: fakeTimestamp},
			expected: &DBStatus{
				OverallStatus: "unhealthy",
				Database: &DatabaseStatus{
					Address:      "primary:5432",
					Status:       "unreachable",
					Error:        "connection failed",
					LastPingedAt: (*timestamp)(&fakeTimestamp),
				},
			},
		},
		{
			description: "healthy with pools",
			pingInfo:    &pingInfo{pingedAt: fakeTimestamp},
			pools:       mockPools(2),
			expected: &DBStatus{
				OverallStatus: "healthy",
				Database: &DatabaseStatus{
					Address:      "primary:5432",
					Status:       "online",
					LastPingedAt: (*timestamp)(&fakeTimestamp),
				},
				ActivePools: func() *int { n := 2; return &n }(),
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(tt *testing.T) {
			su, _ := newTestChecker(tt, &mockDB{}, WithPools(tc.pools))
			su.pingInfo = tc.pingInfo
			require.Equal(tt, tc.expected, su.getStatus())
		})
	}
}

func TestDBStatusHandler(t *testing.T) {
	su, _ := newTestChecker(t, &mockDB{}, WithPools(mockPools(1)))
	su.pingInfo = &pingInfo{pingedAt: fakeTimestamp}

	svr := httptest.NewServer(su)
	defer svr.Close()

	resp, err := http.Get(svr.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.JSONEq(t, `{
		"overall_status": "healthy",
		"database": {"address": "primary:5432", "status": "online", "last_pinged_at": "2025-01-02T12:24:05.123Z"},
		"active_pools": 1
	}`, string(body))
}

func TestDBStatusHandler_Unhealthy(t *testing.T) {
	su, _ := newTestChecker(t, &mockDB{})
	su.pingInfo = &pingInfo{err: errors.New("boom"), pingedAt: fakeTimestamp}

	rec := httptest.NewRecorder()
	su.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/health/db", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), `"unreachable"`)
}

func TestDBStatusHandler_MethodNotAllowed(t *testing.T) {
	su, _ := newTestChecker(t, &mockDB{})

	rec := httptest.NewRecorder()
	su.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/debug/health/db", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	require.Equal(t, "must be a GET request, not POST", rec.Body.String())
}

func TestDBStatusChecker_Start(t *testing.T) {
	db := &mockDB{}
	su, c := newTestChecker(t, db)

	ctx, cancel := context.WithCancel(context.Background())
	done := su.Start(ctx)

	// initial ping happens without a tick
	require.Eventually(t, func() bool { return db.pings.Load() == 1 }, 5*time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		c.Add(time.Second)
		return db.pings.Load() >= 3
	}, 5*time.Second, 10*time.Millisecond)

	db2 := &mockDB{pingErr: errors.New("down")}
	su2, _ := newTestChecker(t, db2)
	su2.doPing(ctx)
	require.Error(t, su2.HealthCheck())

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("status checker did not stop")
	}
}

func TestDBStatusChecker_Race(t *testing.T) {
	db := &mockDB{}
	su := NewDBStatusChecker(db, WithInterval(10*time.Microsecond), WithTimeout(time.Millisecond), WithLogger(testutil.NewTestLogger(t)))

	ctx, cancel := context.WithCancel(context.Background())
	done := su.Start(ctx)
	defer func() {
		cancel()
		<-done
	}()

	svr := httptest.NewServer(su)
	defer svr.Close()

	for range 100 {
		resp, err := http.Get(svr.URL)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		require.NoError(t, resp.Body.Close())

		_ = su.HealthCheck()
	}
}
