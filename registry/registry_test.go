package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tigrisdata/batchmigrate/configuration"
	"github.com/tigrisdata/batchmigrate/health"
	"github.com/tigrisdata/batchmigrate/log"
	"github.com/tigrisdata/batchmigrate/registry/datastore/models"
	"github.com/tigrisdata/batchmigrate/testutil"
)

const testConfigYaml = `
version: "0.1"
log:
  level: debug
  formatter: text
  output: discard
database:
  host: localhost
  port: 5432
  user: postgres
  dbname: batchmigrate
  backgroundmigrations:
    enabled: true
    concurrency: 3
http:
  debug:
    addr: localhost:5001
    prometheus:
      enabled: true
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestResolveConfiguration(t *testing.T) {
	t.Setenv(configPathEnv, writeConfig(t, testConfigYaml))

	config, err := resolveConfiguration()
	require.NoError(t, err)
	require.Equal(t, "localhost", config.Database.Host)
	require.Equal(t, 3, config.Database.BackgroundMigrations.Concurrency)
	require.Equal(t, 6, config.Database.BackgroundMigrations.PlanAhead)
	require.Equal(t, "/metrics", config.HTTP.Debug.Prometheus.Path)
}

func TestResolveConfiguration_EnvOverride(t *testing.T) {
	t.Setenv(configPathEnv, writeConfig(t, testConfigYaml))
	t.Setenv("BATCHMIGRATE_DATABASE_HOST", "db.internal")

	config, err := resolveConfiguration()
	require.NoError(t, err)
	require.Equal(t, "db.internal", config.Database.Host)
}

func TestResolveConfiguration_Errors(t *testing.T) {
	t.Run("unspecified", func(t *testing.T) {
		t.Setenv(configPathEnv, "")
		_, err := resolveConfiguration()
		require.ErrorContains(t, err, "configuration path unspecified")
	})

	t.Run("missing file", func(t *testing.T) {
		t.Setenv(configPathEnv, filepath.Join(t.TempDir(), "missing.yml"))
		_, err := resolveConfiguration()
		require.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("invalid", func(t *testing.T) {
		t.Setenv(configPathEnv, writeConfig(t, "version: \"0.1\"\nunknown: true\n"))
		_, err := resolveConfiguration()
		require.ErrorContains(t, err, "parsing")
	})
}

func TestConfigureLogging(t *testing.T) {
	config := &configuration.Configuration{}
	config.Log.Level = configuration.LogLevelWarn
	config.Log.Formatter = configuration.LogFormatJSON
	config.Log.Output = configuration.LogOutputDiscard
	config.Log.Fields = map[string]any{"environment": "test"}

	ctx, err := configureLogging(context.Background(), config)
	require.NoError(t, err)
	require.NotNil(t, log.GetLogger(log.WithContext(ctx)))
}

type fakePinger struct {
	err error
}

func (*fakePinger) Address() string {
	return "127.0.0.1:5432"
}

func (p *fakePinger) PingContext(context.Context) error {
	return p.err
}

func newTestDebugHandler(t *testing.T, pinger *fakePinger) (http.Handler, *engine, *health.DBStatusChecker) {
	t.Helper()

	store, c := newTestController(t)
	e := &engine{store: store, controller: c, logger: testutil.NewTestLogger(t)}

	config := &configuration.Configuration{}
	config.HTTP.Debug.Prometheus.Enabled = true
	config.HTTP.Debug.Prometheus.Path = "/metrics"

	checker := health.NewDBStatusChecker(pinger, health.WithLogger(testutil.NewTestLogger(t)))
	return debugHandler(config, checker, e), e, checker
}

func serve(h http.Handler, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestDebugHandler_Health(t *testing.T) {
	h, _, _ := newTestDebugHandler(t, &fakePinger{})

	// not pinged yet
	rec := serve(h, http.MethodGet, "/debug/health")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(h, http.MethodGet, "/debug/health/db")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"overall_status":"unknown","database":{"address":"127.0.0.1:5432","status":"unknown"}}`, rec.Body.String())

	rec = serve(h, http.MethodPost, "/debug/health/db")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestDebugHandler_Health_Unhealthy(t *testing.T) {
	h, _, checker := newTestDebugHandler(t, &fakePinger{err: errors.New("connection refused")})

	ctx, cancel := context.WithCancel(context.Background())
	done := checker.Start(ctx)
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		return serve(h, http.MethodGet, "/debug/health").Code == http.StatusServiceUnavailable
	}, 5*time.Second, 10*time.Millisecond)

	rec := serve(h, http.MethodGet, "/debug/health")
	require.Contains(t, rec.Body.String(), "connection refused")

	rec = serve(h, http.MethodGet, "/debug/health/db")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDebugHandler_Migrations(t *testing.T) {
	h, e, _ := newTestDebugHandler(t, &fakePinger{})
	ctx := context.Background()

	m, err := e.controller.Create(ctx, "noop", models.Range{Min: 0, Max: 100}, 50)
	require.NoError(t, err)
	_, err = e.controller.Start(ctx, m.ID)
	require.NoError(t, err)
	_, err = e.controller.Advance(ctx, m.ID)
	require.NoError(t, err)
	runJob(t, e.store, m.ID, true)

	rec := serve(h, http.MethodGet, "/debug/bbm")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))

	var got []migrationStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	require.Equal(t, "noop", got[0].Name)
	require.Equal(t, models.BackgroundMigrationRunning.String(), got[0].Status)
	require.Equal(t, int64(100), got[0].Cursor)
	require.NotNil(t, got[0].Progress)
	require.InDelta(t, 50, *got[0].Progress, 0.001)
}

func TestDebugHandler_MetricsAndPprof(t *testing.T) {
	h, _, _ := newTestDebugHandler(t, &fakePinger{})

	rec := serve(h, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")

	rec = serve(h, http.MethodGet, "/debug/pprof/")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(h, http.MethodGet, "/unknown")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMigrationStatuses(t *testing.T) {
	mm := models.BackgroundMigrations{
		{ID: 1, Name: "noop", Status: models.BackgroundMigrationSucceeded, MinValue: 0, MaxValue: 10, BatchSize: 5, Cursor: 10},
		{ID: 2, Name: "analyze", Status: models.BackgroundMigrationFailed, ErrorCode: models.JobExceedsMaxAttemptBBMErrCode},
	}
	progress := []*models.BackgroundMigrationProgress{
		{MigrationID: 1, Status: models.BackgroundMigrationSucceeded, TotalKeys: 10, SucceededKeys: 10},
	}

	got := migrationStatuses(mm, progress)
	require.Len(t, got, 2)
	require.NotNil(t, got[0].Progress)
	require.InDelta(t, 100, *got[0].Progress, 0.001)
	require.Nil(t, got[1].Progress)
	require.Equal(t, "job_attempts_exhausted", got[1].ErrorCode)

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(got[1]))
	require.NotContains(t, buf.String(), "progress")
}

func TestEngine_NewPool(t *testing.T) {
	config := &configuration.Configuration{}
	configuration.ApplyDefaults(config)
	config.Database.BackgroundMigrations.MaxJobsPerSecond = 5

	e, err := newEngine(context.Background(), config, nil)
	require.NoError(t, err)
	require.NotNil(t, e.controller)
	require.NotNil(t, e.newPool())
	require.NotNil(t, e.newReclaimer())

	_, ok := e.controller.Work("analyze")
	require.True(t, ok)
}
