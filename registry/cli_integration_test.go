//go:build integration

package registry

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/tigrisdata/batchmigrate/registry/datastore"
	"github.com/tigrisdata/batchmigrate/registry/datastore/models"
	"github.com/tigrisdata/batchmigrate/testutil"
	"gopkg.in/yaml.v2"
)

type cliTestSuite struct {
	suite.Suite
	db             *datastore.DB
	configFilePath string
}

func TestCLITestSuite(t *testing.T) {
	suite.Run(t, &cliTestSuite{})
}

func (s *cliTestSuite) SetupSuite() {
	s.db = testutil.NewPostgres(s.T())
	s.configFilePath = generateDBConfig(s.T(), s.db.DSN)
}

func (s *cliTestSuite) SetupTest() {
	resetGlobalVars()
	_, err := s.db.Exec("TRUNCATE batched_migrations RESTART IDENTITY CASCADE")
	s.Require().NoError(err)
}

func (*cliTestSuite) TearDownTest() {
	resetGlobalVars()
}

func resetGlobalVars() {
	batchSize = 0
	dryRun = false
	force = false
	jobsLimit = 10
	maxNumMigrations = nil
	maxValue = 0
	minValue = 0
	resetAttempts = false
	runConcurrency = nil
	showVersion = false
	startNow = false
	upToDateCheck = false
}

func generateDBConfig(t *testing.T, dsn *datastore.DSN) string {
	t.Helper()

	config := map[string]any{
		"version": "0.1",
		"log": map[string]any{
			"level":  "warn",
			"output": "discard",
		},
		"database": map[string]any{
			"host":     dsn.Host,
			"port":     dsn.Port,
			"user":     dsn.User,
			"password": dsn.Password,
			"dbname":   dsn.DBName,
			"sslmode":  dsn.SSLMode,
			"backgroundmigrations": map[string]any{
				"enabled":        true,
				"concurrency":    2,
				"maxjobattempts": 2,
				"jobinterval":    "10ms",
				"maxjobinterval": "100ms",
			},
		},
	}
	b, err := yaml.Marshal(config)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, b, 0o600))
	return path
}

// execute runs the root command with args and the test configuration, returning its standard output.
func (s *cliTestSuite) execute(args ...string) (string, error) {
	var out bytes.Buffer
	RootCmd.SetOut(&out)
	RootCmd.SetErr(io.Discard)
	RootCmd.SetIn(bytes.NewReader(nil))
	RootCmd.SetArgs(append(args, "--config", s.configFilePath))
	defer RootCmd.SetArgs(nil)

	err := RootCmd.Execute()
	return out.String(), err
}

func (s *cliTestSuite) mustExecute(args ...string) string {
	out, err := s.execute(args...)
	s.Require().NoError(err)
	return out
}

func (s *cliTestSuite) Test_Migrate_Status_UpToDate() {
	out := s.mustExecute("database", "migrate", "status", "--up-to-date")
	s.Require().Equal("true\n", out)
}

func (s *cliTestSuite) Test_Migrate_Version() {
	out := s.mustExecute("database", "migrate", "version")
	s.Require().NotEqual("Unknown\n", out)
}

func (s *cliTestSuite) Test_Migrate_Up_NothingPending() {
	out := s.mustExecute("database", "migrate", "up")
	s.Require().Contains(out, "OK: applied 0 migration(s)")
}

func (s *cliTestSuite) Test_Migrate_Up_InvalidLimit() {
	_, err := s.execute("database", "migrate", "up", "--limit", "0")
	s.Require().EqualError(err, "limit must be greater than or equal to 1")
}

func (s *cliTestSuite) Test_BBM_Lifecycle() {
	out := s.mustExecute("background-migrate", "create", "analyze", "--min", "-50", "--max", "950", "--batch-size", "100")
	s.Require().Equal(`OK: background migration "analyze" created with ID 1 (pending)`+"\n", out)

	out = s.mustExecute("background-migrate", "status")
	s.Require().Contains(out, "analyze")
	s.Require().Contains(out, models.BackgroundMigrationPending.String())

	out = s.mustExecute("background-migrate", "start", "analyze")
	s.Require().Equal(`OK: background migration "analyze" is running`+"\n", out)

	out = s.mustExecute("background-migrate", "pause", "1")
	s.Require().Equal(`OK: background migration "analyze" is paused`+"\n", out)

	out = s.mustExecute("background-migrate", "resume", "1")
	s.Require().Equal(`OK: background migration "analyze" is running`+"\n", out)

	out = s.mustExecute("background-migrate", "run", "analyze", "--concurrency", "3")
	s.Require().Equal("OK: 1 background migration(s) finished\n", out)

	out = s.mustExecute("background-migrate", "show", "analyze")
	s.Require().Contains(out, models.BackgroundMigrationSucceeded.String())
	s.Require().Contains(out, "100.0%")
	s.Require().Contains(out, "Recent succeeded jobs:")

	_, err := s.execute("background-migrate", "pause", "analyze")
	s.Require().ErrorIs(err, datastore.ErrTransitionNotApplicable)
}

func (s *cliTestSuite) Test_BBM_CreateAndStart() {
	out := s.mustExecute("background-migrate", "create", "noop", "--max", "10", "--batch-size", "5", "--start")
	s.Require().Equal(`OK: background migration "noop" created with ID 1 (running)`+"\n", out)

	out = s.mustExecute("background-migrate", "run")
	s.Require().Equal("OK: 1 background migration(s) finished\n", out)
}

func (s *cliTestSuite) Test_BBM_Create_UnknownWork() {
	_, err := s.execute("background-migrate", "create", "unknown", "--max", "10", "--batch-size", "5")
	s.Require().ErrorContains(err, "failed to create background migration")
}

func (s *cliTestSuite) Test_BBM_Show_NotFound() {
	_, err := s.execute("background-migrate", "show", "42")
	s.Require().Error(err)

	_, err = s.execute("background-migrate", "show", "missing")
	s.Require().ErrorIs(err, datastore.ErrMigrationNotFound)
}

func (s *cliTestSuite) Test_BBM_Retry_NothingFailed() {
	s.mustExecute("background-migrate", "create", "noop", "--max", "10", "--batch-size", "5", "--start")

	out := s.mustExecute("background-migrate", "retry", "noop", "--reset-attempts")
	s.Require().Equal(fmt.Sprintf("OK: retried %d failed job(s) of background migration %q\n", 0, "noop"), out)
}
