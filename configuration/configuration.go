package configuration

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
)

// Configuration is the batchmigrate configuration, intended to be provided by a yaml file, and
// optionally modified by environment variables.
//
// Note that yaml field names should never include _ characters, since this is the separator used
// in environment variable names.
type Configuration struct {
	// Version is the version which defines the format of the rest of the configuration
	Version string `yaml:"version"`

	// Log supports setting various parameters related to the logging subsystem.
	Log Log `yaml:"log"`

	// Database is the configuration for the database holding the batched migration state
	Database Database `yaml:"database"`

	// Redis configures the redis instance used for distributed coordination.
	Redis Redis `yaml:"redis,omitempty"`

	// Reporting is the configuration for error reporting
	Reporting Reporting `yaml:"reporting,omitempty"`

	// HTTP contains configuration parameters for the debug http interface.
	HTTP HTTP `yaml:"http,omitempty"`
}

// Log configures the logging subsystem.
type Log struct {
	// Level is the granularity at which operations are logged. Options include "error", "warn", "info", "debug"
	// and "trace". The default is "info".
	Level Loglevel `yaml:"level,omitempty"`

	// Formatter sets the format of logging output. Options include "text" and "json". The default is "json".
	Formatter logFormat `yaml:"formatter,omitempty"`

	// Output sets the output destination. Options include "stderr" and "stdout". The default is "stdout".
	Output logOutput `yaml:"output,omitempty"`

	// Fields allows users to specify static string fields to include in the logger context.
	Fields map[string]any `yaml:"fields,omitempty"`
}

// HTTP configures the debug server.
type HTTP struct {
	Debug struct {
		// Addr specifies the bind address for the debug server.
		Addr string `yaml:"addr,omitempty"`
		// Prometheus configures the Prometheus telemetry endpoint.
		Prometheus struct {
			Enabled bool   `yaml:"enabled,omitempty"`
			Path    string `yaml:"path,omitempty"`
		} `yaml:"prometheus,omitempty"`
	} `yaml:"debug,omitempty"`
}

type Database struct {
	// Host is the database server hostname
	Host string `yaml:"host"`
	// Port is the database server port
	Port int `yaml:"port"`
	// Username is the database username
	User string `yaml:"user"`
	// Password is the database password
	Password string `yaml:"password"`
	// Name is the database name
	DBName string `yaml:"dbname"`
	// SSLMode is the SSL mode:
	// https://www.postgresql.org/docs/current/libpq-ssl.html#LIBPQ-SSL-SSLMODE-STATEMENTS
	SSLMode string `yaml:"sslmode"`
	// SSLCert is the PEM encoded certificate file path.
	SSLCert string `yaml:"sslcert"`
	// SSLKey is the PEM encoded key file path.
	SSLKey string `yaml:"sslkey"`
	// SSLRootCert is the PEM encoded root certificate file path.
	SSLRootCert string `yaml:"sslrootcert"`
	// Pool configures the behavior of the database connection pool.
	Pool struct {
		// MaxIdle sets the maximum number of connections in the idle connection pool. If MaxOpen is less than MaxIdle,
		// then MaxIdle is reduced to match the MaxOpen limit. Defaults to 0 (no idle connections).
		MaxIdle int `yaml:"maxidle,omitempty"`
		// MaxOpen sets the maximum number of open connections to the database. Defaults to 0 (unlimited).
		MaxOpen int `yaml:"maxopen,omitempty"`
		// MaxLifetime sets the maximum amount of time a connection may be reused. Defaults to 0 (unlimited).
		MaxLifetime time.Duration `yaml:"maxlifetime,omitempty"`
		// MaxIdleTime is the maximum amount of time a connection may be idle. Defaults to 0 (unlimited).
		MaxIdleTime time.Duration `yaml:"maxidletime,omitempty"`
	} `yaml:"pool,omitempty"`
	// Maximum time to wait for a connection. Zero or not specified means waiting indefinitely.
	ConnectTimeout       time.Duration        `yaml:"connecttimeout,omitempty"`
	BackgroundMigrations BackgroundMigrations `yaml:"backgroundmigrations,omitempty"`
}

// BackgroundMigrations represents the configuration of the batched migration engine.
type BackgroundMigrations struct {
	// Enabled can be used to enable or bypass the asynchronous migration process when serving.
	Enabled bool `yaml:"enabled"`
	// Concurrency is the number of workers polling for jobs of a single migration (defaults to 2).
	Concurrency int `yaml:"concurrency,omitempty"`
	// MaxJobAttempts is the number of times a job is executed before it is marked as failed (defaults to 3).
	MaxJobAttempts int `yaml:"maxjobattempts,omitempty"`
	// LeaseDuration is how long a worker holds a claimed job before it can be reclaimed (defaults to `5m`).
	LeaseDuration time.Duration `yaml:"leaseduration,omitempty"`
	// ReclaimInterval is the interval between checks for jobs with expired leases (defaults to `1m`).
	ReclaimInterval time.Duration `yaml:"reclaiminterval,omitempty"`
	// JobInterval is the initial wait between polls when no job is available (defaults to `1s`).
	JobInterval time.Duration `yaml:"jobinterval,omitempty"`
	// MaxJobInterval bounds the exponential backoff between polls (defaults to `1m`).
	MaxJobInterval time.Duration `yaml:"maxjobinterval,omitempty"`
	// JobTimeout bounds the execution of a single job (defaults to `2m`).
	JobTimeout time.Duration `yaml:"jobtimeout,omitempty"`
	// PlanAhead is the number of pending jobs kept enqueued per migration (defaults to Concurrency * 2).
	PlanAhead int `yaml:"planahead,omitempty"`
	// MaxJobsPerSecond limits the rate of job claims per worker pool. Zero means unlimited.
	MaxJobsPerSecond float64 `yaml:"maxjobspersecond,omitempty"`
	// Progress configures the collection of progress metrics.
	Progress struct {
		// Enabled toggles progress metrics collection. Requires redis.
		Enabled bool `yaml:"enabled,omitempty"`
		// Interval between collections (defaults to `10s`).
		Interval time.Duration `yaml:"interval,omitempty"`
		// LeaseDuration of the leader lock (defaults to `30s`).
		LeaseDuration time.Duration `yaml:"leaseduration,omitempty"`
	} `yaml:"progress,omitempty"`
}

// Redis configures the redis instance available to the application.
type Redis struct {
	// Enabled is a simple toggle for the Redis connection. Defaults to false.
	Enabled bool `yaml:"enabled,omitempty"`
	// Addr specifies the redis instance available to the application.
	Addr string `yaml:"addr,omitempty"`
	// Username string to connect as to the Redis instance.
	Username string `yaml:"username,omitempty"`
	// Password string to use when making a connection.
	Password string `yaml:"password,omitempty"`
	// DB specifies the database to connect to on the redis instance.
	DB int `yaml:"db,omitempty"`
	// DialTimeout is the timeout for establishing connections.
	DialTimeout time.Duration `yaml:"dialtimeout,omitempty"`
	// ReadTimeout is the timeout for reading data.
	ReadTimeout time.Duration `yaml:"readtimeout,omitempty"`
	// WriteTimeout is the timeout for writing data.
	WriteTimeout time.Duration `yaml:"writetimeout,omitempty"`
	// Pool configures the behavior of the redis connection pool.
	Pool struct {
		// Size is the maximum number of socket connections. Default is 10 connections.
		Size int `yaml:"size,omitempty"`
		// MaxLifetime is the connection age at which client retires a connection.
		MaxLifetime time.Duration `yaml:"maxlifetime,omitempty"`
		// IdleTimeout sets the amount time to wait before closing inactive connections.
		IdleTimeout time.Duration `yaml:"idletimeout,omitempty"`
	} `yaml:"pool,omitempty"`
}

// Reporting defines error reporting methods.
type Reporting struct {
	// Sentry configures error reporting for Sentry (sentry.io).
	Sentry SentryReporting `yaml:"sentry,omitempty"`
}

// SentryReporting configures error reporting for Sentry (sentry.io).
type SentryReporting struct {
	// Enabled can be set to `true` to enable the Sentry error reporting.
	Enabled bool `yaml:"enabled,omitempty"`
	// DSN is the Sentry DSN.
	DSN string `yaml:"dsn,omitempty"`
	// Environment is the Sentry environment.
	Environment string `yaml:"environment,omitempty"`
}

// Loglevel is the level at which operations are logged.
type Loglevel string

const (
	LogLevelError   Loglevel = "error"
	LogLevelWarn    Loglevel = "warn"
	LogLevelInfo    Loglevel = "info"
	LogLevelDebug   Loglevel = "debug"
	LogLevelTrace   Loglevel = "trace"
	defaultLogLevel          = LogLevelInfo
)

var logLevels = []Loglevel{
	LogLevelError,
	LogLevelWarn,
	LogLevelInfo,
	LogLevelDebug,
	LogLevelTrace,
}

func (l Loglevel) String() string {
	return string(l)
}

func (l Loglevel) isValid() bool {
	for _, lvl := range logLevels {
		if l == lvl {
			return true
		}
	}
	return false
}

// UnmarshalYAML implements the yaml.Umarshaler interface for Loglevel, parsing it and validating that it represents a
// valid log level.
func (l *Loglevel) UnmarshalYAML(unmarshal func(any) error) error {
	var val string
	if err := unmarshal(&val); err != nil {
		return err
	}

	lvl := Loglevel(strings.ToLower(val))
	if !lvl.isValid() {
		return fmt.Errorf("invalid log level %q, must be one of %q", val, logLevels)
	}

	*l = lvl
	return nil
}

// logOutput is the output destination for logs. This can be either "stdout" or "stderr".
type logOutput string

const (
	LogOutputStdout  logOutput = "stdout"
	LogOutputStderr  logOutput = "stderr"
	LogOutputDiscard logOutput = "discard"
	defaultLogOutput           = LogOutputStdout
)

var logOutputs = []logOutput{LogOutputStdout, LogOutputStderr, LogOutputDiscard}

// String implements the Stringer interface for logOutput.
func (out logOutput) String() string {
	return string(out)
}

// Descriptor returns the os file descriptor of a log output.
func (out logOutput) Descriptor() io.Writer {
	switch out {
	case LogOutputStderr:
		return os.Stderr
	case LogOutputDiscard:
		return io.Discard
	default:
		return os.Stdout
	}
}

func (out logOutput) isValid() bool {
	for _, output := range logOutputs {
		if out == output {
			return true
		}
	}
	return false
}

// UnmarshalYAML implements the yaml.Umarshaler interface for logOutput, parsing it and validating that it represents a
// valid log output destination.
func (out *logOutput) UnmarshalYAML(unmarshal func(any) error) error {
	var val string
	if err := unmarshal(&val); err != nil {
		return err
	}

	lo := logOutput(strings.ToLower(val))
	if !lo.isValid() {
		return fmt.Errorf("invalid log output %q, must be one of %q", lo, logOutputs)
	}

	*out = lo
	return nil
}

// logFormat is the format of the application logs output. This can be either "text" or "json".
type logFormat string

const (
	LogFormatText    logFormat = "text"
	LogFormatJSON    logFormat = "json"
	defaultLogFormat           = LogFormatJSON
)

var logFormats = []logFormat{
	LogFormatText,
	LogFormatJSON,
}

// String implements the Stringer interface for logFormat.
func (ft logFormat) String() string {
	return string(ft)
}

func (ft logFormat) isValid() bool {
	for _, formatter := range logFormats {
		if ft == formatter {
			return true
		}
	}
	return false
}

// UnmarshalYAML implements the yaml.Umarshaler interface for logFormat, parsing it and validating that it
// represents a valid application log output format.
func (ft *logFormat) UnmarshalYAML(unmarshal func(any) error) error {
	var val string
	if err := unmarshal(&val); err != nil {
		return err
	}

	format := logFormat(strings.ToLower(val))
	if !format.isValid() {
		return fmt.Errorf("invalid log format %q, must be one of %q", val, logFormats)
	}

	*ft = format
	return nil
}

// EnvPrefix is the prefix of environment variables overriding configuration parameters.
const EnvPrefix = "BATCHMIGRATE"

// envOverrides lists the configuration parameters that can be overridden through environment variables. The
// variable name is the parameter path, upper-cased, joined by "_" and prefixed by EnvPrefix, e.g.
// BATCHMIGRATE_DATABASE_PASSWORD.
var envOverrides = []string{
	"log.level",
	"database.host",
	"database.port",
	"database.user",
	"database.password",
	"database.dbname",
	"database.sslmode",
	"redis.addr",
	"redis.password",
	"reporting.sentry.dsn",
}

func applyEnvOverride(c *Configuration, v *viper.Viper, key string) error {
	switch key {
	case "log.level":
		lvl := Loglevel(strings.ToLower(v.GetString(key)))
		if !lvl.isValid() {
			return fmt.Errorf("invalid log level %q, must be one of %q", lvl, logLevels)
		}
		c.Log.Level = lvl
	case "database.host":
		c.Database.Host = v.GetString(key)
	case "database.port":
		port, err := atoi(v.GetString(key))
		if err != nil {
			return err
		}
		c.Database.Port = port
	case "database.user":
		c.Database.User = v.GetString(key)
	case "database.password":
		c.Database.Password = v.GetString(key)
	case "database.dbname":
		c.Database.DBName = v.GetString(key)
	case "database.sslmode":
		c.Database.SSLMode = v.GetString(key)
	case "redis.addr":
		c.Redis.Addr = v.GetString(key)
	case "redis.password":
		c.Redis.Password = v.GetString(key)
	case "reporting.sentry.dsn":
		c.Reporting.Sentry.DSN = v.GetString(key)
	default:
		return fmt.Errorf("unknown configuration parameter %q", key)
	}
	return nil
}

func atoi(s string) (int, error) {
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q: %w", s, err)
	}
	return i, nil
}

// Parse parses an input configuration yaml document into a Configuration struct.
//
// Environment variables may be used to override a subset of configuration parameters (see envOverrides),
// following the scheme below:
// Configuration.Abc.Xyz may be replaced by the value of BATCHMIGRATE_ABC_XYZ.
func Parse(rd io.Reader) (*Configuration, error) {
	in, err := io.ReadAll(rd)
	if err != nil {
		return nil, err
	}

	config := new(Configuration)
	if err := yaml.UnmarshalStrict(in, config); err != nil {
		return nil, fmt.Errorf("unmarshaling configuration: %w", err)
	}
	if config.Version == "" {
		return nil, errors.New("please specify a configuration version")
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range envOverrides {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("binding environment variable for %q: %w", key, err)
		}
		if !v.IsSet(key) {
			continue
		}
		if err := applyEnvOverride(config, v, key); err != nil {
			return nil, fmt.Errorf("overriding %q from environment: %w", key, err)
		}
	}

	ApplyDefaults(config)

	if err := Validate(config); err != nil {
		return nil, err
	}

	return config, nil
}

const (
	defaultBackgroundMigrationsConcurrency     = 2
	defaultBackgroundMigrationsMaxJobAttempts  = 3
	defaultBackgroundMigrationsLeaseDuration   = 5 * time.Minute
	defaultBackgroundMigrationsReclaimInterval = 1 * time.Minute
	defaultBackgroundMigrationsJobInterval     = 1 * time.Second
	defaultBackgroundMigrationsMaxJobInterval  = 1 * time.Minute
	defaultBackgroundMigrationsJobTimeout      = 2 * time.Minute
	defaultProgressInterval                    = 10 * time.Second
	defaultProgressLeaseDuration               = 30 * time.Second
	defaultRedisPoolSize                       = 10
)

func ApplyDefaults(config *Configuration) {
	if config.Log.Level == "" {
		config.Log.Level = defaultLogLevel
	}
	if config.Log.Output == "" {
		config.Log.Output = defaultLogOutput
	}
	if config.Log.Formatter == "" {
		config.Log.Formatter = defaultLogFormat
	}
	if config.HTTP.Debug.Prometheus.Enabled && config.HTTP.Debug.Prometheus.Path == "" {
		config.HTTP.Debug.Prometheus.Path = "/metrics"
	}
	if config.Redis.Addr != "" && config.Redis.Pool.Size == 0 {
		config.Redis.Pool.Size = defaultRedisPoolSize
	}

	bbm := &config.Database.BackgroundMigrations
	if bbm.Concurrency == 0 {
		bbm.Concurrency = defaultBackgroundMigrationsConcurrency
	}
	if bbm.MaxJobAttempts == 0 {
		bbm.MaxJobAttempts = defaultBackgroundMigrationsMaxJobAttempts
	}
	if bbm.LeaseDuration == 0 {
		bbm.LeaseDuration = defaultBackgroundMigrationsLeaseDuration
	}
	if bbm.ReclaimInterval == 0 {
		bbm.ReclaimInterval = defaultBackgroundMigrationsReclaimInterval
	}
	if bbm.JobInterval == 0 {
		bbm.JobInterval = defaultBackgroundMigrationsJobInterval
	}
	if bbm.MaxJobInterval == 0 {
		bbm.MaxJobInterval = defaultBackgroundMigrationsMaxJobInterval
	}
	if bbm.JobTimeout == 0 {
		bbm.JobTimeout = defaultBackgroundMigrationsJobTimeout
	}
	if bbm.PlanAhead == 0 {
		bbm.PlanAhead = bbm.Concurrency * 2
	}
	if bbm.Progress.Interval == 0 {
		bbm.Progress.Interval = defaultProgressInterval
	}
	if bbm.Progress.LeaseDuration == 0 {
		bbm.Progress.LeaseDuration = defaultProgressLeaseDuration
	}
}

// Validate checks that the configuration values are coherent.
func Validate(config *Configuration) error {
	var errs *multierror.Error

	bbm := config.Database.BackgroundMigrations
	if bbm.Concurrency < 1 {
		errs = multierror.Append(errs, fmt.Errorf("'database.backgroundmigrations.concurrency' must be at least 1, got %d", bbm.Concurrency))
	}
	if bbm.MaxJobAttempts < 1 {
		errs = multierror.Append(errs, fmt.Errorf("'database.backgroundmigrations.maxjobattempts' must be at least 1, got %d", bbm.MaxJobAttempts))
	}
	if bbm.LeaseDuration <= bbm.JobTimeout {
		errs = multierror.Append(errs, fmt.Errorf(
			"'database.backgroundmigrations.leaseduration' (%v) must be longer than 'database.backgroundmigrations.jobtimeout' (%v)",
			bbm.LeaseDuration, bbm.JobTimeout,
		))
	}
	if bbm.MaxJobInterval < bbm.JobInterval {
		errs = multierror.Append(errs, fmt.Errorf(
			"'database.backgroundmigrations.maxjobinterval' (%v) must not be shorter than 'database.backgroundmigrations.jobinterval' (%v)",
			bbm.MaxJobInterval, bbm.JobInterval,
		))
	}
	if bbm.PlanAhead < 1 {
		errs = multierror.Append(errs, fmt.Errorf("'database.backgroundmigrations.planahead' must be at least 1, got %d", bbm.PlanAhead))
	}
	if bbm.MaxJobsPerSecond < 0 {
		errs = multierror.Append(errs, fmt.Errorf("'database.backgroundmigrations.maxjobspersecond' must not be negative, got %v", bbm.MaxJobsPerSecond))
	}
	if bbm.Progress.Enabled {
		if !config.Redis.Enabled || config.Redis.Addr == "" {
			errs = multierror.Append(errs, errors.New("'database.backgroundmigrations.progress' requires redis to be enabled"))
		}
		if bbm.Progress.LeaseDuration <= bbm.Progress.Interval {
			errs = multierror.Append(errs, fmt.Errorf(
				"'database.backgroundmigrations.progress.leaseduration' (%v) must be longer than 'database.backgroundmigrations.progress.interval' (%v)",
				bbm.Progress.LeaseDuration, bbm.Progress.Interval,
			))
		}
	}
	if config.Reporting.Sentry.Enabled && config.Reporting.Sentry.DSN == "" {
		errs = multierror.Append(errs, errors.New("'reporting.sentry.dsn' is required when sentry reporting is enabled"))
	}

	return errs.ErrorOrNil()
}
