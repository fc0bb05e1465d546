package datastore

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	// register the pgx database/sql driver
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/tigrisdata/batchmigrate/log"
)

const driverName = "pgx"

// MinPostgresqlVersion is the minimum supported PostgreSQL major version. SKIP LOCKED and multiple locking clauses
// per query are required by the job claim.
const MinPostgresqlVersion = 12

// Queryer is the common interface to execute queries on a database.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Transactor wraps a database transaction.
type Transactor interface {
	Queryer
	Commit() error
	Rollback() error
}

// Handler represents a database connection handler. Work functions receive one to run their batches.
type Handler interface {
	Queryer
	BeginTx(ctx context.Context, opts *sql.TxOptions) (Transactor, error)
	PingContext(ctx context.Context) error
	Close() error
}

// DB implements Handler.
type DB struct {
	*sql.DB
	DSN *DSN
}

// BeginTx wraps sql.DB.BeginTx.
func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (Transactor, error) {
	return db.DB.BeginTx(ctx, opts)
}

// Address returns the database host network address.
func (db *DB) Address() string {
	if db.DSN == nil {
		return ""
	}
	return db.DSN.Address()
}

// DSN represents the Data Source Name parameters for a DB connection.
type DSN struct {
	Host           string
	Port           int
	User           string
	Password       string
	DBName         string
	SSLMode        string
	SSLCert        string
	SSLKey         string
	SSLRootCert    string
	ConnectTimeout time.Duration
}

// String builds a keyword/value connection string from the DSN parameters. Values with spaces or quotes are
// escaped: https://www.postgresql.org/docs/current/libpq-connect.html#LIBPQ-CONNSTRING-KEYWORD-VALUE
func (dsn *DSN) String() string {
	var params []string

	port := ""
	if dsn.Port > 0 {
		port = strconv.Itoa(dsn.Port)
	}
	connectTimeout := ""
	if dsn.ConnectTimeout > 0 {
		connectTimeout = fmt.Sprintf("%.0f", dsn.ConnectTimeout.Seconds())
	}

	for _, param := range []struct{ k, v string }{
		{"host", dsn.Host},
		{"port", port},
		{"user", dsn.User},
		{"password", dsn.Password},
		{"dbname", dsn.DBName},
		{"sslmode", dsn.SSLMode},
		{"sslcert", dsn.SSLCert},
		{"sslkey", dsn.SSLKey},
		{"sslrootcert", dsn.SSLRootCert},
		{"connect_timeout", connectTimeout},
	} {
		if param.v == "" {
			continue
		}
		v := strings.ReplaceAll(param.v, `'`, `\'`)
		v = strings.ReplaceAll(v, " ", `\ `)
		params = append(params, param.k+"="+v)
	}

	return strings.Join(params, " ")
}

// Address returns the host:port segment of a DSN.
func (dsn *DSN) Address() string {
	return net.JoinHostPort(dsn.Host, strconv.Itoa(dsn.Port))
}

// PoolConfig represents the configuration of a database connection pool.
type PoolConfig struct {
	MaxIdle     int
	MaxOpen     int
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

type openOpts struct {
	logger log.Logger
	pool   *PoolConfig
}

// OpenOption is used to pass options to Open.
type OpenOption func(*openOpts)

// WithLogger configures the logger for the database connection.
func WithLogger(l log.Logger) OpenOption {
	return func(opts *openOpts) {
		opts.logger = l
	}
}

// WithPoolConfig configures the settings for the database connection pool.
func WithPoolConfig(c *PoolConfig) OpenOption {
	return func(opts *openOpts) {
		opts.pool = c
	}
}

// Open opens a database connection and verifies it with a ping.
func Open(ctx context.Context, dsn *DSN, opts ...OpenOption) (*DB, error) {
	config := &openOpts{
		logger: log.GetLogger(),
		pool:   &PoolConfig{},
	}
	for _, opt := range opts {
		opt(config)
	}

	db, err := sql.Open(driverName, dsn.String())
	if err != nil {
		return nil, fmt.Errorf("opening database connection: %w", err)
	}

	db.SetMaxOpenConns(config.pool.MaxOpen)
	db.SetMaxIdleConns(config.pool.MaxIdle)
	db.SetConnMaxLifetime(config.pool.MaxLifetime)
	db.SetConnMaxIdleTime(config.pool.MaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("verifying database connection: %w", err)
	}

	config.logger.WithFields(log.Fields{
		"db_host_addr": dsn.Address(),
		"db_name":      dsn.DBName,
	}).Info("connected to database")

	return &DB{DB: db, DSN: dsn}, nil
}

// IsDBSupported checks whether the database server version is at least MinPostgresqlVersion.
func IsDBSupported(ctx context.Context, q Queryer) (bool, error) {
	var raw string
	if err := q.QueryRowContext(ctx, "SHOW server_version_num").Scan(&raw); err != nil {
		return false, fmt.Errorf("querying server version: %w", err)
	}

	num, err := strconv.Atoi(raw)
	if err != nil {
		return false, fmt.Errorf("parsing server version %q: %w", raw, err)
	}

	// server_version_num is major*10000 + minor since PostgreSQL 10
	return num/10000 >= MinPostgresqlVersion, nil
}
