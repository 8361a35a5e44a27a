package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// Supported values for Config.Driver
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Config for storage backends
type Config struct {
	Driver string // "postgres", "sqlite", "memory"

	// PostgreSQL config
	PostgresURL         string
	PostgresReplicaURLs string // comma-separated
	PostgresMaxConns    int
	PostgresMinConns    int
	PostgresTimeout     time.Duration
	PostgresMaxLifetime time.Duration
	PostgresMaxIdleTime time.Duration

	// SQLite config
	SQLitePath string

	// Redis config (webhook idempotency)
	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	RedisPoolSize   int

	// S3 config (unresolved event archive)
	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool
	S3Prefix       string
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		Driver:              DriverSQLite,
		SQLitePath:          "rentbill.db",
		PostgresMaxConns:    20,
		PostgresMinConns:    2,
		PostgresTimeout:     10 * time.Second,
		PostgresMaxLifetime: 30 * time.Minute,
		PostgresMaxIdleTime: 5 * time.Minute,
		RedisDB:             0,
		RedisMaxRetries:     3,
		RedisPoolSize:       10,
		S3Region:            "us-east-1",
		S3Prefix:            "unresolved-events/",
	}
}

// Validate checks the driver-specific settings
func (c Config) Validate() error {
	switch c.Driver {
	case DriverPostgres:
		if c.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres storage")
		}
		if c.PostgresMaxConns < c.PostgresMinConns {
			return fmt.Errorf("postgres max connections (%d) is lower than min connections (%d)", c.PostgresMaxConns, c.PostgresMinConns)
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required for sqlite storage")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("invalid storage driver: %q (must be postgres, sqlite or memory)", c.Driver)
	}
	return nil
}

// Dialect identifies the SQL flavour behind a *DB
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// Greatest returns the scalar maximum function for the dialect
func (d Dialect) Greatest() string {
	if d == SQLite {
		return "MAX"
	}
	return "GREATEST"
}

// DB pairs the primary connection with a reader selector
type DB struct {
	Primary *sql.DB
	Dialect Dialect

	reader func() *sql.DB
}

// NewDB wraps primary for the given dialect. reader may be nil, in which
// case reads use the primary as well.
func NewDB(primary *sql.DB, reader func() *sql.DB, dialect Dialect) *DB {
	return &DB{Primary: primary, Dialect: dialect, reader: reader}
}

// Reader returns the handle for lag-tolerant reads
func (d *DB) Reader() *sql.DB {
	if d.reader == nil {
		return d.Primary
	}
	if r := d.reader(); r != nil {
		return r
	}
	return d.Primary
}

// OpenSQLite opens (creating if needed) a sqlite database file. Foreign keys
// are enforced and writers wait on the busy lock instead of failing.
func OpenSQLite(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// sqlite serializes writers; a single connection avoids SQLITE_BUSY churn
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}
	return db, nil
}

// IsUniqueViolation reports whether err is a unique-constraint failure from
// either driver
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
