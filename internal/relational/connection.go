// Package relational wraps a Postgres connection pool and migration
// runner, and provides the write-through sink that persists resolved
// PPLNS payouts and accepted shares.
package relational

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
)

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
	SSLMode  string
	MaxConns int
	MinConns int
}

// ConnectionPool wraps sql.DB with the pooling and health-check
// behavior sink.go needs; it does not expose a generic query/exec/
// transaction surface of its own, since every write this pool serves
// goes through sink.go's sqlx statements instead.
type ConnectionPool struct {
	db *sql.DB
}

// defaultMaxConns and defaultMinConns size the pool for concurrent
// writes through Sink (RecordShare and WritePayouts): idle connections
// are kept warm rather than torn down between bursts, and the ceiling
// is set well above the teacher's generic-CRUD default so share writes
// do not queue behind payout transactions.
const (
	defaultMaxConns = 50
	defaultMinConns = 10
)

// NewConnectionPool creates a new database connection pool
func NewConnectionPool(config *Config) (*ConnectionPool, error) {
	// Build connection string
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.Username, config.Password, config.Database, config.SSLMode,
	)

	// Open database connection
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	// Configure connection pool
	if config.MaxConns > 0 {
		db.SetMaxOpenConns(config.MaxConns)
	} else {
		db.SetMaxOpenConns(defaultMaxConns)
	}

	if config.MinConns > 0 {
		db.SetMaxIdleConns(config.MinConns)
	} else {
		db.SetMaxIdleConns(defaultMinConns)
	}

	// Share and payout writes are short-lived; keep connections
	// recycling often enough to ride out a Postgres failover without
	// idle connections accumulating across a long-running pool process.
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	// Test the connection
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &ConnectionPool{db: db}, nil
}

// Close closes the database connection pool
func (p *ConnectionPool) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// HealthCheck reports whether the pool can reach and query Postgres;
// wired into the pool's /healthz endpoint so an operator sees database
// connectivity loss as a failed health check rather than only as
// accounting write errors in the log.
func (p *ConnectionPool) HealthCheck(ctx context.Context) bool {
	if p.db == nil {
		return false
	}

	if err := p.db.PingContext(ctx); err != nil {
		return false
	}

	var result int
	err := p.db.QueryRowContext(ctx, "SELECT 1").Scan(&result)
	return err == nil && result == 1
}

// DB returns the underlying database connection for sink.go and tests.
func (p *ConnectionPool) DB() *sql.DB {
	return p.db
}

// RunMigrations runs database migrations
func RunMigrations(config *Config, migrationsPath string) error {
	// Build connection string
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.Username, config.Password, config.Database, config.SSLMode,
	)

	// Open database connection for migrations
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer db.Close()

	// Create migration driver
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	// Create migrate instance
	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", migrationsPath),
		"postgres",
		driver,
	)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// MigrationStatus reports the applied schema version and whether the
// last migration left the schema dirty. The /healthz endpoint does not
// include it.
type MigrationStatus struct {
	Version uint
	Dirty   bool
}

// GetMigrationStatus returns the current migration version applied to
// the database at migrationsPath.
func GetMigrationStatus(config *Config, migrationsPath string) (MigrationStatus, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.Username, config.Password, config.Database, config.SSLMode,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return MigrationStatus{}, fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return MigrationStatus{}, fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", migrationsPath),
		"postgres",
		driver,
	)
	if err != nil {
		return MigrationStatus{}, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && err != migrate.ErrNilVersion {
		return MigrationStatus{}, fmt.Errorf("failed to get migration version: %w", err)
	}

	return MigrationStatus{Version: version, Dirty: dirty}, nil
}