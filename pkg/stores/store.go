package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"

	"github.com/modvault/modvault/pkg/engine"

	// Postgres driver
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// Driver selects the SQL dialect.
type Driver string

const (
	// DriverSQLite stores everything in a single SQLite file.
	DriverSQLite Driver = "sqlite"

	// DriverPostgres stores everything in Postgres.
	DriverPostgres Driver = "postgres"
)

// Config holds store configuration.
type Config struct {
	// Driver is sqlite or postgres.
	Driver Driver `mapstructure:"driver" yaml:"driver" validate:"required,oneof=sqlite postgres"`

	// Path is the SQLite database file.
	Path string `mapstructure:"path" yaml:"path" validate:"required_if=Driver sqlite"`

	// URL is the Postgres connection string.
	URL string `mapstructure:"url" yaml:"url" validate:"required_if=Driver postgres"`

	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime" validate:"gte=0"`

	// PingTimeout bounds the connectivity check in Init.
	PingTimeout time.Duration `mapstructure:"ping_timeout" yaml:"ping_timeout" validate:"gte=0"`
}

// SQLStore implements engine.Store, policy.Store and registry.Store on top of
// database/sql, with a SQLite and a Postgres dialect.
type SQLStore struct {
	db  *sql.DB
	cfg Config
}

// NewSQLStore creates a new store instance. Call Init before use.
func NewSQLStore(cfg Config) (*SQLStore, error) {
	if cfg.Driver == "" {
		cfg.Driver = DriverSQLite
	}

	switch cfg.Driver {
	case DriverSQLite:
		if cfg.Path == "" {
			return nil, fmt.Errorf("database path is required")
		}
		// SQLite serializes writers; one connection keeps transactions from
		// spinning on SQLITE_BUSY.
		if cfg.MaxOpenConns == 0 {
			cfg.MaxOpenConns = 1
		}
		if cfg.MaxIdleConns == 0 {
			cfg.MaxIdleConns = 1
		}
	case DriverPostgres:
		if cfg.URL == "" {
			return nil, fmt.Errorf("database url is required")
		}
		if cfg.MaxOpenConns == 0 {
			cfg.MaxOpenConns = 25
		}
		if cfg.MaxIdleConns == 0 {
			cfg.MaxIdleConns = 5
		}
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.PingTimeout == 0 {
		cfg.PingTimeout = 5 * time.Second
	}

	return &SQLStore{cfg: cfg}, nil
}

// Init opens the connection pool and verifies connectivity.
func (s *SQLStore) Init(ctx context.Context) error {
	var (
		db  *sql.DB
		err error
	)

	switch s.cfg.Driver {
	case DriverSQLite:
		dsn := s.cfg.Path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)" +
			"&_pragma=synchronous(NORMAL)&_txlock=immediate&_time_format=sqlite"
		db, err = sql.Open("sqlite", dsn)
	case DriverPostgres:
		db, err = sql.Open("pgx", s.cfg.URL)
	}
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, s.cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Driver returns the configured dialect.
func (s *SQLStore) Driver() Driver {
	return s.cfg.Driver
}

// Migrate applies every pending migration of the configured dialect.
func (s *SQLStore) Migrate(_ context.Context) error {
	m, err := s.migrator()
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// MigrationVersion returns the current schema version and whether it is dirty.
func (s *SQLStore) MigrationVersion() (uint, bool, error) {
	m, err := s.migrator()
	if err != nil {
		return 0, false, err
	}

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read migration version: %w", err)
	}
	return version, dirty, nil
}

func (s *SQLStore) migrator() (*migrate.Migrate, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	sub, err := fs.Sub(migrationsFS, "migrations/"+string(s.cfg.Driver))
	if err != nil {
		return nil, fmt.Errorf("failed to open migrations: %w", err)
	}

	sourceDriver, err := iofs.New(sub, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	var (
		driver     database.Driver
		driverName string
	)
	switch s.cfg.Driver {
	case DriverSQLite:
		driverName = "sqlite3"
		driver, err = sqlite3.WithInstance(s.db, &sqlite3.Config{})
	case DriverPostgres:
		driverName = "pgx5"
		driver, err = migratepgx.WithInstance(s.db, &migratepgx.Config{})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, driverName, driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration instance: %w", err)
	}
	return m, nil
}

// HealthCheck verifies the database is reachable.
func (s *SQLStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	var result int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders into $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.cfg.Driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// querier is the subset of *sql.DB and *sql.Tx the store uses.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) exec(ctx context.Context, q querier, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, q querier, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, q querier, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, s.rebind(query), args...)
}

// withTx runs fn in a transaction and commits when it returns nil.
func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// forUpdate returns the row-lock suffix for the dialect. SQLite transactions
// already hold the write lock from BEGIN IMMEDIATE.
func (s *SQLStore) forUpdate() string {
	if s.cfg.Driver == DriverPostgres {
		return " FOR UPDATE"
	}
	return ""
}

// isUniqueViolation reports whether err is a unique or primary key violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlitelib.SQLITE_CONSTRAINT_UNIQUE, sqlitelib.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		case sqlitelib.SQLITE_CONSTRAINT:
			return strings.Contains(liteErr.Error(), "UNIQUE")
		}
	}
	return false
}

// insertError classifies an insert failure.
func insertError(kind, id string, err error) error {
	if isUniqueViolation(err) {
		return engine.NewConflictError(fmt.Sprintf("%s already exists", kind), err).
			WithCode(engine.ErrCodeAlreadyExists).WithResource(id)
	}
	return fmt.Errorf("failed to create %s: %w", kind, err)
}

// getError classifies a single-row lookup failure.
func getError(kind, id string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return engine.NewNotFoundError(fmt.Sprintf("%s not found: %s", kind, id), err).WithResource(id)
	}
	return fmt.Errorf("failed to get %s: %w", kind, err)
}

func notFound(kind, id string) error {
	return engine.NewNotFoundError(fmt.Sprintf("%s not found: %s", kind, id), nil).WithResource(id)
}

// scanner is implemented by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// placeholders returns n comma-separated ? placeholders.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
