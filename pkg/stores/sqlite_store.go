package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	// Every connection to :memory: is a separate database.
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 1
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	return &SQLiteStore{cfg: cfg}, nil
}

func (s *SQLiteStore) dsn() string {
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)", s.cfg.Path, s.cfg.BusyTimeout.Milliseconds())
	if s.cfg.Path != MemoryPath {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}
	return dsn
}

// Init opens the database, creating its directory if needed.
func (s *SQLiteStore) Init(ctx context.Context) error {
	if s.cfg.Path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(s.cfg.Path), 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", s.dsn())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// RecordAttempt inserts an attempt, replacing any row with the same ID.
func (s *SQLiteStore) RecordAttempt(ctx context.Context, a *Attempt) error {
	if a.ID == "" {
		return fmt.Errorf("attempt ID is required")
	}

	query := `
		INSERT OR REPLACE INTO attempts (
			id, package_path, api_version, retry, exit_code, error_code, cause_code,
			retry_requested, result, error_message, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		a.ID,
		a.PackagePath,
		a.Version,
		a.Retry,
		a.ExitCode,
		a.ErrorCode,
		a.CauseCode,
		a.RetryRequested,
		a.Result,
		a.ErrorMessage,
		a.StartedAt.UnixMilli(),
		a.FinishedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}

	return nil
}

const attemptColumns = `id, package_path, api_version, retry, exit_code, error_code, cause_code,
	retry_requested, result, error_message, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row rowScanner) (*Attempt, error) {
	a := &Attempt{}
	var startedAt, finishedAt int64
	err := row.Scan(
		&a.ID,
		&a.PackagePath,
		&a.Version,
		&a.Retry,
		&a.ExitCode,
		&a.ErrorCode,
		&a.CauseCode,
		&a.RetryRequested,
		&a.Result,
		&a.ErrorMessage,
		&startedAt,
		&finishedAt,
	)
	if err != nil {
		return nil, err
	}
	a.StartedAt = time.UnixMilli(startedAt).UTC()
	a.FinishedAt = time.UnixMilli(finishedAt).UTC()
	return a, nil
}

// GetAttempt retrieves an attempt by ID.
func (s *SQLiteStore) GetAttempt(ctx context.Context, id string) (*Attempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM attempts WHERE id = ?`

	a, err := scanAttempt(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get attempt: %w", err)
	}
	return a, nil
}

// ListAttempts lists the most recent attempts, newest first.
func (s *SQLiteStore) ListAttempts(ctx context.Context, limit int) ([]*Attempt, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + attemptColumns + ` FROM attempts ORDER BY started_at DESC, rowid DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer rows.Close()

	attempts := []*Attempt{}
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate attempts: %w", err)
	}
	return attempts, nil
}

// LastAttempt returns the most recent attempt for a package.
func (s *SQLiteStore) LastAttempt(ctx context.Context, packagePath string) (*Attempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM attempts WHERE package_path = ?
		ORDER BY started_at DESC, rowid DESC LIMIT 1`

	a, err := scanAttempt(s.db.QueryRowContext(ctx, query, packagePath))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no attempts for %s", ErrNotFound, packagePath)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last attempt: %w", err)
	}
	return a, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}
