// Package migrate applies the embedded Postgres schema with golang-migrate.
package migrate

import (
	"embed"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const defaultMigrationsTable = "schema_migrations"

//go:embed sql/*.sql
var migrationsFS embed.FS

// Manager executes the embedded SQL migrations.
type Manager struct {
	m               *migrate.Migrate
	logger          *zap.Logger
	migrationsTable string
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable overrides the default migrations bookkeeping table.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrationsTable = name
		}
	}
}

// WithLogger sets the logger used to report progress.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// Source returns the embedded migrations as a golang-migrate source.
func Source() (source.Driver, error) {
	return iofs.New(migrationsFS, "sql")
}

// NewManager constructs a Manager for a postgres:// DSN.
func NewManager(dsn string, opts ...Option) (*Manager, error) {
	mgr := &Manager{logger: zap.NewNop(), migrationsTable: defaultMigrationsTable}
	for _, opt := range opts {
		opt(mgr)
	}
	dbURL, err := DatabaseURL(dsn, mgr.migrationsTable)
	if err != nil {
		return nil, err
	}
	src, err := Source()
	if err != nil {
		return nil, fmt.Errorf("migrations source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dbURL)
	if err != nil {
		return nil, fmt.Errorf("init migrations: %w", err)
	}
	mgr.m = m
	return mgr, nil
}

// DatabaseURL rewrites a postgres URL DSN into the pgx5 scheme golang-migrate expects.
func DatabaseURL(dsn, migrationsTable string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(dsn))
	if err != nil {
		return "", fmt.Errorf("parse dsn: %w", err)
	}
	switch u.Scheme {
	case "postgres", "postgresql", "pgx5":
	default:
		return "", fmt.Errorf("dsn must be a postgres:// URL, got scheme %q", u.Scheme)
	}
	u.Scheme = "pgx5"
	if migrationsTable != "" && migrationsTable != defaultMigrationsTable {
		q := u.Query()
		q.Set("x-migrations-table", migrationsTable)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Up applies all pending migrations.
func (m *Manager) Up() error {
	err := m.m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		m.logger.Info("no migrations to apply")
		return nil
	}
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	version, dirty, _ := m.m.Version()
	m.logger.Info("migrations applied", zap.Uint("version", version), zap.Bool("dirty", dirty))
	return nil
}

// Down rolls back the most recent applied migration.
func (m *Manager) Down() error {
	err := m.m.Steps(-1)
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("rollback migration: %w", err)
	}
	return nil
}

// Status returns the applied version; ok is false on a fresh database.
func (m *Manager) Status() (version uint, dirty bool, ok bool, err error) {
	version, dirty, err = m.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, false, nil
	}
	if err != nil {
		return 0, false, false, err
	}
	return version, dirty, true, nil
}

// Close releases the source and database handles.
func (m *Manager) Close() error {
	srcErr, dbErr := m.m.Close()
	return multierr.Combine(srcErr, dbErr)
}
