// Package pg is the Postgres implementation of the organization mapping store.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"meshgate.org/internal/mapping"
)

type Store struct {
	db *sql.DB
}

var _ mapping.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; mapping lookups are short and read-heavy
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db), nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Get(ctx context.Context, orgID string, family mapping.Family) (string, error) {
	var backendID string
	err := s.db.QueryRowContext(ctx,
		`select backend_id from org_mappings where org_id=$1 and family=$2`,
		orgID, string(family),
	).Scan(&backendID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", mapping.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return backendID, nil
}

// PutIfAbsent inserts every family in one transaction; any existing row
// aborts the whole write.
func (s *Store) PutIfAbsent(ctx context.Context, m mapping.Mapping) error {
	if err := m.Validate(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, family := range mapping.Families {
		backendID, ok := m.Backends[family]
		if !ok {
			continue
		}
		res, err := tx.ExecContext(ctx, `
			insert into org_mappings(org_id, family, backend_id, created_at)
			values ($1, $2, $3, now())
			on conflict (org_id, family) do nothing
		`, m.OrgID, string(family), backendID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: organization %s (%s)", mapping.ErrExists, m.OrgID, family)
		}
	}
	return tx.Commit()
}

// Put replaces all families of the organization.
func (s *Store) Put(ctx context.Context, m mapping.Mapping) error {
	if err := m.Validate(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `delete from org_mappings where org_id=$1`, m.OrgID); err != nil {
		return err
	}
	for _, family := range mapping.Families {
		backendID, ok := m.Backends[family]
		if !ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			insert into org_mappings(org_id, family, backend_id, created_at)
			values ($1, $2, $3, now())
		`, m.OrgID, string(family), backendID); err != nil {
			return err
		}
	}
	return tx.Commit()
}
