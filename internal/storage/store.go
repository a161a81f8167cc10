package storage

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Store is the durable store (C1). It wraps a single *gorm.DB; every
// repository method that mutates more than one table opens its own
// transaction rather than relying on the caller to remember to.
type Store struct {
	db  *gorm.DB
	log log.Logger
}

// Open connects to Postgres via gorm.io/driver/postgres (which in turn
// uses jackc/pgx/v5 as its driver) and runs the schema migration.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	if err := Migrate(db); err != nil {
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return &Store{db: db.WithContext(ctx), log: log.New("component", "storage")}, nil
}

// NewWithDB wraps an already-open *gorm.DB, used by tests against a
// sqlite or dockertest postgres instance.
func NewWithDB(db *gorm.DB) *Store {
	return &Store{db: db, log: log.New("component", "storage")}
}

// DB exposes the underlying handle for repositories in this package;
// kept unexported-adjacent (capital only because repositories live in
// the same package across multiple files).
func (s *Store) DB() *gorm.DB { return s.db }

// WithTx runs fn inside a single database transaction, matching the
// "transactional boundaries these subsystems share through durable
// state" requirement from spec.md §1.
func (s *Store) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
