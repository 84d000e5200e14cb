package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// Predefined errors for store operations
var (
	ErrRawRecordNotFound     = errors.New("store: raw record not found")
	ErrProductNotFound       = errors.New("store: product not found")
	ErrProductSourceNotFound = errors.New("store: product source not found")
	ErrPerformerNotFound     = errors.New("store: performer not found")
	ErrUpdateFailed          = errors.New("store: update failed, 0 rows affected")
)

// PostgresStore implements every *Storer interface of this package on PostgreSQL.
// The *sql.DB handle is injected; the store never opens connections itself.
type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
}

var (
	_ RawRecordStorer = (*PostgresStore)(nil)
	_ CatalogStorer   = (*PostgresStore)(nil)
	_ DimensionStorer = (*PostgresStore)(nil)
	_ SaleStorer      = (*PostgresStore)(nil)
	_ IdentityStorer  = (*PostgresStore)(nil)
)

// NewPostgresStore creates a new PostgresStore instance.
func NewPostgresStore(db *sql.DB, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{db: db, logger: logger}
}

// Ping verifies the storage connection is live.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("store: ping failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.db == nil {
		return nil
	}
	s.logger.Info("closing database connection pool")
	if err := s.db.Close(); err != nil {
		s.logger.Error("failed to close database connection pool", zap.Error(err))
		return err
	}
	return nil
}

// withTx runs fn inside a transaction, rolling back on any error.
func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("transaction rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit transaction: %w", err)
	}
	return nil
}

// IsUniqueViolation reports a 23505 unique_violation from PostgreSQL.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// IsTransient reports whether err is a connectivity or serialization failure
// worth retrying. Constraint violations are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		switch {
		case strings.HasPrefix(code, "08"): // connection_exception class
			return true
		case code == "40001", code == "40P01", code == "57P01", code == "57P03":
			return true
		}
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
