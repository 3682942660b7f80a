package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/pesaloop/pesaloop-backend/internal/domain"
)

type scanner interface {
	Scan(dest ...any) error
}

// Tx is the transaction handle services compose repository calls under.
type Tx interface {
	Commit() error
	Rollback() error
}

// Database begins transactions. Satisfied by DB and by the in-memory
// database used in tests.
type Database interface {
	BeginTx(ctx context.Context) (Tx, error)
}

type DB struct {
	pool *sql.DB
}

func NewDB(pool *sql.DB) *DB {
	return &DB{pool: pool}
}

func (d *DB) Conn() *sql.DB {
	return d.pool
}

func (d *DB) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := d.pool.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("BeginTx: %w", err)
	}
	return pgTx{tx}, nil
}

// pgTx surfaces serialization failures and deadlocks as
// domain.ErrConflict so callers can retry.
type pgTx struct {
	*sql.Tx
}

func (t pgTx) Commit() error {
	if err := t.Tx.Commit(); err != nil {
		return translate(err)
	}
	return nil
}

func sqlTx(tx Tx) (*sql.Tx, error) {
	switch v := tx.(type) {
	case pgTx:
		return v.Tx, nil
	case *sql.Tx:
		return v, nil
	default:
		return nil, fmt.Errorf("sqlTx: unsupported transaction type %T", tx)
	}
}

func translate(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %v", domain.ErrConflict, err)
		}
	}
	return err
}
