// Package testutil provides an in-memory database and stores that
// satisfy the service-layer store interfaces. Transactions are
// serialized by a single mutex and roll back by restoring snapshots, so
// service tests exercise real commit/rollback behavior without
// Postgres.
package testutil

import (
	"context"
	"sync"

	"github.com/pesaloop/pesaloop-backend/internal/repository"
)

// snapshotter is implemented by every in-memory store registered with
// MemDB.
type snapshotter interface {
	snapshot() func()
}

type MemDB struct {
	mu     sync.Mutex
	stores []snapshotter
}

func NewMemDB(stores ...snapshotter) *MemDB {
	return &MemDB{stores: stores}
}

func (d *MemDB) BeginTx(_ context.Context) (repository.Tx, error) {
	d.mu.Lock()

	restores := make([]func(), 0, len(d.stores))
	for _, store := range d.stores {
		restores = append(restores, store.snapshot())
	}
	return &memTx{db: d, restores: restores}, nil
}

type memTx struct {
	db       *MemDB
	restores []func()
	done     bool
}

func (t *memTx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	t.db.mu.Unlock()
	return nil
}

func (t *memTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	for i := len(t.restores) - 1; i >= 0; i-- {
		t.restores[i]()
	}
	t.db.mu.Unlock()
	return nil
}
