// Package engine is the mission state engine: the single mutation gateway.
// External callers never write entities directly; every mutation is
// validated, gated, persisted, and audited here before it is acknowledged.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"missionline/internal/config"
	"missionline/internal/events"
	"missionline/internal/registry"
	"missionline/internal/repo"
	"missionline/internal/snapshot"
)

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Registry  *registry.Registry
	Config    *config.Config
	Snapshots snapshot.Store
	Now       func() time.Time

	locks *lockTable
}

func New(db *sql.DB, cfg *config.Config, reg *registry.Registry, snaps snapshot.Store) Engine {
	return Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{DB: db},
		Registry:  reg,
		Config:    cfg,
		Snapshots: snaps,
		Now:       time.Now,
		locks:     newLockTable(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339)
}

// ready rejects use of a half-constructed engine.
func (e Engine) ready() error {
	if e.Config == nil || e.Registry == nil {
		return NewNotConfigured("engine config not loaded")
	}
	return nil
}

// lockTable serializes mutations per key: mission ids for entity mutations,
// idempotency keys for signal intake. Mutations under distinct keys proceed
// without mutual blocking; gate checks therefore always see a consistent
// per-mission snapshot.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*sync.Mutex)}
}

// lock acquires the mutex for a key and returns its unlock func.
func (t *lockTable) lock(key string) func() {
	t.mu.Lock()
	m, ok := t.locks[key]
	if !ok {
		m = &sync.Mutex{}
		t.locks[key] = m
	}
	t.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func marshalPayload(payload map[string]any) (*string, error) {
	if payload == nil {
		return nil, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// withTx runs fn inside a transaction, rolling back on error.
func (e Engine) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
