// Package storage defines the backend-agnostic destination interface for the
// ingest engine, plus the registry concrete backends install themselves into.
package storage

import (
	"context"
	"fmt"
	"sync"
)

// Config selects and configures a backend.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is
//     backend-specific.
type Config struct {
	Kind string
	DSN  string
}

// SetRow is one reference-table row describing a card set.
type SetRow struct {
	Code       string
	Name       string
	ReleasedAt string // ISO date as published, empty when unknown
	CardCount  int64
}

// CardRow is one primary-table row.
type CardRow struct {
	ID         string
	Name       string
	SetCode    string
	Rarity     string
	ReleasedAt string
}

// CardTagRow is one dependent row: a tag attached to a card.
type CardTagRow struct {
	CardID string
	Tag    string
}

// CardFaceRow is one dependent row: a face of a multi-face card.
type CardFaceRow struct {
	CardID   string
	Position int
	Name     string
	Text     string
}

// RulingRow is one secondary-dataset row.
type RulingRow struct {
	ID          string
	CardID      string
	PublishedAt string
	Comment     string
}

// Store is the transactional destination interface.
//
// IMPORTANT: the interface is intentionally minimal and shaped by what the
// loader needs. Each backend implements the semantics in its own idiomatic
// way (Postgres ON CONFLICT, SQLite ON CONFLICT DO UPDATE, SQL Server
// IF EXISTS update-else-insert).
type Store interface {
	// Close releases backend resources. Treat as call-once at shutdown.
	Close()

	// EnsureSchema creates tables and constraints as needed, with
	// create-if-not-exists semantics.
	EnsureSchema(ctx context.Context) error

	// UpsertSets writes reference rows, latest wins on conflict.
	UpsertSets(ctx context.Context, sets []SetRow) error

	// UpsertCardBatch commits one batch in a single transaction: upsert the
	// cards, delete all dependent rows for the touched card IDs, insert the
	// new dependents. After commit each card's dependents exactly reflect
	// this batch's decoded records.
	UpsertCardBatch(ctx context.Context, cards []CardRow, tags []CardTagRow, faces []CardFaceRow) error

	// UpsertRulings writes secondary rows, latest wins on conflict.
	UpsertRulings(ctx context.Context, rulings []RulingRow) error

	// ReplaceTags rebuilds the derived tag catalog: truncate then insert,
	// one transaction.
	ReplaceTags(ctx context.Context, tags []string) error
}

type factory func(ctx context.Context, cfg Config) (Store, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register installs a backend factory under a kind (e.g. "postgres",
// "sqlite"). Call from an init() in the backend package.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered. Fail fast rather than allow ambiguous
//     backend selection.
func Register(kind string, f factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// New constructs a Store using the registered factory for cfg.Kind.
//
// Errors:
//   - If cfg.Kind is empty or not registered.
//   - Whatever the factory returns.
func New(ctx context.Context, cfg Config) (Store, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing storage.kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage.kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}

// Kinds returns the registered backend kinds, for error messages and flag
// help text.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()

	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	return out
}
