// Package sqlite implements the destination store on SQLite via
// modernc.org/sqlite (pure Go, no cgo).
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sqlitelib "modernc.org/sqlite"

	"ingest/internal/storage"
)

func init() {
	storage.Register("sqlite", New)
}

// Store implements storage.Store for SQLite.
//
// Key design points vs Postgres:
//   - SQLite takes a single writer at a time; SQLITE_BUSY and SQLITE_LOCKED
//     are normal under contention and classified transient so the loader
//     retries the batch.
//   - Dates are stored as TEXT (the artifact's ISO strings) for reliable
//     round-trips and easy debugging.
type Store struct {
	db *sql.DB
}

// New creates a SQLite-backed store. The DSN is a file path or file: URI.
func New(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() { _ = s.db.Close() }

var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS sets (
		code TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		released_at TEXT,
		card_count INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS cards (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		set_code TEXT,
		rarity TEXT,
		released_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS card_tags (
		card_id TEXT NOT NULL,
		tag TEXT NOT NULL,
		PRIMARY KEY (card_id, tag)
	)`,
	`CREATE TABLE IF NOT EXISTS card_faces (
		card_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		name TEXT,
		face_text TEXT,
		PRIMARY KEY (card_id, position)
	)`,
	`CREATE TABLE IF NOT EXISTS rulings (
		id TEXT PRIMARY KEY,
		card_id TEXT,
		published_at TEXT,
		comment TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS tags (
		tag TEXT PRIMARY KEY
	)`,
}

// EnsureSchema creates the destination tables when absent. Idempotent, runs
// at every startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, ddl := range schemaDDL {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return classify(fmt.Errorf("sqlite: ensure schema: %w", err))
		}
	}
	return nil
}

func (s *Store) UpsertSets(ctx context.Context, sets []storage.SetRow) error {
	if len(sets) == 0 {
		return nil
	}
	rows := make([][]any, len(sets))
	for i, r := range sets {
		rows[i] = []any{r.Code, r.Name, nullable(r.ReleasedAt), r.CardCount}
	}
	stmt := buildUpsert("sets", []string{"code", "name", "released_at", "card_count"}, []string{"code"})
	if err := execRows(ctx, s.db, stmt, rows); err != nil {
		return classify(fmt.Errorf("sqlite: upsert sets: %w", err))
	}
	return nil
}

func (s *Store) UpsertCardBatch(ctx context.Context, cards []storage.CardRow, tags []storage.CardTagRow, faces []storage.CardFaceRow) error {
	if len(cards) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("sqlite: begin: %w", err))
	}
	defer tx.Rollback()

	cardStmt := buildUpsert("cards", []string{"id", "name", "set_code", "rarity", "released_at"}, []string{"id"})
	ids := make([]any, len(cards))
	for i, c := range cards {
		ids[i] = c.ID
		if _, err := tx.ExecContext(ctx, cardStmt, c.ID, c.Name, nullable(c.SetCode), nullable(c.Rarity), nullable(c.ReleasedAt)); err != nil {
			return classify(fmt.Errorf("sqlite: upsert card %s: %w", c.ID, err))
		}
	}

	deleteStmt := "WHERE card_id IN (" + placeholders(len(ids)) + ")"
	for _, table := range []string{"card_tags", "card_faces"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+sqlIdent(table)+" "+deleteStmt, ids...); err != nil {
			return classify(fmt.Errorf("sqlite: clear %s: %w", table, err))
		}
	}

	tagStmt := buildInsert("card_tags", []string{"card_id", "tag"})
	for _, t := range tags {
		if _, err := tx.ExecContext(ctx, tagStmt, t.CardID, t.Tag); err != nil {
			return classify(fmt.Errorf("sqlite: insert card_tags: %w", err))
		}
	}
	faceStmt := buildInsert("card_faces", []string{"card_id", "position", "name", "face_text"})
	for _, f := range faces {
		if _, err := tx.ExecContext(ctx, faceStmt, f.CardID, f.Position, nullable(f.Name), nullable(f.Text)); err != nil {
			return classify(fmt.Errorf("sqlite: insert card_faces: %w", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("sqlite: commit: %w", err))
	}
	return nil
}

func (s *Store) UpsertRulings(ctx context.Context, rulings []storage.RulingRow) error {
	if len(rulings) == 0 {
		return nil
	}
	rows := make([][]any, len(rulings))
	for i, r := range rulings {
		rows[i] = []any{r.ID, nullable(r.CardID), nullable(r.PublishedAt), r.Comment}
	}
	stmt := buildUpsert("rulings", []string{"id", "card_id", "published_at", "comment"}, []string{"id"})
	if err := execRows(ctx, s.db, stmt, rows); err != nil {
		return classify(fmt.Errorf("sqlite: upsert rulings: %w", err))
	}
	return nil
}

func (s *Store) ReplaceTags(ctx context.Context, tags []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("sqlite: begin: %w", err))
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM tags"); err != nil {
		return classify(fmt.Errorf("sqlite: clear tags: %w", err))
	}
	stmt := buildInsert("tags", []string{"tag"})
	for _, t := range tags {
		if _, err := tx.ExecContext(ctx, stmt, t); err != nil {
			return classify(fmt.Errorf("sqlite: insert tag: %w", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("sqlite: commit: %w", err))
	}
	return nil
}

func execRows(ctx context.Context, db *sql.DB, stmt string, rows [][]any) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, row := range rows {
		if _, err := tx.ExecContext(ctx, stmt, row...); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// buildInsert builds a single-row INSERT with ? placeholders. SQLite gains
// little from multi-row VALUES inside one transaction, so rows are executed
// one statement at a time.
func buildInsert(table string, columns []string) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(sqlIdent(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(sqlIdent(c))
	}
	b.WriteString(") VALUES (")
	b.WriteString(placeholders(len(columns)))
	b.WriteString(")")
	return b.String()
}

// buildUpsert appends ON CONFLICT ... DO UPDATE over the non-conflict
// columns. Requires a UNIQUE or PK constraint on the conflict columns.
func buildUpsert(table string, columns []string, conflict []string) string {
	var b strings.Builder
	b.WriteString(buildInsert(table, columns))
	b.WriteString(" ON CONFLICT (")
	for i, c := range conflict {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(sqlIdent(c))
	}
	b.WriteString(") DO UPDATE SET ")

	isConflict := map[string]bool{}
	for _, c := range conflict {
		isConflict[c] = true
	}
	first := true
	for _, c := range columns {
		if isConflict[c] {
			continue
		}
		if !first {
			b.WriteString(", ")
		}
		first = false
		b.WriteString(sqlIdent(c))
		b.WriteString(" = excluded.")
		b.WriteString(sqlIdent(c))
	}
	return b.String()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func sqlIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// classify marks SQLITE_BUSY and SQLITE_LOCKED as transient. The low byte of
// the extended result code carries the primary code.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var serr *sqlitelib.Error
	if errors.As(err, &serr) {
		switch serr.Code() & 0xff {
		case 5, 6: // SQLITE_BUSY, SQLITE_LOCKED
			return storage.MarkTransient(err)
		}
	}
	return err
}
