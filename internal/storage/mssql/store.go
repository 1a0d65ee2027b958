// Package mssql implements the destination store on Microsoft SQL Server.
//
// Upserts avoid MERGE on purpose: IF EXISTS / UPDATE / INSERT batches are
// simpler to reason about under concurrent writers and sidestep the
// well-known MERGE locking pitfalls.
package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strings"

	mssqldb "github.com/microsoft/go-mssqldb"

	"ingest/internal/storage"
)

func init() {
	storage.Register("mssql", New)
}

// Store implements storage.Store for SQL Server.
type Store struct {
	db *sql.DB
}

// New constructs a Store using the "sqlserver" driver and validates
// connectivity via PingContext.
func New(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	db, err := sql.Open("sqlserver", cfg.DSN)
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

var schemaDDL = []struct {
	table string
	body  string
}{
	{"sets", `code nvarchar(32) NOT NULL PRIMARY KEY,
		name nvarchar(256) NOT NULL,
		released_at nvarchar(32) NULL,
		card_count bigint NOT NULL DEFAULT 0`},
	{"cards", `id nvarchar(64) NOT NULL PRIMARY KEY,
		name nvarchar(256) NOT NULL,
		set_code nvarchar(32) NULL,
		rarity nvarchar(32) NULL,
		released_at nvarchar(32) NULL`},
	{"card_tags", `card_id nvarchar(64) NOT NULL,
		tag nvarchar(128) NOT NULL,
		CONSTRAINT pk_card_tags PRIMARY KEY (card_id, tag)`},
	{"card_faces", `card_id nvarchar(64) NOT NULL,
		position int NOT NULL,
		name nvarchar(256) NULL,
		face_text nvarchar(max) NULL,
		CONSTRAINT pk_card_faces PRIMARY KEY (card_id, position)`},
	{"rulings", `id nvarchar(64) NOT NULL PRIMARY KEY,
		card_id nvarchar(64) NULL,
		published_at nvarchar(32) NULL,
		comment nvarchar(max) NULL`},
	{"tags", `tag nvarchar(128) NOT NULL PRIMARY KEY`},
}

// EnsureSchema creates the destination tables behind OBJECT_ID guards, so
// startup stays idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, t := range schemaDDL {
		ddl := wrapCreateIfMissing(t.table, t.body)
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return classify(fmt.Errorf("mssql: ensure schema %s: %w", t.table, err))
		}
	}
	return nil
}

func (s *Store) UpsertSets(ctx context.Context, sets []storage.SetRow) error {
	if len(sets) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("mssql: begin: %w", err))
	}
	defer tx.Rollback()

	stmt := buildUpsert("sets", []string{"code", "name", "released_at", "card_count"}, []string{"code"})
	for _, r := range sets {
		if _, err := tx.ExecContext(ctx, stmt, r.Code, r.Name, nullable(r.ReleasedAt), r.CardCount); err != nil {
			return classify(fmt.Errorf("mssql: upsert set %s: %w", r.Code, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("mssql: commit: %w", err))
	}
	return nil
}

func (s *Store) UpsertCardBatch(ctx context.Context, cards []storage.CardRow, tags []storage.CardTagRow, faces []storage.CardFaceRow) error {
	if len(cards) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("mssql: begin: %w", err))
	}
	defer tx.Rollback()

	cardStmt := buildUpsert("cards", []string{"id", "name", "set_code", "rarity", "released_at"}, []string{"id"})
	ids := make([]any, len(cards))
	for i, c := range cards {
		ids[i] = c.ID
		if _, err := tx.ExecContext(ctx, cardStmt, c.ID, c.Name, nullable(c.SetCode), nullable(c.Rarity), nullable(c.ReleasedAt)); err != nil {
			return classify(fmt.Errorf("mssql: upsert card %s: %w", c.ID, err))
		}
	}

	// Key sets are chunked to stay well within SQL Server's 2100 parameter
	// limit.
	for _, table := range []string{"card_tags", "card_faces"} {
		for _, chunk := range chunkArgs(ids, 1000) {
			stmt := "DELETE FROM " + msIdent(table) + " WHERE card_id IN (" + placeholders(len(chunk)) + ")"
			if _, err := tx.ExecContext(ctx, stmt, chunk...); err != nil {
				return classify(fmt.Errorf("mssql: clear %s: %w", table, err))
			}
		}
	}

	tagStmt := buildInsert("card_tags", []string{"card_id", "tag"})
	for _, t := range tags {
		if _, err := tx.ExecContext(ctx, tagStmt, t.CardID, t.Tag); err != nil {
			return classify(fmt.Errorf("mssql: insert card_tags: %w", err))
		}
	}
	faceStmt := buildInsert("card_faces", []string{"card_id", "position", "name", "face_text"})
	for _, f := range faces {
		if _, err := tx.ExecContext(ctx, faceStmt, f.CardID, f.Position, nullable(f.Name), nullable(f.Text)); err != nil {
			return classify(fmt.Errorf("mssql: insert card_faces: %w", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("mssql: commit: %w", err))
	}
	return nil
}

func (s *Store) UpsertRulings(ctx context.Context, rulings []storage.RulingRow) error {
	if len(rulings) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("mssql: begin: %w", err))
	}
	defer tx.Rollback()

	stmt := buildUpsert("rulings", []string{"id", "card_id", "published_at", "comment"}, []string{"id"})
	for _, r := range rulings {
		if _, err := tx.ExecContext(ctx, stmt, r.ID, nullable(r.CardID), nullable(r.PublishedAt), r.Comment); err != nil {
			return classify(fmt.Errorf("mssql: upsert ruling %s: %w", r.ID, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("mssql: commit: %w", err))
	}
	return nil
}

func (s *Store) ReplaceTags(ctx context.Context, tags []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("mssql: begin: %w", err))
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM tags"); err != nil {
		return classify(fmt.Errorf("mssql: clear tags: %w", err))
	}
	stmt := buildInsert("tags", []string{"tag"})
	for _, t := range tags {
		if _, err := tx.ExecContext(ctx, stmt, t); err != nil {
			return classify(fmt.Errorf("mssql: insert tag: %w", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("mssql: commit: %w", err))
	}
	return nil
}

// buildUpsert emits an IF EXISTS / UPDATE / ELSE INSERT batch. Placeholders
// follow column order and are referenced from both branches, so each row
// needs exactly one parameter per column.
func buildUpsert(table string, columns []string, keys []string) string {
	isKey := map[string]bool{}
	for _, k := range keys {
		isKey[k] = true
	}
	pos := map[string]int{}
	for i, c := range columns {
		pos[c] = i + 1
	}

	var where strings.Builder
	for i, k := range keys {
		if i > 0 {
			where.WriteString(" AND ")
		}
		fmt.Fprintf(&where, "%s = @p%d", msIdent(k), pos[k])
	}

	var b strings.Builder
	fmt.Fprintf(&b, "IF EXISTS (SELECT 1 FROM %s WHERE %s) ", msIdent(table), where.String())

	fmt.Fprintf(&b, "UPDATE %s SET ", msIdent(table))
	first := true
	for _, c := range columns {
		if isKey[c] {
			continue
		}
		if !first {
			b.WriteString(", ")
		}
		first = false
		fmt.Fprintf(&b, "%s = @p%d", msIdent(c), pos[c])
	}
	fmt.Fprintf(&b, " WHERE %s ", where.String())

	fmt.Fprintf(&b, "ELSE INSERT INTO %s (", msIdent(table))
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(msIdent(c))
	}
	b.WriteString(") VALUES (")
	for i := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "@p%d", i+1)
	}
	b.WriteString(")")
	return b.String()
}

func buildInsert(table string, columns []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (", msIdent(table))
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(msIdent(c))
	}
	b.WriteString(") VALUES (")
	b.WriteString(placeholders(len(columns)))
	b.WriteString(")")
	return b.String()
}

// wrapCreateIfMissing wraps CREATE TABLE in an OBJECT_ID guard.
func wrapCreateIfMissing(table, body string) string {
	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		table, msIdent(table), body,
	)
}

func placeholders(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("@p%d", i+1)
	}
	return strings.Join(parts, ", ")
}

func chunkArgs(args []any, size int) [][]any {
	var out [][]any
	for len(args) > size {
		out = append(out, args[:size])
		args = args[size:]
	}
	if len(args) > 0 {
		out = append(out, args)
	}
	return out
}

func msIdent(id string) string {
	return "[" + strings.ReplaceAll(id, "]", "]]") + "]"
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// classify marks deadlocks, lock timeouts and connection drops as transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var serr mssqldb.Error
	if errors.As(err, &serr) {
		switch serr.Number {
		case 1205, // deadlock victim
			1222,  // lock request timeout
			233,   // transport-level: no process on other end of pipe
			10053, // transport-level: connection aborted
			10054: // transport-level: connection reset
			return storage.MarkTransient(err)
		}
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return storage.MarkTransient(err)
	}
	return err
}
