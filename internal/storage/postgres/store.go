// Package postgres implements the destination store on PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"ingest/internal/storage"
)

func init() {
	storage.Register("postgres", New)
}

// Store implements storage.Store for Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Postgres-backed store.
func New(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS sets (
		code text PRIMARY KEY,
		name text NOT NULL,
		released_at text,
		card_count bigint NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS cards (
		id text PRIMARY KEY,
		name text NOT NULL,
		set_code text,
		rarity text,
		released_at text
	)`,
	`CREATE TABLE IF NOT EXISTS card_tags (
		card_id text NOT NULL,
		tag text NOT NULL,
		PRIMARY KEY (card_id, tag)
	)`,
	`CREATE TABLE IF NOT EXISTS card_faces (
		card_id text NOT NULL,
		position integer NOT NULL,
		name text,
		face_text text,
		PRIMARY KEY (card_id, position)
	)`,
	`CREATE TABLE IF NOT EXISTS rulings (
		id text PRIMARY KEY,
		card_id text,
		published_at text,
		comment text
	)`,
	`CREATE TABLE IF NOT EXISTS tags (
		tag text PRIMARY KEY
	)`,
}

// EnsureSchema creates the destination tables when absent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, ddl := range schemaDDL {
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return classify(fmt.Errorf("postgres: ensure schema: %w", err))
		}
	}
	return nil
}

// UpsertSets writes reference rows, latest wins per set code.
func (s *Store) UpsertSets(ctx context.Context, sets []storage.SetRow) error {
	if len(sets) == 0 {
		return nil
	}
	rows := make([][]any, len(sets))
	for i, r := range sets {
		rows[i] = []any{r.Code, r.Name, nullable(r.ReleasedAt), r.CardCount}
	}
	sql, args := buildUpsert("sets", []string{"code", "name", "released_at", "card_count"}, []string{"code"}, rows)
	if _, err := s.pool.Exec(ctx, sql, args...); err != nil {
		return classify(fmt.Errorf("postgres: upsert sets: %w", err))
	}
	return nil
}

// UpsertCardBatch commits one fan-out batch in a single transaction. The
// dependent tables are rebuilt for exactly the card IDs in the batch, so a
// replayed batch converges to the same rows.
func (s *Store) UpsertCardBatch(ctx context.Context, cards []storage.CardRow, tags []storage.CardTagRow, faces []storage.CardFaceRow) error {
	if len(cards) == 0 {
		return nil
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return classify(fmt.Errorf("postgres: begin: %w", err))
	}
	defer tx.Rollback(ctx)

	cardRows := make([][]any, len(cards))
	ids := make([]string, len(cards))
	for i, c := range cards {
		cardRows[i] = []any{c.ID, c.Name, nullable(c.SetCode), nullable(c.Rarity), nullable(c.ReleasedAt)}
		ids[i] = c.ID
	}
	sql, args := buildUpsert("cards", []string{"id", "name", "set_code", "rarity", "released_at"}, []string{"id"}, cardRows)
	if _, err := tx.Exec(ctx, sql, args...); err != nil {
		return classify(fmt.Errorf("postgres: upsert cards: %w", err))
	}

	for _, table := range []string{"card_tags", "card_faces"} {
		if _, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE card_id = ANY($1)", pgIdent(table)), ids); err != nil {
			return classify(fmt.Errorf("postgres: clear %s: %w", table, err))
		}
	}

	if len(tags) > 0 {
		rows := make([][]any, len(tags))
		for i, t := range tags {
			rows[i] = []any{t.CardID, t.Tag}
		}
		sql, args := buildInsert("card_tags", []string{"card_id", "tag"}, rows)
		if _, err := tx.Exec(ctx, sql, args...); err != nil {
			return classify(fmt.Errorf("postgres: insert card_tags: %w", err))
		}
	}
	if len(faces) > 0 {
		rows := make([][]any, len(faces))
		for i, f := range faces {
			rows[i] = []any{f.CardID, f.Position, nullable(f.Name), nullable(f.Text)}
		}
		sql, args := buildInsert("card_faces", []string{"card_id", "position", "name", "face_text"}, rows)
		if _, err := tx.Exec(ctx, sql, args...); err != nil {
			return classify(fmt.Errorf("postgres: insert card_faces: %w", err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("postgres: commit: %w", err))
	}
	return nil
}

// UpsertRulings writes secondary rows, latest wins per ruling ID.
func (s *Store) UpsertRulings(ctx context.Context, rulings []storage.RulingRow) error {
	if len(rulings) == 0 {
		return nil
	}
	rows := make([][]any, len(rulings))
	for i, r := range rulings {
		rows[i] = []any{r.ID, nullable(r.CardID), nullable(r.PublishedAt), r.Comment}
	}
	sql, args := buildUpsert("rulings", []string{"id", "card_id", "published_at", "comment"}, []string{"id"}, rows)
	if _, err := s.pool.Exec(ctx, sql, args...); err != nil {
		return classify(fmt.Errorf("postgres: upsert rulings: %w", err))
	}
	return nil
}

// ReplaceTags rebuilds the derived tag catalog: truncate then insert, one
// transaction.
func (s *Store) ReplaceTags(ctx context.Context, tags []string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return classify(fmt.Errorf("postgres: begin: %w", err))
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "TRUNCATE tags"); err != nil {
		return classify(fmt.Errorf("postgres: truncate tags: %w", err))
	}
	if len(tags) > 0 {
		rows := make([][]any, len(tags))
		for i, t := range tags {
			rows[i] = []any{t}
		}
		sql, args := buildInsert("tags", []string{"tag"}, rows)
		if _, err := tx.Exec(ctx, sql, args...); err != nil {
			return classify(fmt.Errorf("postgres: insert tags: %w", err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("postgres: commit: %w", err))
	}
	return nil
}

// buildInsert constructs a single multi-row INSERT and its args.
//
// It is pure and deterministic so placeholder numbering can be unit tested
// without a database.
func buildInsert(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgIdent(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}
	return b.String(), args
}

// buildUpsert extends buildInsert with ON CONFLICT ... DO UPDATE over the
// non-conflict columns.
func buildUpsert(table string, columns []string, conflict []string, rows [][]any) (string, []any) {
	sql, args := buildInsert(table, columns, rows)

	var b strings.Builder
	b.WriteString(sql)
	b.WriteString(" ON CONFLICT (")
	for i, c := range conflict {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
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
		b.WriteString(pgIdent(c))
		b.WriteString(" = EXCLUDED.")
		b.WriteString(pgIdent(c))
	}
	return b.String(), args
}

func pgIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// classify marks connection-level and concurrency errors as transient so the
// loader retries the batch instead of aborting the run.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if pgconn.SafeToRetry(err) {
		return storage.MarkTransient(err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001": // serialization_failure
			return storage.MarkTransient(err)
		case pgErr.Code == "40P01": // deadlock_detected
			return storage.MarkTransient(err)
		case strings.HasPrefix(pgErr.Code, "08"): // connection exceptions
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
