package mssql

import (
	"errors"
	"strings"
	"testing"

	mssqldb "github.com/microsoft/go-mssqldb"

	"ingest/internal/storage"
)

func TestBuildUpsert_SingleKey(t *testing.T) {
	got := buildUpsert("cards", []string{"id", "name", "rarity"}, []string{"id"})

	want := "IF EXISTS (SELECT 1 FROM [cards] WHERE [id] = @p1) " +
		"UPDATE [cards] SET [name] = @p2, [rarity] = @p3 WHERE [id] = @p1 " +
		"ELSE INSERT INTO [cards] ([id], [name], [rarity]) VALUES (@p1, @p2, @p3)"
	if got != want {
		t.Fatalf("buildUpsert =\n%q\nwant\n%q", got, want)
	}
}

func TestBuildUpsert_CompositeKey(t *testing.T) {
	got := buildUpsert("card_faces", []string{"card_id", "position", "name"}, []string{"card_id", "position"})

	if !strings.Contains(got, "WHERE [card_id] = @p1 AND [position] = @p2") {
		t.Fatalf("composite key WHERE missing: %q", got)
	}
	if !strings.Contains(got, "UPDATE [card_faces] SET [name] = @p3") {
		t.Fatalf("update branch wrong: %q", got)
	}
}

func TestBuildInsert(t *testing.T) {
	got := buildInsert("card_tags", []string{"card_id", "tag"})
	want := "INSERT INTO [card_tags] ([card_id], [tag]) VALUES (@p1, @p2)"
	if got != want {
		t.Fatalf("buildInsert = %q", got)
	}
}

func TestWrapCreateIfMissing(t *testing.T) {
	got := wrapCreateIfMissing("tags", "tag nvarchar(128) NOT NULL PRIMARY KEY")
	if !strings.HasPrefix(got, "IF OBJECT_ID(N'tags', N'U') IS NULL BEGIN CREATE TABLE [tags] (") {
		t.Fatalf("guard missing: %q", got)
	}
	if !strings.HasSuffix(got, "); END;") {
		t.Fatalf("guard not closed: %q", got)
	}
}

func TestChunkArgs(t *testing.T) {
	args := make([]any, 2500)
	chunks := chunkArgs(args, 1000)
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	if len(chunks[0]) != 1000 || len(chunks[2]) != 500 {
		t.Fatalf("chunk sizes = %d/%d/%d", len(chunks[0]), len(chunks[1]), len(chunks[2]))
	}
	if got := chunkArgs(nil, 1000); got != nil {
		t.Fatalf("chunkArgs(nil) = %v, want nil", got)
	}
}

func TestMsIdent(t *testing.T) {
	if got := msIdent("card_tags"); got != "[card_tags]" {
		t.Fatalf("msIdent = %q", got)
	}
	if got := msIdent("we]ird"); got != "[we]]ird]" {
		t.Fatalf("msIdent = %q", got)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		number    int32
		transient bool
	}{
		{name: "deadlock", number: 1205, transient: true},
		{name: "lock_timeout", number: 1222, transient: true},
		{name: "connection_reset", number: 10054, transient: true},
		{name: "constraint_violation", number: 2627, transient: false},
		{name: "syntax_error", number: 102, transient: false},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			err := classify(mssqldb.Error{Number: tc.number})
			if storage.IsTransient(err) != tc.transient {
				t.Fatalf("IsTransient(number=%d) = %v, want %v", tc.number, !tc.transient, tc.transient)
			}
		})
	}

	if classify(nil) != nil {
		t.Fatal("classify(nil) != nil")
	}
	if storage.IsTransient(classify(errors.New("plain"))) {
		t.Fatal("plain error classified transient")
	}
}

func TestPlaceholders(t *testing.T) {
	if got := placeholders(3); got != "@p1, @p2, @p3" {
		t.Fatalf("placeholders(3) = %q", got)
	}
}
