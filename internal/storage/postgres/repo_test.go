package postgres

import (
	"context"
	"errors"
	"strings"
	"testing"

	"xmlflat/internal/storage"
)

type fakeExec struct {
	queries []string
	args    [][]any
	err     error
}

func (f *fakeExec) Exec(_ context.Context, sql string, args ...any) (int64, error) {
	f.queries = append(f.queries, sql)
	f.args = append(f.args, args)
	if f.err != nil {
		return 0, f.err
	}
	if strings.HasPrefix(sql, "INSERT") {
		return int64(len(args)), nil
	}
	return 0, nil
}

func TestBuildCreateSQL_QualifiedWithUnique(t *testing.T) {
	t.Parallel()

	spec := storage.TableSpec{
		Name:    "staging.employee",
		Columns: []storage.ColumnSpec{{Name: "id"}, {Name: "row_hash", Key: true}},
		Unique:  []string{"row_hash"},
	}
	schemaSQL, tableSQL, err := buildCreateSQL(spec)
	if err != nil {
		t.Fatalf("buildCreateSQL: %v", err)
	}
	if schemaSQL != `CREATE SCHEMA IF NOT EXISTS "staging";` {
		t.Fatalf("schemaSQL got=%q", schemaSQL)
	}
	for _, want := range []string{
		`CREATE TABLE IF NOT EXISTS "staging"."employee"`,
		`"id" TEXT`,
		`"row_hash" VARCHAR(64) NOT NULL`,
		`UNIQUE ("row_hash")`,
	} {
		if !strings.Contains(tableSQL, want) {
			t.Fatalf("tableSQL missing %q:\n%s", want, tableSQL)
		}
	}
}

func TestBuildCreateSQL_UnqualifiedHasNoSchema(t *testing.T) {
	t.Parallel()

	schemaSQL, tableSQL, err := buildCreateSQL(storage.TableSpec{Name: "address", Columns: []storage.ColumnSpec{{Name: "city"}}})
	if err != nil {
		t.Fatalf("buildCreateSQL: %v", err)
	}
	if schemaSQL != "" {
		t.Fatalf("expected no schema statement, got %q", schemaSQL)
	}
	if strings.Contains(tableSQL, "UNIQUE") {
		t.Fatalf("unexpected UNIQUE: %s", tableSQL)
	}
	if _, _, err := buildCreateSQL(storage.TableSpec{Name: "x"}); err == nil {
		t.Fatalf("expected error for a table without columns")
	}
}

func TestBuildInsertSQL_PlaceholdersAndConflict(t *testing.T) {
	t.Parallel()

	q, args := buildInsertSQL("public.emp", []string{"id", "row_hash"}, [][]any{{"1", "h1"}, {"2", "h2"}}, []string{"row_hash"})
	want := `INSERT INTO "public"."emp" ("id", "row_hash") VALUES ($1, $2), ($3, $4) ON CONFLICT ("row_hash") DO NOTHING;`
	if q != want {
		t.Fatalf("got=%s\nwant=%s", q, want)
	}
	if len(args) != 4 || args[2] != "2" {
		t.Fatalf("args got=%v", args)
	}

	q, _ = buildInsertSQL("emp", []string{"id"}, [][]any{{"1"}}, nil)
	if strings.Contains(q, "ON CONFLICT") {
		t.Fatalf("unexpected conflict clause: %s", q)
	}
}

func TestBuildAddColumnsSQL(t *testing.T) {
	t.Parallel()

	got := buildAddColumnsSQL("s.t", []string{"a", "b"})
	want := `ALTER TABLE "s"."t" ADD COLUMN IF NOT EXISTS "a" TEXT, ADD COLUMN IF NOT EXISTS "b" TEXT;`
	if got != want {
		t.Fatalf("got=%s want=%s", got, want)
	}
}

func TestPgIdent_EscapesQuotes(t *testing.T) {
	t.Parallel()

	if got := pgIdent(`a"b`); got != `"a""b"` {
		t.Fatalf("got=%s", got)
	}
}

func TestRepo_InsertRowsChunks(t *testing.T) {
	t.Parallel()

	fe := &fakeExec{}
	r := &Repo{db: fe}
	columns := make([]string, 40000)
	for i := range columns {
		columns[i] = "c"
	}
	rows := [][]any{make([]any, 40000), make([]any, 40000), make([]any, 40000)}

	n, err := r.InsertRows(context.Background(), "t", columns, rows, nil)
	if err != nil {
		t.Fatalf("InsertRows: %v", err)
	}
	if len(fe.queries) != 3 {
		t.Fatalf("statements got=%d want=3", len(fe.queries))
	}
	if n != 120000 {
		t.Fatalf("n got=%d want=120000", n)
	}
}

func TestRepo_EnsureTableAndErrors(t *testing.T) {
	t.Parallel()

	fe := &fakeExec{}
	r := &Repo{db: fe}
	spec := storage.TableSpec{Name: "s.t", Columns: []storage.ColumnSpec{{Name: "a"}}}
	if err := r.EnsureTable(context.Background(), spec); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}
	if len(fe.queries) != 2 {
		t.Fatalf("statements got=%d want=2", len(fe.queries))
	}

	boom := errors.New("boom")
	fe = &fakeExec{err: boom}
	r = &Repo{db: fe}
	if err := r.AddColumns(context.Background(), "t", []string{"x"}); !errors.Is(err, boom) {
		t.Fatalf("AddColumns err=%v want wrapped boom", err)
	}
	if err := r.AddColumns(context.Background(), "t", nil); err != nil {
		t.Fatalf("AddColumns(nil) err=%v", err)
	}
}
