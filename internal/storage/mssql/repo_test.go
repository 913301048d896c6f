package mssql

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	"xmlflat/internal/storage"
)

type fakeResult int64

func (r fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r fakeResult) RowsAffected() (int64, error) { return int64(r), nil }

type fakeDB struct {
	queries []string
	args    [][]any
	columns int
}

func (f *fakeDB) ExecContext(_ context.Context, q string, args ...any) (sql.Result, error) {
	f.queries = append(f.queries, q)
	f.args = append(f.args, args)
	if f.columns > 0 {
		return fakeResult(len(args) / f.columns), nil
	}
	return fakeResult(0), nil
}

func (f *fakeDB) Close() error { return nil }

func TestBuildInsertNotExistsSQL(t *testing.T) {
	t.Parallel()

	q, args := buildInsertNotExistsSQL("dbo.emp", []string{"id", "row_hash"}, [][]any{{"1", "h1"}, {"2", "h2"}}, []string{"row_hash"})
	want := "INSERT INTO [dbo].[emp] ([id], [row_hash]) SELECT v.[id], v.[row_hash] FROM (VALUES (@p1, @p2), (@p3, @p4)) AS v([id], [row_hash]) WHERE NOT EXISTS (SELECT 1 FROM [dbo].[emp] t WHERE t.[row_hash] = v.[row_hash]);"
	if q != want {
		t.Fatalf("got=%s\nwant=%s", q, want)
	}
	if len(args) != 4 {
		t.Fatalf("args got=%d want=4", len(args))
	}
}

func TestBuildBulkInsertSQL(t *testing.T) {
	t.Parallel()

	q, _ := buildBulkInsertSQL("emp", []string{"a"}, [][]any{{"x"}, {"y"}})
	if q != "INSERT INTO [emp] ([a]) VALUES (@p1), (@p2);" {
		t.Fatalf("got=%s", q)
	}
}

func TestBuildCreateSQL(t *testing.T) {
	t.Parallel()

	stmts, err := buildCreateSQL(storage.TableSpec{
		Name:    "stage.emp",
		Columns: []storage.ColumnSpec{{Name: "name"}, {Name: "row_hash", Key: true}},
		Unique:  []string{"row_hash"},
	})
	if err != nil {
		t.Fatalf("buildCreateSQL: %v", err)
	}
	if len(stmts) != 2 {
		t.Fatalf("statements got=%d want=2", len(stmts))
	}
	if !strings.Contains(stmts[0], "SCHEMA_ID(N'stage')") || !strings.Contains(stmts[0], "CREATE SCHEMA [stage]") {
		t.Fatalf("schema statement: %s", stmts[0])
	}
	for _, want := range []string{
		"IF OBJECT_ID(N'stage.emp', N'U') IS NULL",
		"CREATE TABLE [stage].[emp]",
		"[name] NVARCHAR(MAX) NULL",
		"[row_hash] NVARCHAR(64) NOT NULL",
		"UNIQUE ([row_hash])",
	} {
		if !strings.Contains(stmts[1], want) {
			t.Fatalf("table statement missing %q:\n%s", want, stmts[1])
		}
	}
}

func TestBuildAddColumnSQL_Escapes(t *testing.T) {
	t.Parallel()

	got := buildAddColumnSQL("emp", "o'brien")
	want := "IF COL_LENGTH(N'emp', N'o''brien') IS NULL ALTER TABLE [emp] ADD [o'brien] NVARCHAR(MAX) NULL;"
	if got != want {
		t.Fatalf("got=%s\nwant=%s", got, want)
	}
}

func TestRepo_InsertRowsDedupesAndChunks(t *testing.T) {
	t.Parallel()

	db := &fakeDB{columns: 2}
	r := &Repo{db: db}
	rows := make([][]any, 0, 1500)
	for i := 0; i < 1500; i++ {
		rows = append(rows, []any{i, i % 1200})
	}

	n, err := r.InsertRows(context.Background(), "t", []string{"v", "row_hash"}, rows, []string{"row_hash"})
	if err != nil {
		t.Fatalf("InsertRows: %v", err)
	}
	// 1200 distinct hashes, 1000 rows per statement.
	if n != 1200 {
		t.Fatalf("n got=%d want=1200", n)
	}
	if len(db.queries) != 2 {
		t.Fatalf("statements got=%d want=2", len(db.queries))
	}
	if !strings.Contains(db.queries[0], "WHERE NOT EXISTS") {
		t.Fatalf("expected NOT EXISTS insert, got %s", db.queries[0])
	}
}

func TestRepo_InsertRowsMissingDedupeColumn(t *testing.T) {
	t.Parallel()

	r := &Repo{db: &fakeDB{}}
	if _, err := r.InsertRows(context.Background(), "t", []string{"a"}, [][]any{{1}}, []string{"missing"}); err == nil {
		t.Fatalf("expected error for missing dedupe column")
	}
}
