package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"xmlflat/internal/storage"
)

// maxParams stays under SQL Server's limit of 2100 parameters per request.
const maxParams = 2000

func init() {
	storage.Register("mssql", New)
}

// Repo implements storage.Repository for Microsoft SQL Server.
//
// Idempotent inserts use INSERT ... SELECT ... WHERE NOT EXISTS. Unlike
// Postgres ON CONFLICT, such a statement does not collapse duplicates inside
// its own VALUES list, so rows are deduplicated in memory first.
//
// This package does not import a driver; the "sqlserver" driver must be
// registered elsewhere (see storage/all).
type Repo struct {
	db dbConn
}

// New opens a Repo using database/sql and the "sqlserver" driver and checks
// connectivity.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}
	raw.SetMaxOpenConns(16)
	raw.SetMaxIdleConns(16)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return &Repo{db: &sqlDB{db: raw}}, nil
}

// Close releases database resources held by this repository.
func (r *Repo) Close() {
	if r == nil || r.db == nil {
		return
	}
	_ = r.db.Close()
}

// EnsureTable creates the schema and table when missing.
func (r *Repo) EnsureTable(ctx context.Context, t storage.TableSpec) error {
	stmts, err := buildCreateSQL(t)
	if err != nil {
		return err
	}
	for _, q := range stmts {
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("create table %s: %w", t.Name, err)
		}
	}
	return nil
}

// AddColumns adds NVARCHAR(MAX) columns guarded by COL_LENGTH checks.
func (r *Repo) AddColumns(ctx context.Context, table string, columns []string) error {
	for _, c := range columns {
		if _, err := r.db.ExecContext(ctx, buildAddColumnSQL(table, c)); err != nil {
			return fmt.Errorf("add column %s to %s: %w", c, table, err)
		}
	}
	return nil
}

// InsertRows inserts rows in chunks that respect the parameter limit.
func (r *Repo) InsertRows(ctx context.Context, table string, columns []string, rows [][]any, dedupeColumns []string) (int64, error) {
	if len(rows) == 0 || len(columns) == 0 {
		return 0, nil
	}
	rows, err := storage.DedupeRows(rows, columns, dedupeColumns)
	if err != nil {
		return 0, err
	}

	per := maxParams / len(columns)
	if per < 1 {
		return 0, fmt.Errorf("insert into %s: %d columns exceed the parameter limit", table, len(columns))
	}
	var total int64
	for start := 0; start < len(rows); start += per {
		end := start + per
		if end > len(rows) {
			end = len(rows)
		}
		part := rows[start:end]

		var (
			q    string
			args []any
		)
		if len(dedupeColumns) > 0 {
			q, args = buildInsertNotExistsSQL(table, columns, part, dedupeColumns)
		} else {
			q, args = buildBulkInsertSQL(table, columns, part)
		}
		res, err := r.db.ExecContext(ctx, q, args...)
		if err != nil {
			return total, fmt.Errorf("insert into %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// buildCreateSQL returns the schema and table statements. SQL Server has no
// IF NOT EXISTS for either, so both are wrapped in existence checks.
func buildCreateSQL(t storage.TableSpec) ([]string, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	var out []string
	if schema, _ := storage.SplitQualifiedName(t.Name); schema != "" {
		out = append(out, fmt.Sprintf(
			"IF SCHEMA_ID(N'%s') IS NULL EXEC(N'CREATE SCHEMA %s');",
			sqlString(schema), sqlString(mssqlIdent(schema))))
	}

	defs := make([]string, 0, len(t.Columns)+1)
	for _, c := range t.Columns {
		if c.Key {
			defs = append(defs, fmt.Sprintf("%s NVARCHAR(%d) NOT NULL", mssqlIdent(c.Name), storage.KeyLength))
			continue
		}
		defs = append(defs, mssqlIdent(c.Name)+" NVARCHAR(MAX) NULL")
	}
	if len(t.Unique) > 0 {
		cols := make([]string, len(t.Unique))
		for i, u := range t.Unique {
			cols[i] = mssqlIdent(u)
		}
		defs = append(defs, "UNIQUE ("+strings.Join(cols, ", ")+")")
	}
	out = append(out, fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL\nBEGIN\n  CREATE TABLE %s (\n    %s\n  );\nEND;",
		sqlString(t.Name), mssqlTableIdent(t.Name), strings.Join(defs, ",\n    ")))
	return out, nil
}

func buildAddColumnSQL(table, column string) string {
	return fmt.Sprintf(
		"IF COL_LENGTH(N'%s', N'%s') IS NULL ALTER TABLE %s ADD %s NVARCHAR(MAX) NULL;",
		sqlString(table), sqlString(column), mssqlTableIdent(table), mssqlIdent(column))
}

// buildBulkInsertSQL builds a single INSERT ... VALUES statement for all rows.
func buildBulkInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" (")
	writeIdentList(&b, "", columns)
	b.WriteString(") VALUES ")
	args := writeValues(&b, columns, rows)
	b.WriteString(";")
	return b.String(), args
}

// buildInsertNotExistsSQL builds
//
//	INSERT INTO t (cols) SELECT v.cols FROM (VALUES ...) AS v(cols)
//	WHERE NOT EXISTS (SELECT 1 FROM t WHERE t.k = v.k ...)
func buildInsertNotExistsSQL(table string, columns []string, rows [][]any, dedupeColumns []string) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" (")
	writeIdentList(&b, "", columns)
	b.WriteString(") SELECT ")
	writeIdentList(&b, "v.", columns)
	b.WriteString(" FROM (VALUES ")
	args := writeValues(&b, columns, rows)
	b.WriteString(") AS v(")
	writeIdentList(&b, "", columns)
	b.WriteString(") WHERE NOT EXISTS (SELECT 1 FROM ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" t WHERE ")
	for i, dc := range dedupeColumns {
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString("t.")
		b.WriteString(mssqlIdent(dc))
		b.WriteString(" = v.")
		b.WriteString(mssqlIdent(dc))
	}
	b.WriteString(");")
	return b.String(), args
}

func writeIdentList(b *strings.Builder, prefix string, columns []string) {
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(prefix)
		b.WriteString(mssqlIdent(c))
	}
}

// writeValues writes "(@p1, @p2), (@p3, @p4)" and returns the arguments.
func writeValues(b *strings.Builder, columns []string, rows [][]any) []any {
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
			fmt.Fprintf(b, "@p%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}
	return args
}

// mssqlIdent returns a bracket-quoted identifier.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent returns a bracket-quoted identifier for schema-qualified names.
//
//	"dbo.imports" -> [dbo].[imports]
func mssqlTableIdent(name string) string {
	schema, table := storage.SplitQualifiedName(name)
	if schema == "" {
		return mssqlIdent(table)
	}
	return mssqlIdent(schema) + "." + mssqlIdent(table)
}

// sqlString escapes s for use inside an N'...' literal.
func sqlString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// ---- database/sql seam ----

// dbConn is the subset of *sql.DB this package needs; tests replace it.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Close() error
}

type sqlDB struct {
	db *sql.DB
}

func (s *sqlDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *sqlDB) Close() error { return s.db.Close() }

var _ dbConn = (*sqlDB)(nil)
