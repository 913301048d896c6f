package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"xmlflat/internal/storage"
)

// maxParams is the Postgres limit on bind parameters per statement.
const maxParams = 65535

// execer is the subset of *pgxpool.Pool used for DDL and inserts.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
}

type poolExec struct{ pool *pgxpool.Pool }

func (p poolExec) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := p.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Repo implements storage.Repository for Postgres.
type Repo struct {
	pool *pgxpool.Pool
	db   execer
}

// New creates a Postgres-backed Repo.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Repo{pool: pool, db: poolExec{pool: pool}}, nil
}

// Close closes the connection pool.
func (r *Repo) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

// EnsureTable creates the schema (for qualified names) and the table.
func (r *Repo) EnsureTable(ctx context.Context, t storage.TableSpec) error {
	schemaSQL, tableSQL, err := buildCreateSQL(t)
	if err != nil {
		return err
	}
	if schemaSQL != "" {
		if _, err := r.db.Exec(ctx, schemaSQL); err != nil {
			return fmt.Errorf("create schema for %s: %w", t.Name, err)
		}
	}
	if _, err := r.db.Exec(ctx, tableSQL); err != nil {
		return fmt.Errorf("create table %s: %w", t.Name, err)
	}
	return nil
}

// AddColumns adds text columns with ADD COLUMN IF NOT EXISTS.
func (r *Repo) AddColumns(ctx context.Context, table string, columns []string) error {
	if len(columns) == 0 {
		return nil
	}
	if _, err := r.db.Exec(ctx, buildAddColumnsSQL(table, columns)); err != nil {
		return fmt.Errorf("add columns to %s: %w", table, err)
	}
	return nil
}

// InsertRows performs a multi-row INSERT, chunked below the parameter
// limit. With dedupeColumns the statement ends in
//
//	ON CONFLICT (<dedupeColumns...>) DO NOTHING
//
// which also collapses duplicates within one statement.
func (r *Repo) InsertRows(ctx context.Context, table string, columns []string, rows [][]any, dedupeColumns []string) (int64, error) {
	if len(rows) == 0 || len(columns) == 0 {
		return 0, nil
	}
	per := maxParams / len(columns)
	var total int64
	for start := 0; start < len(rows); start += per {
		end := start + per
		if end > len(rows) {
			end = len(rows)
		}
		q, args := buildInsertSQL(table, columns, rows[start:end], dedupeColumns)
		n, err := r.db.Exec(ctx, q, args...)
		if err != nil {
			return total, fmt.Errorf("insert into %s: %w", table, err)
		}
		total += n
	}
	return total, nil
}

// buildInsertSQL builds one INSERT ... VALUES statement for all rows.
func buildInsertSQL(table string, columns []string, rows [][]any, dedupeColumns []string) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgTableIdent(table))
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

	if len(dedupeColumns) > 0 {
		b.WriteString(" ON CONFLICT (")
		for i, c := range dedupeColumns {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(pgIdent(c))
		}
		b.WriteString(") DO NOTHING")
	}
	b.WriteString(";")
	return b.String(), args
}

// buildCreateSQL returns the optional CREATE SCHEMA and the CREATE TABLE
// statement for t.
func buildCreateSQL(t storage.TableSpec) (schemaSQL, tableSQL string, err error) {
	if err := t.Validate(); err != nil {
		return "", "", err
	}
	if schema, _ := storage.SplitQualifiedName(t.Name); schema != "" {
		schemaSQL = fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s;`, pgIdent(schema))
	}

	defs := make([]string, 0, len(t.Columns)+1)
	for _, c := range t.Columns {
		if c.Key {
			defs = append(defs, fmt.Sprintf("%s VARCHAR(%d) NOT NULL", pgIdent(c.Name), storage.KeyLength))
			continue
		}
		defs = append(defs, pgIdent(c.Name)+" TEXT")
	}
	if len(t.Unique) > 0 {
		cols := make([]string, len(t.Unique))
		for i, u := range t.Unique {
			cols[i] = pgIdent(u)
		}
		defs = append(defs, "UNIQUE ("+strings.Join(cols, ", ")+")")
	}
	tableSQL = fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n);", pgTableIdent(t.Name), strings.Join(defs, ",\n  "))
	return schemaSQL, tableSQL, nil
}

func buildAddColumnsSQL(table string, columns []string) string {
	parts := make([]string, len(columns))
	for i, c := range columns {
		parts[i] = "ADD COLUMN IF NOT EXISTS " + pgIdent(c) + " TEXT"
	}
	return fmt.Sprintf("ALTER TABLE %s %s;", pgTableIdent(table), strings.Join(parts, ", "))
}

// pgIdent double-quotes an identifier.
func pgIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// pgTableIdent quotes both parts of a schema-qualified name.
//
//	"staging.employee" -> "staging"."employee"
func pgTableIdent(name string) string {
	schema, table := storage.SplitQualifiedName(name)
	if schema == "" {
		return pgIdent(table)
	}
	return pgIdent(schema) + "." + pgIdent(table)
}
