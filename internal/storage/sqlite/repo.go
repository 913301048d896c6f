package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"xmlflat/internal/storage"
)

// maxParams is SQLite's default SQLITE_MAX_VARIABLE_NUMBER since 3.32.
const maxParams = 32766

// Repo implements storage.Repository for SQLite.
//
// SQLite has no schemas in the Postgres sense, so a qualified table name is
// flattened to "schema_table". Idempotent inserts use INSERT OR IGNORE and
// rely on the table's UNIQUE constraint.
type Repo struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlite", New)
}

// New opens the database file named by cfg.DSN.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	// One writer at a time; also keeps ":memory:" on a single connection.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

// EnsureTable runs CREATE TABLE IF NOT EXISTS.
func (r *Repo) EnsureTable(ctx context.Context, t storage.TableSpec) error {
	q, err := buildCreateSQL(t)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("create table %s: %w", t.Name, err)
	}
	return nil
}

// AddColumns adds the columns pragma table_info does not list yet. SQLite
// has no ADD COLUMN IF NOT EXISTS.
func (r *Repo) AddColumns(ctx context.Context, table string, columns []string) error {
	if len(columns) == 0 {
		return nil
	}
	existing, err := r.columns(ctx, table)
	if err != nil {
		return err
	}
	for _, c := range columns {
		if existing[strings.ToLower(c)] {
			continue
		}
		q := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s TEXT", tableIdent(table), sqlIdent(c))
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("add column %s to %s: %w", c, table, err)
		}
		existing[strings.ToLower(c)] = true
	}
	return nil
}

func (r *Repo) columns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", tableIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		out[strings.ToLower(name)] = true
	}
	return out, rows.Err()
}

// InsertRows inserts rows in chunks; with dedupeColumns the statement is
// INSERT OR IGNORE.
func (r *Repo) InsertRows(ctx context.Context, table string, columns []string, rows [][]any, dedupeColumns []string) (int64, error) {
	if len(rows) == 0 || len(columns) == 0 {
		return 0, nil
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
		q, args := buildInsertSQL(table, columns, rows[start:end], len(dedupeColumns) > 0)
		res, err := r.db.ExecContext(ctx, q, args...)
		if err != nil {
			return total, fmt.Errorf("insert into %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func buildInsertSQL(table string, columns []string, rows [][]any, ignore bool) (string, []any) {
	insertPrefix := "INSERT INTO "
	if ignore {
		insertPrefix = "INSERT OR IGNORE INTO "
	}

	colList := make([]string, 0, len(columns))
	for _, c := range columns {
		colList = append(colList, sqlIdent(c))
	}
	placeholders := "(" + strings.TrimRight(strings.Repeat("?,", len(columns)), ",") + ")"

	var b strings.Builder
	b.WriteString(insertPrefix)
	b.WriteString(tableIdent(table))
	b.WriteString(" (")
	b.WriteString(strings.Join(colList, ", "))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(placeholders)
		args = append(args, row[:len(columns)]...)
	}
	return b.String(), args
}

func buildCreateSQL(t storage.TableSpec) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	defs := make([]string, 0, len(t.Columns)+1)
	for _, c := range t.Columns {
		if c.Key {
			defs = append(defs, sqlIdent(c.Name)+" TEXT NOT NULL")
			continue
		}
		defs = append(defs, sqlIdent(c.Name)+" TEXT")
	}
	if len(t.Unique) > 0 {
		cols := make([]string, len(t.Unique))
		for i, u := range t.Unique {
			cols[i] = sqlIdent(u)
		}
		defs = append(defs, "UNIQUE ("+strings.Join(cols, ", ")+")")
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)", tableIdent(t.Name), strings.Join(defs, ",\n  ")), nil
}

func sqlIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

// tableIdent quotes a table name, folding a schema qualifier into the name.
func tableIdent(name string) string {
	schema, table := storage.SplitQualifiedName(name)
	if schema != "" {
		table = schema + "_" + table
	}
	return sqlIdent(table)
}
