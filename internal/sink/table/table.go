// Package table loads flattened records into database tables, one table per
// record type, through a storage.Repository.
//
// Tables and columns are created on demand: the first flush of a record type
// creates its table, and keys seen later become new nullable text columns.
// With RowHash enabled every row carries a SHA-256 of its content in a
// unique row_hash column, so loading the same document twice inserts
// nothing the second time.
package table

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"xmlflat/internal/flatten"
	"xmlflat/internal/metrics"
	"xmlflat/internal/sink"
	"xmlflat/internal/storage"
)

// HashColumn is the column holding the row hash.
const HashColumn = "row_hash"

// DefaultBatchSize is the number of rows buffered per table before insert.
const DefaultBatchSize = 500

// Options configures a Loader.
type Options struct {
	// Schema qualifies every table name ("staging" -> staging.employee).
	Schema string
	// Prefix is prepended to every table name.
	Prefix    string
	BatchSize int
	RowHash   bool
	Logger    flatten.Logger
}

// Loader owns the DDL state shared by the sinks of one run. Sinks of
// different workers may target the same tables; the Loader serializes table
// creation and column additions between them, and maps record keys to
// column names once for all of them.
type Loader struct {
	repo storage.Repository
	opts Options
	log  flatten.Logger

	mu      sync.Mutex
	columns map[string]map[string]bool // table -> columns known to exist
	names   map[string]*columnNames    // table -> key to column mapping
}

// columnNames maps the record keys of one table to distinct column names.
type columnNames struct {
	byKey map[string]string
	taken map[string]bool
}

// NewLoader returns a Loader writing through repo. The caller keeps ownership
// of repo and closes it after every sink is closed.
func NewLoader(repo storage.Repository, opts Options) *Loader {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	l := &Loader{
		repo:    repo,
		opts:    opts,
		log:     opts.Logger,
		columns: map[string]map[string]bool{},
		names:   map[string]*columnNames{},
	}
	if l.log == nil {
		l.log = nopLogger{}
	}
	return l
}

// TableName maps a record type to its (optionally schema-qualified) table.
func (l *Loader) TableName(recordType string) string {
	name := storage.Ident(l.opts.Prefix + recordType)
	if l.opts.Schema == "" {
		return name
	}
	return storage.Ident(l.opts.Schema) + "." + name
}

// Reserve maps keys of a record type to columns in the given order before any
// sink writes, so that keys whose identifiers collide get the same suffixes
// on every run with the same definitions.
func (l *Loader) Reserve(recordType string, keys []string) {
	table := l.TableName(recordType)
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, k := range keys {
		l.columnLocked(table, k)
	}
}

// column returns the column of key in table. Keys whose identifiers collide,
// such as "employee.id" and "employee_id", get "_2", "_3", ... in the order
// the Loader first sees them, whichever sink asks.
func (l *Loader) column(table, key string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.columnLocked(table, key)
}

func (l *Loader) columnLocked(table, key string) string {
	cn, ok := l.names[table]
	if !ok {
		cn = &columnNames{byKey: map[string]string{}, taken: map[string]bool{}}
		if l.opts.RowHash {
			cn.taken[HashColumn] = true
		}
		l.names[table] = cn
	}
	if name, ok := cn.byKey[key]; ok {
		return name
	}
	base := storage.Ident(key)
	name := base
	for n := 2; cn.taken[name]; n++ {
		name = base + "_" + strconv.Itoa(n)
	}
	cn.taken[name] = true
	cn.byKey[key] = name
	return name
}

// ensure makes sure table exists with at least columns.
func (l *Loader) ensure(ctx context.Context, table string, columns []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	have, ok := l.columns[table]
	if !ok {
		spec := storage.TableSpec{Name: table}
		for _, c := range columns {
			spec.Columns = append(spec.Columns, storage.ColumnSpec{Name: c, Key: l.opts.RowHash && c == HashColumn})
		}
		if l.opts.RowHash {
			spec.Unique = []string{HashColumn}
		}
		if err := l.repo.EnsureTable(ctx, spec); err != nil {
			return err
		}
		// The table may predate this run with fewer columns.
		if err := l.repo.AddColumns(ctx, table, columns); err != nil {
			return err
		}
		have = make(map[string]bool, len(columns))
		for _, c := range columns {
			have[c] = true
		}
		l.columns[table] = have
		l.log.Printf("stage=ddl table=%s columns=%d", table, len(columns))
		return nil
	}

	var missing []string
	for _, c := range columns {
		if !have[c] {
			missing = append(missing, c)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	if err := l.repo.AddColumns(ctx, table, missing); err != nil {
		return err
	}
	for _, c := range missing {
		have[c] = true
	}
	l.log.Printf("stage=ddl table=%s added_columns=%s", table, strings.Join(missing, ","))
	return nil
}

// Sink returns a new flatten.Sink for one worker.
func (l *Loader) Sink() *Sink {
	return &Sink{l: l, tables: map[string]*tableState{}}
}

// Sink buffers the records of one worker and inserts them in batches. It is
// not safe for concurrent use.
type Sink struct {
	l      *Loader
	tables map[string]*tableState
	order  []string

	inserted int64
	closed   bool
}

var _ flatten.Sink = (*Sink)(nil)

type tableState struct {
	name    string
	columns []string       // in insert order, row_hash last when enabled
	byKey   map[string]int // record key -> column index
	rows    [][]any
}

// Write implements flatten.Sink.
func (s *Sink) Write(ctx context.Context, rec flatten.Record) error {
	if s.closed {
		return fmt.Errorf("table: write %s after close", rec.Type)
	}
	ts := s.table(rec.Type)
	keys := sink.UniqueKeys(rec.Keys())
	vals := rec.Values()

	row := make([]any, len(ts.columns), len(ts.columns)+1)
	for i, k := range keys {
		j, ok := ts.byKey[k]
		if !ok {
			j = ts.addColumn(k, s.l.column(ts.name, k))
			row = append(row, nil)
		}
		row[j] = vals[i]
	}
	if s.l.opts.RowHash {
		row = append(row, rowHash(keys, vals))
	}
	ts.rows = append(ts.rows, row)

	if len(ts.rows) >= s.l.opts.BatchSize {
		return s.flush(ctx, ts)
	}
	return nil
}

func (s *Sink) table(recordType string) *tableState {
	if ts, ok := s.tables[recordType]; ok {
		return ts
	}
	ts := &tableState{
		name:  s.l.TableName(recordType),
		byKey: map[string]int{},
	}
	s.tables[recordType] = ts
	s.order = append(s.order, recordType)
	return ts
}

// addColumn appends the column of a new record key and returns its index.
func (ts *tableState) addColumn(key, name string) int {
	ts.columns = append(ts.columns, name)
	ts.byKey[key] = len(ts.columns) - 1
	return len(ts.columns) - 1
}

func (s *Sink) flush(ctx context.Context, ts *tableState) error {
	if len(ts.rows) == 0 {
		return nil
	}
	columns := ts.columns
	var dedupe []string
	if s.l.opts.RowHash {
		columns = append(append(make([]string, 0, len(columns)+1), columns...), HashColumn)
		dedupe = []string{HashColumn}
	}
	if err := s.l.ensure(ctx, ts.name, columns); err != nil {
		return fmt.Errorf("table: ensure %s: %w", ts.name, err)
	}

	// Rows buffered before a column was added are shorter; the missing cells
	// are NULL. The hash, if any, moves to the last position.
	width := len(ts.columns)
	for i, row := range ts.rows {
		ts.rows[i] = pad(row, width, s.l.opts.RowHash)
	}
	start := time.Now()
	n, err := s.l.repo.InsertRows(ctx, ts.name, columns, ts.rows, dedupe)
	metrics.RecordStep("load", err, time.Since(start))
	if err != nil {
		return fmt.Errorf("table: %w", err)
	}
	s.inserted += n
	metrics.AddRowsLoaded(ts.name, n)
	s.l.log.Printf("stage=load table=%s rows=%d inserted=%d", ts.name, len(ts.rows), n)
	ts.rows = ts.rows[:0]
	return nil
}

func pad(row []any, width int, hashed bool) []any {
	var hash any
	if hashed {
		hash = row[len(row)-1]
		row = row[:len(row)-1]
	}
	for len(row) < width {
		row = append(row, nil)
	}
	if hashed {
		row = append(row, hash)
	}
	return row
}

// CloseAll flushes every table. The repository stays open.
func (s *Sink) CloseAll() error {
	if s.closed {
		return nil
	}
	s.closed = true
	ctx := context.Background()
	var errs []error
	for _, t := range s.order {
		if err := s.flush(ctx, s.tables[t]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Inserted returns the number of rows the repository reported as inserted.
func (s *Sink) Inserted() int64 { return s.inserted }

// Tables lists the tables this sink wrote to, in first-write order.
func (s *Sink) Tables() []string {
	out := make([]string, 0, len(s.order))
	for _, t := range s.order {
		out = append(out, s.tables[t].name)
	}
	return out
}

// rowHash is the hex SHA-256 of "key=value" pairs joined by the ASCII unit
// separator, in record order.
func rowHash(keys, vals []string) string {
	var b strings.Builder
	b.Grow(len(keys) * 20)
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\x1f')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(vals[i])
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}
