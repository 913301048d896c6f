package storage

import (
	"fmt"
	"strings"
)

// TableSpec describes a table holding one flattened record type.
//
// Every column is nullable text except key columns, which are short,
// non-null strings suitable for a unique constraint (e.g. a row hash).
type TableSpec struct {
	// Name is the table name, optionally schema-qualified ("staging.employee").
	Name string

	Columns []ColumnSpec

	// Unique lists the columns of a unique constraint, if any. They must be
	// key columns.
	Unique []string
}

// ColumnSpec is one table column.
type ColumnSpec struct {
	Name string
	Key  bool
}

// KeyLength is the maximum length of a key column value.
const KeyLength = 64

// Validate reports missing names, duplicate columns and unique columns that
// are not declared as key columns.
func (t TableSpec) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("storage: table name is empty")
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("storage: table %s has no columns", t.Name)
	}
	keys := make(map[string]bool, len(t.Columns))
	seen := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		if c.Name == "" {
			return fmt.Errorf("storage: table %s: empty column name", t.Name)
		}
		if seen[c.Name] {
			return fmt.Errorf("storage: table %s: duplicate column %q", t.Name, c.Name)
		}
		seen[c.Name] = true
		keys[c.Name] = c.Key
	}
	for _, u := range t.Unique {
		if !keys[u] {
			return fmt.Errorf("storage: table %s: unique column %q is not a key column", t.Name, u)
		}
	}
	return nil
}

// ColumnNames returns the column names in declaration order.
func (t TableSpec) ColumnNames() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

// SplitQualifiedName splits "schema.table" into its parts. Names without
// exactly one dot are returned as an unqualified table.
func SplitQualifiedName(name string) (schema string, table string) {
	name = strings.TrimSpace(name)
	parts := strings.Split(name, ".")
	if len(parts) != 2 {
		return "", name
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}

// DedupeRows keeps the first row for every distinct combination of the
// dedupe columns, preserving order. Backends whose insert statement does not
// collapse duplicates inside one statement use it before inserting.
func DedupeRows(rows [][]any, columns []string, dedupeColumns []string) ([][]any, error) {
	if len(dedupeColumns) == 0 {
		return rows, nil
	}
	idx := make([]int, len(dedupeColumns))
	for i, dc := range dedupeColumns {
		pos := -1
		for j, c := range columns {
			if c == dc {
				pos = j
				break
			}
		}
		if pos < 0 {
			return nil, fmt.Errorf("storage: dedupe column %q not present in columns", dc)
		}
		idx[i] = pos
	}

	seen := make(map[string]struct{}, len(rows))
	out := make([][]any, 0, len(rows))
	var b strings.Builder
	for _, row := range rows {
		b.Reset()
		for _, i := range idx {
			fmt.Fprintf(&b, "%v\x00", row[i])
		}
		k := b.String()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, row)
	}
	return out, nil
}
