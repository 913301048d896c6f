// Package sink writes flattened records to one delimited text file per
// record type.
//
// A record type is either fixed or dynamic. Fixed types (output columns
// known up front) are written in arrival order: the first record's keys
// become the header and later rows are aligned to it. Keys the header lacks,
// such as ancestor columns that appear later in the document, are appended
// to it and earlier rows are padded when the file is finished. Dynamic types
// are spooled while the document is read and written on CloseAll, once every
// column order seen for the type can be merged into one canonical order.
package sink

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"xmlflat/internal/colorder"
	"xmlflat/internal/flatten"
)

const (
	DefaultDelimiter          = "|"
	DefaultNewlineReplacement = " "
	DefaultExtension          = ".txt"
)

// Options configures a Delimited sink.
type Options struct {
	// Dir receives the output files. It is created if missing.
	Dir string
	// Delimiter separates fields. Empty means DefaultDelimiter.
	Delimiter string
	// NewlineReplacement replaces line breaks inside values. Empty means
	// DefaultNewlineReplacement. It must not contain line breaks itself.
	NewlineReplacement string
	// Suffix is appended to the record type in file names, e.g. "_1" for
	// worker 1 of a partitioned run.
	Suffix string
	// Extension of the output files. Empty means DefaultExtension.
	Extension string
	// Fixed reports whether a record type's columns are known up front. Nil
	// treats every type as dynamic.
	Fixed  func(recordType string) bool
	Logger flatten.Logger
}

// Delimited is a flatten.Sink. It is not safe for concurrent use; give every
// worker its own instance with a distinct Suffix.
type Delimited struct {
	opts    Options
	log     flatten.Logger
	newline *strings.Replacer

	types  map[string]*typeFile
	order  []string
	files  []string
	closed bool
}

var _ flatten.Sink = (*Delimited)(nil)

// New returns a sink writing below opts.Dir. Nothing is created before the
// first Write.
func New(opts Options) *Delimited {
	if opts.Delimiter == "" {
		opts.Delimiter = DefaultDelimiter
	}
	if opts.NewlineReplacement == "" {
		opts.NewlineReplacement = DefaultNewlineReplacement
	}
	if opts.Extension == "" {
		opts.Extension = DefaultExtension
	}
	d := &Delimited{
		opts:    opts,
		log:     opts.Logger,
		newline: strings.NewReplacer("\r\n", opts.NewlineReplacement, "\n", opts.NewlineReplacement, "\r", opts.NewlineReplacement),
		types:   map[string]*typeFile{},
	}
	if d.log == nil {
		d.log = nopLogger{}
	}
	return d
}

// Path returns the output file of a record type.
func (d *Delimited) Path(recordType string) string {
	name := strings.NewReplacer(":", "_", "/", "_", "\\", "_").Replace(recordType)
	return filepath.Join(d.opts.Dir, name+d.opts.Suffix+d.opts.Extension)
}

// Write implements flatten.Sink.
func (d *Delimited) Write(_ context.Context, rec flatten.Record) error {
	if d.closed {
		return fmt.Errorf("sink: write %s after close", rec.Type)
	}
	tf, err := d.open(rec.Type)
	if err != nil {
		return err
	}
	keys := UniqueKeys(rec.Keys())
	vals := rec.Values()
	for i, v := range vals {
		vals[i] = d.newline.Replace(v)
	}
	if tf.fixed {
		return tf.writeFixed(keys, vals, d)
	}
	return tf.spoolRow(keys, vals)
}

func (d *Delimited) open(recordType string) (*typeFile, error) {
	if tf, ok := d.types[recordType]; ok {
		return tf, nil
	}
	if err := os.MkdirAll(d.opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("sink: mkdir %s: %w", d.opts.Dir, err)
	}
	tf := &typeFile{
		recordType: recordType,
		path:       d.Path(recordType),
		fixed:      d.opts.Fixed != nil && d.opts.Fixed(recordType),
	}
	var err error
	if tf.fixed {
		err = tf.openFixed()
	} else {
		err = tf.openSpool()
	}
	if err != nil {
		return nil, err
	}
	d.types[recordType] = tf
	d.order = append(d.order, recordType)
	return tf, nil
}

// CloseAll flushes fixed files, writes dynamic ones and releases
// everything. It is safe to call more than once and when nothing was written.
func (d *Delimited) CloseAll() error {
	if d.closed {
		return nil
	}
	d.closed = true
	var errs []error
	for _, t := range d.order {
		tf := d.types[t]
		var err error
		if tf.fixed {
			err = tf.finishFixed(d.opts.Delimiter)
			if tf.grown > 0 {
				d.log.Printf("stage=sink type=%s late_columns=%d", t, tf.grown)
			}
		} else {
			err = tf.finishSpool(d.opts.Delimiter)
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		d.files = append(d.files, tf.path)
	}
	return errors.Join(errs...)
}

// Files lists the files written by CloseAll, in first-write order.
func (d *Delimited) Files() []string { return append([]string(nil), d.files...) }

// Types lists the record types seen so far, in first-write order.
func (d *Delimited) Types() []string { return append([]string(nil), d.order...) }

type typeFile struct {
	recordType string
	path       string
	fixed      bool

	w *bufio.Writer

	header []string
	index  map[string]int
	// runs records the header width of consecutive fixed rows, so rows
	// written before the header grew can be padded.
	runs  []widthRun
	grown int

	spool     *os.File
	enc       *json.Encoder
	seen      colorder.Collector
	sigs      map[string]int
	sigKeys   [][]string
	spoolRows int
}

// spooled is one line of a spool file.
type spooled struct {
	Sig    int      `json:"s"`
	Values []string `json:"v"`
}

type widthRun struct {
	width int
	rows  int
}

// openFixed creates the body file. The header is only final on CloseAll, so
// it is written in front of the body then.
func (tf *typeFile) openFixed() error {
	f, err := os.CreateTemp(filepath.Dir(tf.path), filepath.Base(tf.path)+".*.body")
	if err != nil {
		return fmt.Errorf("sink: create %s: %w", tf.path, err)
	}
	tf.spool = f
	tf.w = bufio.NewWriterSize(f, 64<<10)
	tf.index = map[string]int{}
	return nil
}

func (tf *typeFile) writeFixed(keys, vals []string, d *Delimited) error {
	for _, k := range keys {
		if _, ok := tf.index[k]; ok {
			continue
		}
		if len(tf.header) > 0 {
			tf.grown++
			d.log.Printf("stage=sink type=%s late_column=%s", tf.recordType, k)
		}
		tf.index[k] = len(tf.header)
		tf.header = append(tf.header, k)
	}
	row := make([]string, len(tf.header))
	for i, k := range keys {
		row[tf.index[k]] = vals[i]
	}
	if n := len(tf.runs); n > 0 && tf.runs[n-1].width == len(row) {
		tf.runs[n-1].rows++
	} else {
		tf.runs = append(tf.runs, widthRun{width: len(row), rows: 1})
	}
	if err := writeLine(tf.w, row, d.opts.Delimiter); err != nil {
		return fmt.Errorf("sink: write %s: %w", tf.path, err)
	}
	return nil
}

// finishFixed writes the header followed by the body, padding rows that
// were written with a narrower header.
func (tf *typeFile) finishFixed(delim string) (err error) {
	bodyPath := tf.spool.Name()
	defer func() {
		_ = tf.spool.Close()
		_ = os.Remove(bodyPath)
	}()
	if err := tf.w.Flush(); err != nil {
		return fmt.Errorf("sink: write %s: %w", tf.path, err)
	}
	if _, err := tf.spool.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("sink: write %s: %w", tf.path, err)
	}

	out, err := os.Create(tf.path)
	if err != nil {
		return fmt.Errorf("sink: create %s: %w", tf.path, err)
	}
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("sink: close %s: %w", tf.path, cerr)
		}
	}()
	w := bufio.NewWriterSize(out, 64<<10)
	if err := writeLine(w, tf.header, delim); err != nil {
		return fmt.Errorf("sink: write %s: %w", tf.path, err)
	}
	if tf.grown == 0 {
		if _, err := io.Copy(w, tf.spool); err != nil {
			return fmt.Errorf("sink: write %s: %w", tf.path, err)
		}
	} else {
		r := bufio.NewReaderSize(tf.spool, 64<<10)
		for _, run := range tf.runs {
			pad := strings.Repeat(delim, len(tf.header)-run.width)
			for n := 0; n < run.rows; n++ {
				line, err := r.ReadString('\n')
				if err != nil {
					return fmt.Errorf("sink: read body %s: %w", tf.path, err)
				}
				if _, err := w.WriteString(line[:len(line)-1] + pad + "\n"); err != nil {
					return fmt.Errorf("sink: write %s: %w", tf.path, err)
				}
			}
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("sink: write %s: %w", tf.path, err)
	}
	return nil
}

func (tf *typeFile) openSpool() error {
	f, err := os.CreateTemp(filepath.Dir(tf.path), filepath.Base(tf.path)+".*.spool")
	if err != nil {
		return fmt.Errorf("sink: spool %s: %w", tf.path, err)
	}
	tf.spool = f
	tf.w = bufio.NewWriterSize(f, 64<<10)
	tf.enc = json.NewEncoder(tf.w)
	tf.sigs = map[string]int{}
	return nil
}

func (tf *typeFile) spoolRow(keys, vals []string) error {
	sig := strings.Join(keys, "\x00")
	id, ok := tf.sigs[sig]
	if !ok {
		id = len(tf.sigKeys)
		tf.sigs[sig] = id
		tf.sigKeys = append(tf.sigKeys, keys)
	}
	tf.seen.Add(keys)
	tf.spoolRows++
	if err := tf.enc.Encode(spooled{Sig: id, Values: vals}); err != nil {
		return fmt.Errorf("sink: spool %s: %w", tf.path, err)
	}
	return nil
}

// finishSpool writes the final file: header in canonical order, then every
// spooled row aligned to it.
func (tf *typeFile) finishSpool(delim string) (err error) {
	spoolPath := tf.spool.Name()
	defer func() {
		_ = tf.spool.Close()
		_ = os.Remove(spoolPath)
	}()
	if err := tf.w.Flush(); err != nil {
		return fmt.Errorf("sink: spool %s: %w", tf.path, err)
	}
	if _, err := tf.spool.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("sink: spool %s: %w", tf.path, err)
	}

	header := tf.seen.Order()
	pos := make(map[string]int, len(header))
	for i, k := range header {
		pos[k] = i
	}
	// Per signature, the target column of every value.
	layout := make([][]int, len(tf.sigKeys))
	for i, keys := range tf.sigKeys {
		layout[i] = make([]int, len(keys))
		for j, k := range keys {
			layout[i][j] = pos[k]
		}
	}

	out, err := os.Create(tf.path)
	if err != nil {
		return fmt.Errorf("sink: create %s: %w", tf.path, err)
	}
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("sink: close %s: %w", tf.path, cerr)
		}
	}()
	w := bufio.NewWriterSize(out, 64<<10)
	if err := writeLine(w, header, delim); err != nil {
		return fmt.Errorf("sink: write %s: %w", tf.path, err)
	}

	dec := json.NewDecoder(bufio.NewReaderSize(tf.spool, 64<<10))
	row := make([]string, len(header))
	for n := 0; n < tf.spoolRows; n++ {
		var s spooled
		if err := dec.Decode(&s); err != nil {
			return fmt.Errorf("sink: read spool %s: %w", tf.path, err)
		}
		for i := range row {
			row[i] = ""
		}
		for j, v := range s.Values {
			row[layout[s.Sig][j]] = v
		}
		if err := writeLine(w, row, delim); err != nil {
			return fmt.Errorf("sink: write %s: %w", tf.path, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("sink: write %s: %w", tf.path, err)
	}
	return nil
}

func writeLine(w *bufio.Writer, cells []string, delim string) error {
	for i, c := range cells {
		if i > 0 {
			if _, err := w.WriteString(delim); err != nil {
				return err
			}
		}
		if _, err := w.WriteString(c); err != nil {
			return err
		}
	}
	return w.WriteByte('\n')
}

// UniqueKeys renames repeated keys of one record to key#2, key#3, ... in
// place, so that every cell has its own column.
func UniqueKeys(keys []string) []string {
	var counts map[string]int
	for i, k := range keys {
		if counts == nil {
			counts = make(map[string]int, len(keys))
		}
		counts[k]++
		if n := counts[k]; n > 1 {
			keys[i] = k + "#" + strconv.Itoa(n)
		}
	}
	return keys
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}
