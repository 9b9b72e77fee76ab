package filestore

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"strconv"

	"github.com/greymass/dualsink/libraries/compression"
	"github.com/greymass/dualsink/libraries/encoding"
)

type Format string

const (
	JSONL Format = "jsonl"
	CSV   Format = "csv"
)

func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case JSONL, CSV:
		return Format(s), nil
	}
	return "", fmt.Errorf("unknown table format %q (want jsonl or csv)", s)
}

// Table is a logical output table, declared once at startup and used as the
// handle to its writer.
type Table struct {
	name    string
	format  Format
	columns []string
	level   int
}

type TableOption func(*Table)

// WithColumns fixes the CSV header. Map rows are projected onto it.
func WithColumns(columns ...string) TableOption {
	return func(t *Table) { t.columns = columns }
}

// WithCompression zstd-compresses the table file at level. Zero disables it.
func WithCompression(level int) TableOption {
	return func(t *Table) { t.level = level }
}

func NewTable(name string, format Format, opts ...TableOption) *Table {
	t := &Table{name: name, format: format}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Table) Name() string { return t.name }

// FileName is the file written into each chunk folder.
func (t *Table) FileName() string {
	name := t.name + "." + string(t.format)
	if t.level > 0 {
		name += compression.ZstdSuffix
	}
	return name
}

func (t *Table) validate() error {
	if t.name == "" {
		return errors.New("table without name")
	}
	switch t.format {
	case JSONL:
	case CSV:
		if len(t.columns) == 0 {
			return fmt.Errorf("csv table %s: no columns", t.name)
		}
	default:
		return fmt.Errorf("table %s: unknown format %q", t.name, t.format)
	}
	return nil
}

// Recorder is implemented by rows written to CSV tables that do not want
// map projection.
type Recorder interface {
	Record() []string
}

// TableWriter buffers encoded rows for one table. It never touches disk.
type TableWriter struct {
	table *Table
	buf   bytes.Buffer
	csv   *csv.Writer
	rows  int
}

func newTableWriter(t *Table) *TableWriter {
	w := &TableWriter{table: t}
	if t.format == CSV {
		w.csv = csv.NewWriter(&w.buf)
	}
	return w
}

func (w *TableWriter) Write(row any) error {
	switch w.table.format {
	case JSONL:
		data, err := encoding.JSONCanonical.Marshal(row)
		if err != nil {
			return fmt.Errorf("table %s: encode row: %w", w.table.name, err)
		}
		w.buf.Write(data)
		w.buf.WriteByte('\n')
	case CSV:
		rec, err := w.record(row)
		if err != nil {
			return err
		}
		w.csv.Write(rec)
		w.csv.Flush()
		if err := w.csv.Error(); err != nil {
			return fmt.Errorf("table %s: %w", w.table.name, err)
		}
	}
	w.rows++
	return nil
}

func (w *TableWriter) WriteMany(rows ...any) error {
	for _, r := range rows {
		if err := w.Write(r); err != nil {
			return err
		}
	}
	return nil
}

func (w *TableWriter) record(row any) ([]string, error) {
	switch r := row.(type) {
	case Recorder:
		rec := r.Record()
		if len(rec) != len(w.table.columns) {
			return nil, fmt.Errorf("table %s: record has %d fields, want %d", w.table.name, len(rec), len(w.table.columns))
		}
		return rec, nil
	case map[string]any:
		rec := make([]string, len(w.table.columns))
		for i, c := range w.table.columns {
			rec[i] = csvField(r[c])
		}
		return rec, nil
	}
	return nil, fmt.Errorf("table %s: cannot write %T as csv", w.table.name, row)
}

func csvField(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case bool:
		return strconv.FormatBool(x)
	case fmt.Stringer:
		return x.String()
	}
	return fmt.Sprint(v)
}

// Size is the encoded byte count buffered so far.
func (w *TableWriter) Size() int { return w.buf.Len() }

func (w *TableWriter) Rows() int { return w.rows }

func (w *TableWriter) appendFrom(o *TableWriter) {
	w.buf.Write(o.buf.Bytes())
	w.rows += o.rows
}

func (w *TableWriter) reset() {
	w.buf.Reset()
	w.rows = 0
}

// contents renders the file body: header for CSV, then rows, compressed if
// the table asks for it.
func (w *TableWriter) contents() ([]byte, error) {
	var data []byte
	if w.table.format == CSV {
		var hdr bytes.Buffer
		cw := csv.NewWriter(&hdr)
		cw.Write(w.table.columns)
		cw.Flush()
		if err := cw.Error(); err != nil {
			return nil, err
		}
		data = make([]byte, 0, hdr.Len()+w.buf.Len())
		data = append(data, hdr.Bytes()...)
		data = append(data, w.buf.Bytes()...)
	} else {
		data = bytes.Clone(w.buf.Bytes())
	}
	if w.table.level > 0 {
		return compression.ZstdCompressLevel(nil, data, w.table.level)
	}
	return data, nil
}
