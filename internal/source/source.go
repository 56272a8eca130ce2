// Package source provides uniform read access to migration sources.
//
// A source is one of three kinds: a local spreadsheet/CSV file, a
// cloud-shared spreadsheet reached through a share URL, or a table in an
// external relational database. All three expose the same capability set:
//
//   - ListContainers: the sheets (workbooks) or tables (databases) available
//   - ReadSchema: column names plus up to N sampled values per column
//   - FetchRows: a lazy, finite, restartable sequence of rows
//
// Connectors never cache content between calls. Every ReadSchema or
// FetchRows call re-reads the file, re-fetches the share URL, or re-queries
// the database, so callers always observe current source content.
package source

import (
	"context"
	"errors"
	"fmt"
)

// Kind identifies the variant of a data source.
type Kind string

const (
	KindLocalFile  Kind = "local-file"
	KindCloudShare Kind = "cloud-share"
	KindRelational Kind = "relational"
)

// Connector-level error kinds. Callers branch on these with errors.Is to
// present variant-specific guidance.
var (
	// ErrSourceUnreachable indicates the source could not be resolved or the
	// remote host returned a non-success status. Transient network cases are
	// safe to retry.
	ErrSourceUnreachable = errors.New("source unreachable")

	// ErrShareExpired indicates a cloud share link whose access has been
	// revoked or has expired. Not retryable; the link must be re-shared.
	ErrShareExpired = errors.New("share link expired or revoked")

	// ErrAuthentication indicates the relational source rejected the
	// configured credentials.
	ErrAuthentication = errors.New("authentication failed")

	// ErrConnectTimeout indicates the relational source did not respond
	// within the configured timeout.
	ErrConnectTimeout = errors.New("connection timed out")
)

// DataSource identifies one origin of tabular data.
// Instances are immutable after registration; only cloud share URLs are
// re-validated in place.
type DataSource struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Kind Kind   `json:"kind"`

	// Local-file
	Path string `json:"path,omitempty"`

	// Cloud-share
	ShareURL    string `json:"share_url,omitempty"`
	DisplayName string `json:"display_name,omitempty"`

	// Relational
	ConnRef string `json:"conn_ref,omitempty"` // driver connection string
	Table   string `json:"table,omitempty"`    // optional fixed table/view
}

// ColumnSample holds one column name and its sampled values, in source order.
// Empty strings represent null/empty cells and are preserved so inference can
// derive nullability.
type ColumnSample struct {
	Name    string
	Samples []string
}

// Rows is a lazy, finite sequence of rows. It follows the database/sql
// iteration idiom: Next advances, Row returns the current row, Err reports a
// terminal iteration error, Close releases resources.
//
// The sequence is restartable by calling FetchRows again; a Rows value
// itself is single-pass.
type Rows interface {
	Next() bool
	Row() []string
	Err() error
	Close() error
}

// Connector is the uniform capability set over all source kinds.
type Connector interface {
	// Kind reports the variant this connector reads.
	Kind() Kind

	// ListContainers returns the sheets or tables available in the source.
	ListContainers(ctx context.Context) ([]string, error)

	// ReadSchema returns the ordered columns of a container with up to
	// limit sampled values each.
	ReadSchema(ctx context.Context, container string, limit int) ([]ColumnSample, error)

	// FetchRows returns the rows of a container restricted to the selected
	// columns, in source order. Passing no columns selects all of them.
	FetchRows(ctx context.Context, container string, columns []string) (Rows, error)
}

// memRows iterates over fully parsed rows, projecting each onto the
// selected column positions. Used by the file-backed connectors, which
// parse whole documents into memory.
type memRows struct {
	rows [][]string
	cols []int // source positions of selected columns
	pos  int
	cur  []string
}

func newMemRows(rows [][]string, cols []int) *memRows {
	return &memRows{rows: rows, cols: cols, pos: -1}
}

func (r *memRows) Next() bool {
	if r.pos+1 >= len(r.rows) {
		return false
	}
	r.pos++
	src := r.rows[r.pos]
	out := make([]string, len(r.cols))
	for i, c := range r.cols {
		if c < len(src) {
			out[i] = src[c]
		}
	}
	r.cur = out
	return true
}

func (r *memRows) Row() []string { return r.cur }
func (r *memRows) Err() error    { return nil }
func (r *memRows) Close() error  { return nil }

// projectColumns resolves the selected column names against a header row,
// returning the source positions in selection order. An empty selection
// resolves to all header positions.
func projectColumns(header []string, columns []string) ([]int, []string, error) {
	if len(columns) == 0 {
		cols := make([]int, len(header))
		for i := range header {
			cols[i] = i
		}
		return cols, header, nil
	}

	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[normalizeHeader(h)] = i
	}

	cols := make([]int, 0, len(columns))
	for _, name := range columns {
		pos, ok := idx[normalizeHeader(name)]
		if !ok {
			return nil, nil, fmt.Errorf("column %q not found in container header", name)
		}
		cols = append(cols, pos)
	}
	return cols, columns, nil
}

// sampleColumns builds per-column samples from a header plus data rows,
// keeping at most limit values per column.
func sampleColumns(header []string, rows [][]string, limit int) []ColumnSample {
	out := make([]ColumnSample, len(header))
	for i, name := range header {
		samples := make([]string, 0, min(limit, len(rows)))
		for _, row := range rows {
			if len(samples) >= limit {
				break
			}
			v := ""
			if i < len(row) {
				v = row[i]
			}
			samples = append(samples, v)
		}
		out[i] = ColumnSample{Name: name, Samples: samples}
	}
	return out
}
