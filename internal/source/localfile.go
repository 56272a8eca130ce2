package source

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// LocalFile reads a spreadsheet or CSV file from the local filesystem.
//
// The path is resolved on every call and the file re-parsed from disk, so
// callers always see current on-disk content. CSV files expose a single
// container named after the file; workbook files expose one container per
// sheet.
type LocalFile struct {
	path        string
	maxFileSize int64
}

// NewLocalFile creates a connector for the file at path.
func NewLocalFile(path string, maxFileSize int64) *LocalFile {
	return &LocalFile{path: path, maxFileSize: maxFileSize}
}

// Kind implements Connector.
func (l *LocalFile) Kind() Kind { return KindLocalFile }

// ListContainers implements Connector.
func (l *LocalFile) ListContainers(ctx context.Context) ([]string, error) {
	if l.isWorkbook() {
		f, err := l.openWorkbook()
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return f.GetSheetList(), nil
	}
	return []string{l.defaultContainer()}, nil
}

// ReadSchema implements Connector.
func (l *LocalFile) ReadSchema(ctx context.Context, container string, limit int) ([]ColumnSample, error) {
	header, rows, err := l.parse(container)
	if err != nil {
		return nil, err
	}
	return sampleColumns(header, rows, limit), nil
}

// FetchRows implements Connector.
func (l *LocalFile) FetchRows(ctx context.Context, container string, columns []string) (Rows, error) {
	header, rows, err := l.parse(container)
	if err != nil {
		return nil, err
	}

	cols, _, err := projectColumns(header, columns)
	if err != nil {
		return nil, err
	}
	return newMemRows(rows, cols), nil
}

// parse re-reads the file from disk and splits it into header plus data rows.
func (l *LocalFile) parse(container string) (header []string, rows [][]string, err error) {
	info, err := os.Stat(l.path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrSourceUnreachable, l.path, err)
	}
	if l.maxFileSize > 0 && info.Size() > l.maxFileSize {
		return nil, nil, fmt.Errorf("file %s exceeds %d byte limit", l.path, l.maxFileSize)
	}

	var records [][]string
	if l.isWorkbook() {
		records, err = l.parseWorkbook(container)
	} else {
		records, err = l.parseCSV()
	}
	if err != nil {
		return nil, nil, err
	}

	if len(records) == 0 {
		return nil, nil, fmt.Errorf("container %q is empty", container)
	}

	header = make([]string, len(records[0]))
	for i, h := range records[0] {
		header[i] = cleanCell(h)
	}
	return header, records[1:], nil
}

func (l *LocalFile) parseCSV() ([][]string, error) {
	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrSourceUnreachable, l.path, err)
	}
	defer f.Close()

	r := csv.NewReader(wrapReader(f))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse CSV %s: %w", filepath.Base(l.path), err)
	}
	return records, nil
}

func (l *LocalFile) parseWorkbook(container string) ([][]string, error) {
	f, err := l.openWorkbook()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rows, err := f.GetRows(container)
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", container, err)
	}
	return rows, nil
}

func (l *LocalFile) openWorkbook() (*excelize.File, error) {
	f, err := excelize.OpenFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("%w: open workbook %s: %v", ErrSourceUnreachable, l.path, err)
	}
	return f, nil
}

func (l *LocalFile) isWorkbook() bool {
	switch strings.ToLower(filepath.Ext(l.path)) {
	case ".xlsx", ".xlsm", ".xltx", ".xltm":
		return true
	}
	return false
}

// defaultContainer names the single container a CSV file exposes.
func (l *LocalFile) defaultContainer() string {
	base := filepath.Base(l.path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
