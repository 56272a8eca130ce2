package source

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
)

// CloudShare reads a spreadsheet shared through a OneDrive-style link.
//
// Every call resolves the share URL to a direct-download URL and streams
// the bytes into memory only; the buffer is discarded after parsing and
// nothing is spooled to disk. There is deliberately no cross-call cache:
// edits made upstream are always visible on the next call, at the cost of
// a network fetch each time.
type CloudShare struct {
	shareURL    string
	displayName string
	maxFileSize int64

	client         *http.Client
	validateClient *http.Client
}

// NewCloudShare creates a connector for the given share URL. displayName is
// the user-facing file name and drives format detection for CSV shares.
func NewCloudShare(shareURL, displayName string, maxFileSize int64, fetchTimeout, validateTimeout time.Duration) *CloudShare {
	return &CloudShare{
		shareURL:       shareURL,
		displayName:    displayName,
		maxFileSize:    maxFileSize,
		client:         &http.Client{Timeout: fetchTimeout},
		validateClient: &http.Client{Timeout: validateTimeout},
	}
}

// Kind implements Connector.
func (c *CloudShare) Kind() Kind { return KindCloudShare }

// ListContainers implements Connector. For workbook shares this is the sheet
// list; CSV shares expose a single container named after the display name.
func (c *CloudShare) ListContainers(ctx context.Context) ([]string, error) {
	data, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}

	if isWorkbookData(data) {
		f, err := excelize.OpenReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("open shared workbook: %w", err)
		}
		defer f.Close()
		return f.GetSheetList(), nil
	}

	name := strings.TrimSuffix(c.displayName, ".csv")
	if name == "" {
		name = "data"
	}
	return []string{name}, nil
}

// ReadSchema implements Connector.
func (c *CloudShare) ReadSchema(ctx context.Context, container string, limit int) ([]ColumnSample, error) {
	header, rows, err := c.parse(ctx, container)
	if err != nil {
		return nil, err
	}
	return sampleColumns(header, rows, limit), nil
}

// FetchRows implements Connector.
func (c *CloudShare) FetchRows(ctx context.Context, container string, columns []string) (Rows, error) {
	header, rows, err := c.parse(ctx, container)
	if err != nil {
		return nil, err
	}

	cols, _, err := projectColumns(header, columns)
	if err != nil {
		return nil, err
	}
	return newMemRows(rows, cols), nil
}

// Validate probes the share URL with a HEAD request without downloading the
// file. It reports ErrShareExpired when access has been revoked and
// ErrSourceUnreachable for any other non-success outcome.
func (c *CloudShare) Validate(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, DirectDownloadURL(c.shareURL), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSourceUnreachable, err)
	}

	resp, err := c.validateClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSourceUnreachable, err)
	}
	defer resp.Body.Close()

	return classifyShareStatus(resp.StatusCode)
}

// parse fetches the share fresh and splits the named container into header
// plus data rows.
func (c *CloudShare) parse(ctx context.Context, container string) (header []string, rows [][]string, err error) {
	data, err := c.fetch(ctx)
	if err != nil {
		return nil, nil, err
	}

	var records [][]string
	if isWorkbookData(data) {
		records, err = parseWorkbookData(data, container)
	} else {
		records, err = parseCSVData(data)
	}
	if err != nil {
		return nil, nil, err
	}

	if len(records) == 0 {
		return nil, nil, fmt.Errorf("shared container %q is empty", container)
	}

	header = make([]string, len(records[0]))
	for i, h := range records[0] {
		header[i] = cleanCell(h)
	}
	return header, records[1:], nil
}

// fetch downloads the shared file into memory.
func (c *CloudShare) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, DirectDownloadURL(c.shareURL), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnreachable, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnreachable, err)
	}
	defer resp.Body.Close()

	if err := classifyShareStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	limit := c.maxFileSize
	if limit <= 0 {
		limit = 100 * 1024 * 1024
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrSourceUnreachable, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("shared file exceeds %d byte limit", limit)
	}
	return data, nil
}

// DirectDownloadURL converts a share URL to a direct-download URL.
//
//	https://1drv.ms/x/s!Axxx          -> https://1drv.ms/x/s!Axxx?download=1
//	https://outlook.live.com/view.aspx -> https://outlook.live.com/download.aspx
//
// URLs that already carry a download marker pass through unchanged.
func DirectDownloadURL(shareURL string) string {
	if strings.Contains(shareURL, "download=1") || strings.Contains(shareURL, "/download?") {
		return shareURL
	}

	if strings.Contains(shareURL, "outlook.live.com") {
		return strings.Replace(shareURL, "view.aspx", "download.aspx", 1)
	}

	if strings.Contains(shareURL, "?") {
		return shareURL + "&download=1"
	}
	return shareURL + "?download=1"
}

// classifyShareStatus maps an HTTP status to a connector error kind.
func classifyShareStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d", ErrShareExpired, status)
	default:
		return fmt.Errorf("%w: HTTP %d", ErrSourceUnreachable, status)
	}
}

// isWorkbookData reports whether the bytes are a zip-based workbook (xlsx).
func isWorkbookData(data []byte) bool {
	return len(data) >= 2 && data[0] == 'P' && data[1] == 'K'
}

func parseWorkbookData(data []byte, container string) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open shared workbook: %w", err)
	}
	defer f.Close()

	rows, err := f.GetRows(container)
	if err != nil {
		return nil, fmt.Errorf("read shared sheet %q: %w", container, err)
	}
	return rows, nil
}

func parseCSVData(data []byte) ([][]string, error) {
	r := csv.NewReader(wrapReader(bytes.NewReader(data)))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse shared CSV: %w", err)
	}
	return records, nil
}
