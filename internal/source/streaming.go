package source

// streaming.go provides stream wrappers for parsing CSV sources without
// loading the raw bytes twice:
//
//   - bomSkippingReader: removes the UTF-8 BOM (0xEF 0xBB 0xBF) that Windows
//     tools prepend to exported files
//   - utf8SanitizingReader: replaces invalid UTF-8 bytes with '?' on the fly
//
// wrapReader applies both in the required order (BOM first).

import (
	"io"
	"strings"
	"unicode/utf8"
)

// bomSkippingReader wraps an io.Reader and skips a leading UTF-8 BOM.
type bomSkippingReader struct {
	reader  io.Reader
	checked bool
	buf     [3]byte
	pending []byte
}

func newBOMSkippingReader(r io.Reader) *bomSkippingReader {
	return &bomSkippingReader{reader: r}
}

// Read implements io.Reader. On the first call it inspects the first three
// bytes and drops them if they form a BOM.
func (r *bomSkippingReader) Read(p []byte) (int, error) {
	if !r.checked {
		r.checked = true

		n, err := io.ReadFull(r.reader, r.buf[:])
		if n >= 3 && r.buf[0] == 0xEF && r.buf[1] == 0xBB && r.buf[2] == 0xBF {
			// BOM found, discard it
		} else if n > 0 {
			r.pending = r.buf[:n]
		}

		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		if err != nil && err != io.EOF {
			return 0, err
		}
	}

	if len(r.pending) > 0 {
		n := copy(p, r.pending)
		r.pending = r.pending[n:]
		return n, nil
	}

	return r.reader.Read(p)
}

// utf8SanitizingReader wraps an io.Reader and replaces invalid UTF-8 bytes
// with '?' in place. Incomplete multi-byte sequences at a read boundary are
// held back until the next call so valid runes are never split.
type utf8SanitizingReader struct {
	reader  io.Reader
	pending []byte
	eof     bool
}

func newUTF8SanitizingReader(r io.Reader) *utf8SanitizingReader {
	return &utf8SanitizingReader{
		reader:  r,
		pending: make([]byte, 0, utf8.UTFMax),
	}
}

// Read implements io.Reader.
func (s *utf8SanitizingReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	offset := 0
	if len(s.pending) > 0 {
		offset = copy(p, s.pending)
		s.pending = s.pending[:0]
	}

	n, err := s.reader.Read(p[offset:])
	n += offset
	if err == io.EOF {
		s.eof = true
	}

	if n == 0 {
		return 0, err
	}

	// Fast path: pure ASCII needs no sanitizing
	if allASCII(p[:n]) {
		return n, err
	}

	return s.sanitize(p[:n]), err
}

// sanitize rewrites data in place, replacing invalid bytes with '?'.
// Returns the number of output bytes. A possibly-incomplete trailing
// sequence is moved to pending unless EOF has been reached.
func (s *utf8SanitizingReader) sanitize(data []byte) int {
	write := 0
	for read := 0; read < len(data); {
		r, size := utf8.DecodeRune(data[read:])

		if !s.eof && read+size >= len(data) && expectedRuneLen(data[read]) > len(data)-read {
			s.pending = append(s.pending, data[read:]...)
			return write
		}

		if r == utf8.RuneError && size == 1 {
			// Single-byte replacement keeps the rewrite in place without
			// expanding the buffer
			data[write] = '?'
			write++
			read++
		} else {
			copy(data[write:], data[read:read+size])
			write += size
			read += size
		}
	}
	return write
}

func allASCII(data []byte) bool {
	for _, b := range data {
		if b >= 0x80 {
			return false
		}
	}
	return true
}

// expectedRuneLen returns the encoded length implied by a UTF-8 lead byte.
func expectedRuneLen(b byte) int {
	switch {
	case b < 0x80:
		return 1
	case b < 0xC0:
		return 1 // continuation byte, invalid as lead
	case b < 0xE0:
		return 2
	case b < 0xF0:
		return 3
	default:
		return 4
	}
}

// wrapReader applies BOM skipping and UTF-8 sanitizing in the required order.
func wrapReader(r io.Reader) io.Reader {
	return newUTF8SanitizingReader(newBOMSkippingReader(r))
}

// cleanCell removes common spreadsheet artifacts from a cell value:
// whitespace padding, Excel formula prefixes (="value") and stray
// surrounding quotes.
func cleanCell(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, `="`) && strings.HasSuffix(s, `"`) {
		s = s[2 : len(s)-1]
	} else if strings.HasPrefix(s, "=") {
		s = s[1:]
	}

	return strings.Trim(s, `"'`)
}

// normalizeHeader produces the case-insensitive lookup key for a header cell.
func normalizeHeader(s string) string {
	return strings.ToLower(cleanCell(s))
}
