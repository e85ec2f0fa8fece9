// Package pagination provides opaque cursors over the ledger's sequence
// ordered listings.
package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned for cursors this package did not produce.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is the position after the last item of a page.
type Cursor struct {
	Sequence  int64
	CreatedAt time.Time
}

// Encode returns an opaque cursor string.
func Encode(c Cursor) string {
	raw := fmt.Sprintf("v1|%d|%d", c.Sequence, c.CreatedAt.UnixNano())
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor string. Returns nil for empty input.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	parts := strings.Split(string(raw), "|")
	if len(parts) != 3 || parts[0] != "v1" {
		return nil, ErrInvalidCursor
	}
	seq, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || seq < 0 {
		return nil, ErrInvalidCursor
	}
	nanos, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{Sequence: seq, CreatedAt: time.Unix(0, nanos).UTC()}, nil
}

// ParseLimit reads a page size, falling back to def when raw is empty,
// malformed or out of (0, max].
func ParseLimit(raw string, def, max int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > max {
		return def
	}
	return n
}

// ComputePage takes items fetched with limit+1, the requested limit, and a
// function producing the cursor of an item. Returns the trimmed items, the
// next cursor and whether more items exist.
func ComputePage[T any](items []T, limit int, cursorOf func(T) Cursor) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	return items, Encode(cursorOf(items[len(items)-1])), true
}
