// Package pagination provides opaque keyset cursors over time-ordered lists.
package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// DefaultLimit and MaxLimit bound a page.
const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// ErrInvalidCursor is returned for cursors this package did not produce.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is the key of the last item on the previous page: its unix
// timestamp and ID.
type Cursor struct {
	At int64
	ID string
}

// Encode returns an opaque cursor string for (at, id).
func Encode(at int64, id string) string {
	raw := fmt.Sprintf("%d|%s", at, id)
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
	at, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(at, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{At: n, ID: id}, nil
}

// ClampLimit maps a requested page size onto [1, MaxLimit], using
// DefaultLimit for zero or negative values.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}

// After drops every item up to and including the cursor's item. items must
// be ordered by key. When the cursor's ID is gone, items with a later
// timestamp are kept. A nil cursor keeps everything.
func After[T any](items []T, cur *Cursor, key func(T) (int64, string)) []T {
	if cur == nil {
		return items
	}
	for i, item := range items {
		if _, id := key(item); id == cur.ID {
			return items[i+1:]
		}
	}
	for i, item := range items {
		if at, _ := key(item); at > cur.At {
			return items[i:]
		}
	}
	return nil
}

// ComputePage trims items to limit and returns the cursor of the last kept
// item when more remain.
func ComputePage[T any](items []T, limit int, key func(T) (int64, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	at, id := key(items[len(items)-1])
	return items, Encode(at, id), true
}
