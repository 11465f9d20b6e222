// Package pagination implements the keyset cursors used by the
// suspicious-activity report endpoints. Activities are ordered by
// (created_at, id) descending; a cursor pins the position of the last
// row a client saw so the next page picks up strictly before it.
package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned by Decode for cursors that did not come
// from Encode. Handlers map it to a 400.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is the decoded position: the created_at timestamp and record
// ID of the last row on the previous page.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode serializes a position into an opaque token. The format is
// "<unix-nanos>:<id>" base64-encoded; clients must treat it as opaque.
func Encode(createdAt time.Time, id string) string {
	return base64.RawURLEncoding.EncodeToString(
		[]byte(strconv.FormatInt(createdAt.UnixNano(), 10) + ":" + id))
}

// Decode parses a token produced by Encode. An empty token means "first
// page" and decodes to nil with no error.
func Decode(token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	nanosStr, id, ok := strings.Cut(string(raw), ":")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	nanos, err := strconv.ParseInt(nanosStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad timestamp", ErrInvalidCursor)
	}
	return &Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: id}, nil
}

// ComputePage finalizes a page fetched with limit+1 rows. The extra row,
// when present, only signals that more data exists; it is trimmed and
// the cursor for the next page is taken from the last row kept.
func ComputePage[T any](items []T, limit int, key func(T) (time.Time, string)) (page []T, next string, more bool) {
	if len(items) <= limit {
		return items, "", false
	}
	page = items[:limit]
	createdAt, id := key(page[len(page)-1])
	return page, Encode(createdAt, id), true
}
