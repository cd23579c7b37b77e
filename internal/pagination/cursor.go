// Package pagination implements opaque keyset cursors for list endpoints.
// A cursor encodes the (timestamp, ID) pair of the last row served, so the
// next page picks up strictly after it without OFFSET scans.
package pagination

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cursor is a decoded position in a listing.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

var errInvalidCursor = fmt.Errorf("invalid cursor")

// Encode packs a (timestamp, ID) position into an opaque string.
func Encode(createdAt time.Time, id string) string {
	payload := fmt.Sprintf("%d|%s", createdAt.UnixNano(), id)
	return base64.URLEncoding.EncodeToString([]byte(payload))
}

// Decode unpacks a cursor produced by Encode. An empty string decodes to
// nil, meaning start from the beginning.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	payload, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, errInvalidCursor
	}
	nanosStr, id, ok := strings.Cut(string(payload), "|")
	if !ok {
		return nil, errInvalidCursor
	}
	nanos, err := strconv.ParseInt(nanosStr, 10, 64)
	if err != nil {
		return nil, errInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: id}, nil
}

// ComputePage trims a limit+1 fetch down to one page. The extra row, when
// present, proves another page exists; the returned cursor points at the
// last row actually served.
func ComputePage[T any](items []T, limit int, key func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	createdAt, id := key(items[len(items)-1])
	return items, Encode(createdAt, id), true
}
