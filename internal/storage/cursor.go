package storage

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cursor is a position in the (TakenAt desc, ID desc) ordering.
// It encodes as "<unix nanos>:<id>".
type Cursor struct {
	TakenAt int64
	ID      string
}

func CursorAt(takenAt time.Time, id string) Cursor {
	return Cursor{TakenAt: takenAt.UnixNano(), ID: id}
}

func (c Cursor) String() string {
	return strconv.FormatInt(c.TakenAt, 10) + ":" + c.ID
}

// ParseCursor decodes a cursor produced by Cursor.String.
func ParseCursor(raw string) (Cursor, error) {
	ts, id, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok || id == "" {
		return Cursor{}, fmt.Errorf("%w: malformed cursor %q", ErrInvalidRequest, raw)
	}
	n, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || n < 0 {
		return Cursor{}, fmt.Errorf("%w: malformed cursor %q", ErrInvalidRequest, raw)
	}
	return Cursor{TakenAt: n, ID: id}, nil
}

// Before reports whether c sorts ahead of o, i.e. is newer.
func (c Cursor) Before(o Cursor) bool {
	if c.TakenAt != o.TakenAt {
		return c.TakenAt > o.TakenAt
	}
	return c.ID > o.ID
}
