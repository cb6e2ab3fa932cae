package storage

import (
	"errors"
	"testing"
	"time"
)

func TestCursorRoundTrip(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 5, 6, 7, 8, 9, 123456789, time.UTC)
	c := CursorAt(at, "0190-abc:def")
	got, err := ParseCursor(c.String())
	if err != nil {
		t.Fatalf("ParseCursor: %v", err)
	}
	if got != c {
		t.Fatalf("ParseCursor(%q) = %+v, want %+v", c.String(), got, c)
	}
}

func TestCursorBefore(t *testing.T) {
	t.Parallel()

	tests := []struct {
		a, b Cursor
		want bool
	}{
		{Cursor{2, "a"}, Cursor{1, "z"}, true},
		{Cursor{1, "z"}, Cursor{2, "a"}, false},
		{Cursor{1, "b"}, Cursor{1, "a"}, true},
		{Cursor{1, "a"}, Cursor{1, "a"}, false},
	}
	for _, tt := range tests {
		if got := tt.a.Before(tt.b); got != tt.want {
			t.Fatalf("%+v.Before(%+v) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestParseCursorRejectsGarbage(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", ":", "x", "1.5:a", "9999999999999999999999:a"} {
		if _, err := ParseCursor(raw); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("ParseCursor(%q) err = %v, want ErrInvalidRequest", raw, err)
		}
	}
}
