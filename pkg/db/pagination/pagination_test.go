package pagination

import (
	"testing"
	"time"
)

func TestCursorRoundTrip(t *testing.T) {
	in := Cursor{ID: 42, CreatedAt: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)}

	token, err := EncodeCursor(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeCursor(token)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.ID != in.ID || !out.CreatedAt.Equal(in.CreatedAt) {
		t.Fatalf("expected %+v, got %+v", in, out)
	}
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	if _, err := DecodeCursor("%%%"); err != ErrInvalidPageToken {
		t.Fatalf("expected ErrInvalidPageToken, got %v", err)
	}
	cursor, err := DecodeCursor("")
	if err != nil || cursor != nil {
		t.Fatalf("expected empty token to yield nil cursor, got %v %v", cursor, err)
	}
}

func TestClampLimit(t *testing.T) {
	cases := []struct {
		limit, want int
	}{
		{0, 50},
		{-3, 50},
		{10, 10},
		{900, 500},
	}
	for _, tc := range cases {
		if got := ClampLimit(tc.limit, 50, 500); got != tc.want {
			t.Fatalf("ClampLimit(%d) = %d, want %d", tc.limit, got, tc.want)
		}
	}
}

func TestBuildCursorPageInfo(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := []Cursor{
		{ID: 3, CreatedAt: base.Add(3 * time.Minute)},
		{ID: 2, CreatedAt: base.Add(2 * time.Minute)},
		{ID: 1, CreatedAt: base.Add(time.Minute)},
	}

	page, info := BuildCursorPageInfo(rows, 2, func(c Cursor) Cursor { return c })
	if len(page) != 2 || !info.HasMore {
		t.Fatalf("expected trimmed page with more rows, got %d %+v", len(page), info)
	}
	next, err := DecodeCursor(info.NextPageToken)
	if err != nil || next.ID != 2 {
		t.Fatalf("expected cursor at id 2, got %+v %v", next, err)
	}

	page, info = BuildCursorPageInfo(rows, 5, func(c Cursor) Cursor { return c })
	if len(page) != 3 || info.HasMore || info.NextPageToken != "" {
		t.Fatalf("expected final page, got %d %+v", len(page), info)
	}
}
