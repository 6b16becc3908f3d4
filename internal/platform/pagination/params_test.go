package pagination

import (
	"errors"
	"net/url"
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	params, err := Parse(url.Values{}, Options{})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if params.PageSize != DefaultPageSize {
		t.Fatalf("expected default page size %d, got %d", DefaultPageSize, params.PageSize)
	}
	if params.PageToken != "" {
		t.Fatalf("expected empty page token, got %q", params.PageToken)
	}
}

func TestParseClampsPageSize(t *testing.T) {
	opts := Options{DefaultPageSize: 25, MaxPageSize: 40}

	values := url.Values{}
	values.Set("page_size", "30")
	params, err := Parse(values, opts)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if params.PageSize != 30 {
		t.Fatalf("expected page size 30, got %d", params.PageSize)
	}

	values.Set("page_size", "400")
	params, err = Parse(values, opts)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if params.PageSize != opts.MaxPageSize {
		t.Fatalf("expected page size clamped to %d, got %d", opts.MaxPageSize, params.PageSize)
	}

	values.Set("page_size", "-3")
	params, err = Parse(values, opts)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if params.PageSize != opts.DefaultPageSize {
		t.Fatalf("expected non-positive page size to fall back to %d, got %d", opts.DefaultPageSize, params.PageSize)
	}
}

func TestParseInvalidPageSize(t *testing.T) {
	values := url.Values{}
	values.Set("page_size", "abc")
	if _, err := Parse(values, Options{}); !errors.Is(err, ErrInvalidPageSize) {
		t.Fatalf("expected ErrInvalidPageSize, got %v", err)
	}
}

func TestParseTrimsPageToken(t *testing.T) {
	values := url.Values{}
	values.Set("page_token", "  tok_1  ")
	params, err := Parse(values, Options{})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if params.PageToken != "tok_1" {
		t.Fatalf("expected trimmed token, got %q", params.PageToken)
	}
}

func TestCreatedAtCursorRoundTrip(t *testing.T) {
	createdAt := time.Date(2026, 3, 6, 12, 0, 0, 123456789, time.UTC)
	token := EncodeCreatedAtCursor(createdAt, "doc_42")

	ts, docID, err := DecodeCreatedAtCursor(token)
	if err != nil {
		t.Fatalf("DecodeCreatedAtCursor returned error: %v", err)
	}
	if !ts.Equal(createdAt) {
		t.Fatalf("expected %v, got %v", createdAt, ts)
	}
	if docID != "doc_42" {
		t.Fatalf("expected doc_42, got %q", docID)
	}
}

func TestDecodeCreatedAtCursorRejectsGarbage(t *testing.T) {
	for _, token := range []string{"%%%", "bm90LWEtY3Vyc29y", "fHw"} {
		if _, _, err := DecodeCreatedAtCursor(token); !errors.Is(err, ErrInvalidPageToken) {
			t.Fatalf("token %q: expected ErrInvalidPageToken, got %v", token, err)
		}
	}
}
