package pagination

import (
	"errors"
	"net/url"
	"strconv"
	"strings"
)

const (
	// DefaultPageSize is the fallback number of items returned when the client omits page_size.
	DefaultPageSize = 20
	// DefaultMaxPageSize caps the supported page_size to prevent unbounded queries.
	DefaultMaxPageSize = 100
)

var (
	ErrInvalidPageSize  = errors.New("pagination: invalid page_size")
	ErrInvalidPageToken = errors.New("pagination: invalid page_token")
)

// Params bundles the pagination values extracted from a request.
type Params struct {
	PageSize  int
	PageToken string
}

// Options control the bounds Parse applies for a given handler layer.
type Options struct {
	DefaultPageSize int
	MaxPageSize     int
}

// Parse reads page_size and page_token from the supplied query values. A
// missing or non-positive page_size falls back to the default and oversized
// values are clamped rather than rejected.
func Parse(values url.Values, opts Options) (Params, error) {
	defaultSize := opts.DefaultPageSize
	if defaultSize <= 0 {
		defaultSize = DefaultPageSize
	}
	maxSize := opts.MaxPageSize
	if maxSize <= 0 {
		maxSize = DefaultMaxPageSize
	}

	params := Params{
		PageSize:  defaultSize,
		PageToken: strings.TrimSpace(values.Get("page_token")),
	}

	raw := strings.TrimSpace(values.Get("page_size"))
	if raw == "" {
		return params, nil
	}
	size, err := strconv.Atoi(raw)
	if err != nil {
		return Params{}, ErrInvalidPageSize
	}
	switch {
	case size <= 0:
		params.PageSize = defaultSize
	case size > maxSize:
		params.PageSize = maxSize
	default:
		params.PageSize = size
	}
	return params, nil
}
