package pagination

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	// DefaultPageSize defines the fallback number of items returned when the client omits pageSize.
	DefaultPageSize = 50
	// DefaultMaxPageSize caps the supported pageSize to prevent unbounded queries.
	DefaultMaxPageSize = 100
)

var (
	ErrInvalidPageSize  = errors.New("pagination: invalid pageSize")
	ErrInvalidPageToken = errors.New("pagination: invalid pageToken")
)

// Params holds the paging values extracted from a request.
type Params struct {
	PageSize  int
	PageToken string
}

// Options control how Parse behaves for a given handler.
type Options struct {
	DefaultPageSize int
	MaxPageSize     int
}

// FromRequest parses pageSize and pageToken from the request query string.
func FromRequest(r *http.Request, opts Options) (Params, error) {
	if r == nil {
		return Params{}, errors.New("pagination: nil request")
	}
	return Parse(r.URL.Query(), opts)
}

// Parse validates pageSize and checks that pageToken decodes. Oversized pages are clamped.
func Parse(values url.Values, opts Options) (Params, error) {
	defaultSize := opts.DefaultPageSize
	if defaultSize <= 0 {
		defaultSize = DefaultPageSize
	}
	maxSize := opts.MaxPageSize
	if maxSize <= 0 {
		maxSize = DefaultMaxPageSize
	}

	params := Params{PageSize: defaultSize}
	if raw := strings.TrimSpace(values.Get("pageSize")); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil || size <= 0 {
			return Params{}, fmt.Errorf("%w: %q", ErrInvalidPageSize, raw)
		}
		params.PageSize = min(size, maxSize)
	}

	if token := strings.TrimSpace(values.Get("pageToken")); token != "" {
		var probe map[string]any
		if err := DecodeToken(token, &probe); err != nil {
			return Params{}, err
		}
		params.PageToken = token
	}
	return params, nil
}
