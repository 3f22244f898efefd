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

// Params bundles the paging values extracted from a request.
type Params struct {
	PageSize  int
	PageToken string
	Cursor    Cursor
}

// Options control how Parse behaves for a given handler.
type Options struct {
	DefaultPageSize int
	MaxPageSize     int
}

var (
	ErrInvalidPageSize  = errors.New("pagination: invalid pageSize")
	ErrInvalidPageToken = errors.New("pagination: invalid pageToken")
)

// FromRequest parses the supported query parameters from the supplied request.
func FromRequest(r *http.Request, opts Options) (Params, error) {
	if r == nil {
		return Params{}, errors.New("pagination: nil request")
	}
	return Parse(r.URL.Query(), opts)
}

// Parse reads pageSize and pageToken from the query values.
func Parse(values url.Values, opts Options) (Params, error) {
	pageSize, err := parsePageSize(strings.TrimSpace(values.Get("pageSize")), opts)
	if err != nil {
		return Params{}, err
	}
	params := Params{PageSize: pageSize}

	if raw := strings.TrimSpace(values.Get("pageToken")); raw != "" {
		cursor, err := DecodeToken(raw)
		if err != nil {
			return Params{}, err
		}
		params.PageToken = raw
		params.Cursor = cursor
	}
	return params, nil
}

// Normalize clamps a page size coming from a non-HTTP caller.
func Normalize(pageSize int, opts Options) int {
	maxSize, defSize := limits(opts)
	switch {
	case pageSize <= 0:
		return defSize
	case pageSize > maxSize:
		return maxSize
	}
	return pageSize
}

func parsePageSize(raw string, opts Options) (int, error) {
	if raw == "" {
		return Normalize(0, opts), nil
	}
	size, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: must be an integer", ErrInvalidPageSize)
	}
	if size <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidPageSize)
	}
	return Normalize(size, opts), nil
}

func limits(opts Options) (maxSize, defSize int) {
	maxSize = opts.MaxPageSize
	if maxSize <= 0 {
		maxSize = DefaultMaxPageSize
	}
	defSize = opts.DefaultPageSize
	if defSize <= 0 {
		defSize = DefaultPageSize
	}
	if defSize > maxSize {
		defSize = maxSize
	}
	return maxSize, defSize
}
