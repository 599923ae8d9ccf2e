package api

import (
	"errors"
	"net/http"
	"strconv"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

var errBadPage = errors.New("limit and offset must be non-negative integers")

// PaginationMeta is embedded in paginated list responses.
type PaginationMeta struct {
	TotalCount int  `json:"total_count"`
	Limit      int  `json:"limit"`
	Offset     int  `json:"offset"`
	HasMore    bool `json:"has_more"`
}

type pageRequest struct {
	limit  int
	offset int
}

// parsePage reads the "limit" and "offset" query parameters. Malformed or
// negative values are an error; limit 0 means the default and anything
// above maxPageLimit is capped.
func parsePage(r *http.Request) (pageRequest, error) {
	q := r.URL.Query()
	p := pageRequest{limit: defaultPageLimit}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return pageRequest{}, errBadPage
		}
		if n > 0 {
			p.limit = min(n, maxPageLimit)
		}
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return pageRequest{}, errBadPage
		}
		p.offset = n
	}
	return p, nil
}

// paginate returns the requested window of items. An offset past the end
// yields an empty page.
func paginate[T any](items []T, p pageRequest) ([]T, PaginationMeta) {
	start := min(p.offset, len(items))
	end := min(start+p.limit, len(items))
	return items[start:end], PaginationMeta{
		TotalCount: len(items),
		Limit:      p.limit,
		Offset:     p.offset,
		HasMore:    end < len(items),
	}
}
