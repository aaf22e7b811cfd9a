package api

import (
	"net/http"
	"strconv"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// Page describes the slice of a list returned in one response.
type Page struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// pageRequest reads the limit and offset query parameters. Values that are
// missing, non-numeric or not positive fall back to the defaults, and limit
// is capped at maxPageSize.
func pageRequest(r *http.Request) (limit, offset int) {
	q := r.URL.Query()
	limit = positiveInt(q.Get("limit"), defaultPageSize)
	offset = positiveInt(q.Get("offset"), 0)
	return min(limit, maxPageSize), offset
}

func positiveInt(s string, fallback int) int {
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return fallback
}

// window returns the [start, end) bounds of the requested page within a
// list of total items.
func window(total, limit, offset int) (start, end int, page Page) {
	start = min(offset, total)
	end = min(start+limit, total)
	return start, end, Page{
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: end < total,
	}
}
