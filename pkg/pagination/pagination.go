// Package pagination reads limit/offset query parameters and shapes list
// responses for the staff queues.
package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

type Params struct {
	Limit  int
	Offset int
}

// FromContext reads ?limit= and ?offset=. Missing or invalid values fall
// back to the defaults; limit is capped at MaxLimit.
func FromContext(c echo.Context) Params {
	limit, err := strconv.Atoi(c.QueryParam("limit"))
	if err != nil || limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	offset, err := strconv.Atoi(c.QueryParam("offset"))
	if err != nil || offset < 0 {
		offset = 0
	}
	return Params{Limit: limit, Offset: offset}
}

// HasNext reports whether rows remain after the current page.
func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}

// NextOffset is the offset of the following page, or nil on the last one.
func (p Params) NextOffset(total int) *int {
	if !p.HasNext(total) {
		return nil
	}
	next := p.Offset + p.Limit
	return &next
}

// Response is one page of a list endpoint.
type Response[T any] struct {
	Data       []T  `json:"data"`
	Total      int  `json:"total"`
	Limit      int  `json:"limit"`
	Offset     int  `json:"offset"`
	HasMore    bool `json:"has_more"`
	NextOffset *int `json:"next_offset,omitempty"`
}

// NewResponse never returns a nil Data slice, so empty pages encode as [].
func NewResponse[T any](data []T, total, limit, offset int) *Response[T] {
	if data == nil {
		data = []T{}
	}
	p := Params{Limit: limit, Offset: offset}
	return &Response[T]{
		Data:       data,
		Total:      total,
		Limit:      limit,
		Offset:     offset,
		HasMore:    p.HasNext(total),
		NextOffset: p.NextOffset(total),
	}
}
