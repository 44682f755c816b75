package handlers

import (
	"fmt"
	"net/http"
	"strconv"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

type PaginationParams struct {
	Limit  int
	Offset int
}

type PaginatedResponse[T any] struct {
	Items  []T `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// ParsePagination reads limit and offset. Limits above MaxLimit are clamped;
// malformed or negative values are an error.
func ParsePagination(r *http.Request, defaultLimit int) (PaginationParams, error) {
	if defaultLimit <= 0 {
		defaultLimit = DefaultLimit
	}

	p := PaginationParams{Limit: defaultLimit}

	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed <= 0 {
			return p, fmt.Errorf("limit must be a positive integer")
		}
		p.Limit = min(parsed, MaxLimit)
	}

	if o := r.URL.Query().Get("offset"); o != "" {
		parsed, err := strconv.Atoi(o)
		if err != nil || parsed < 0 {
			return p, fmt.Errorf("offset must be a non-negative integer")
		}
		p.Offset = parsed
	}

	return p, nil
}
