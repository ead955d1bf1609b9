// Package discovery produces ordered seed lists for a query.
package discovery

import (
	"context"
	"strings"
)

// Static returns a fixed, configured seed list regardless of the query.
type Static struct {
	seeds []string
}

// NewStatic copies seeds, dropping blanks.
func NewStatic(seeds []string) *Static {
	out := make([]string, 0, len(seeds))
	for _, s := range seeds {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return &Static{seeds: out}
}

// Discover returns the first n seeds; n <= 0 returns all of them.
func (s *Static) Discover(ctx context.Context, _ string, n int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n <= 0 || n > len(s.seeds) {
		n = len(s.seeds)
	}
	out := make([]string, n)
	copy(out, s.seeds[:n])
	return out, nil
}
