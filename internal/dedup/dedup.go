// Package dedup tracks claimed canonical URLs for the duration of one run.
package dedup

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/JakeFAU/harvest-crawler/internal/crawler"
)

// Deduplicator is the claim table. Every method is safe for concurrent use.
type Deduplicator struct {
	claims sync.Map
	size   atomic.Int64
}

// New returns an empty claim table.
func New() *Deduplicator {
	return &Deduplicator{}
}

// TryClaim marks the canonical form of rawURL as claimed and reports whether
// this call won the claim. Exactly one of any number of concurrent callers
// for the same canonical URL gets true.
func (d *Deduplicator) TryClaim(rawURL string) bool {
	key := Key(rawURL)
	if key == "" {
		return false
	}
	if _, loaded := d.claims.LoadOrStore(key, struct{}{}); loaded {
		return false
	}
	d.size.Add(1)
	return true
}

// Release drops a claim so a later TryClaim can win it again.
func (d *Deduplicator) Release(rawURL string) {
	key := Key(rawURL)
	if key == "" {
		return
	}
	if _, loaded := d.claims.LoadAndDelete(key); loaded {
		d.size.Add(-1)
	}
}

// IsClaimed reports whether the canonical form of rawURL is currently claimed.
func (d *Deduplicator) IsClaimed(rawURL string) bool {
	key := Key(rawURL)
	if key == "" {
		return false
	}
	_, ok := d.claims.Load(key)
	return ok
}

// Len returns the number of live claims.
func (d *Deduplicator) Len() int {
	return int(d.size.Load())
}

// Key is the claim-table key for rawURL: its canonical form, or the trimmed
// input when it cannot be canonicalized.
func Key(rawURL string) string {
	if canonical, err := crawler.Canonicalize(rawURL); err == nil {
		return canonical
	}
	return strings.TrimSpace(rawURL)
}
