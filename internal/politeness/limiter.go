// Package politeness gates fetches behind a global in-flight ceiling and
// per-host pacing measured from the previous fetch's completion.
package politeness

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/publicsuffix"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/harvest-crawler/internal/crawler"
	"github.com/JakeFAU/harvest-crawler/internal/metrics"
)

// Defaults for Config.
const (
	DefaultMaxInFlight     = 5
	DefaultMinHostInterval = 100 * time.Millisecond
)

// Config holds limiter configuration.
//   - MaxInFlight: global ceiling on concurrent fetches (default 5).
//   - MinHostInterval: minimum gap between one fetch to a host completing and
//     the next starting (default 100ms; negative disables).
//   - HostQPS: optional token bucket per host on top of the interval (0 = off).
//   - GroupByDomain: key hosts by registrable domain instead of hostname.
type Config struct {
	MaxInFlight     int
	MinHostInterval time.Duration
	HostQPS         float64
	GroupByDomain   bool
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Limiter implements per-host pacing plus a global semaphore. Waiters on
// either gate are served in arrival order, so no host is starved.
type Limiter struct {
	cfg      Config
	global   *semaphore.Weighted
	clock    crawler.Clock
	mu       sync.Mutex
	hosts    map[string]*hostState
	inFlight atomic.Int64
}

type hostState struct {
	gate     *semaphore.Weighted
	lastDone atomic.Int64
	bucket   *rate.Limiter
}

// Token is held for the duration of one fetch.
type Token struct {
	host       string
	state      *hostState
	acquiredAt time.Time
	once       sync.Once
}

// Host returns the politeness key the token was acquired for.
func (t *Token) Host() string {
	if t == nil {
		return ""
	}
	return t.host
}

// New builds a Limiter. A nil clock uses wall time.
func New(cfg Config, clock crawler.Clock) *Limiter {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	if cfg.MinHostInterval == 0 {
		cfg.MinHostInterval = DefaultMinHostInterval
	}
	if cfg.MinHostInterval < 0 {
		cfg.MinHostInterval = 0
	}
	if clock == nil {
		clock = systemClock{}
	}
	return &Limiter{
		cfg:    cfg,
		global: semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		clock:  clock,
		hosts:  make(map[string]*hostState),
	}
}

// Acquire blocks until rawURL's host is idle, its pacing interval has passed,
// and a global slot is free. On error nothing is held.
func (l *Limiter) Acquire(ctx context.Context, rawURL string) (*Token, error) {
	host := l.Key(rawURL)
	state := l.host(host)
	start := time.Now()

	if err := state.gate.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire host %s: %w", host, err)
	}
	if err := l.waitInterval(ctx, state); err != nil {
		state.gate.Release(1)
		return nil, err
	}
	if state.bucket != nil {
		if err := state.bucket.Wait(ctx); err != nil {
			state.gate.Release(1)
			return nil, fmt.Errorf("host rate limit %s: %w", host, err)
		}
	}
	if err := l.global.Acquire(ctx, 1); err != nil {
		state.gate.Release(1)
		return nil, fmt.Errorf("acquire global slot: %w", err)
	}

	l.inFlight.Add(1)
	metrics.ObservePolitenessWait(host, time.Since(start))
	return &Token{host: host, state: state, acquiredAt: l.clock.Now()}, nil
}

// Release records the host's completion time and frees both gates. Releasing
// a token more than once is a no-op.
func (l *Limiter) Release(tok *Token) {
	if tok == nil || tok.state == nil {
		return
	}
	tok.once.Do(func() {
		tok.state.lastDone.Store(l.clock.Now().UnixNano())
		l.inFlight.Add(-1)
		l.global.Release(1)
		tok.state.gate.Release(1)
	})
}

// InFlight returns the number of tokens currently held.
func (l *Limiter) InFlight() int {
	return int(l.inFlight.Load())
}

// Key maps a URL to its politeness key.
func (l *Limiter) Key(rawURL string) string {
	host := strings.TrimPrefix(crawler.Hostname(rawURL), "www.")
	if host == "" {
		return "unknown"
	}
	if l.cfg.GroupByDomain {
		if domain, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
			return domain
		}
	}
	return host
}

func (l *Limiter) host(key string) *hostState {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.hosts[key]
	if !ok {
		state = &hostState{gate: semaphore.NewWeighted(1)}
		if l.cfg.HostQPS > 0 {
			state.bucket = rate.NewLimiter(rate.Limit(l.cfg.HostQPS), 1)
		}
		l.hosts[key] = state
	}
	return state
}

func (l *Limiter) waitInterval(ctx context.Context, state *hostState) error {
	last := state.lastDone.Load()
	if last == 0 || l.cfg.MinHostInterval <= 0 {
		return nil
	}
	wait := time.Unix(0, last).Add(l.cfg.MinHostInterval).Sub(l.clock.Now())
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("host interval wait: %w", ctx.Err())
	}
}
