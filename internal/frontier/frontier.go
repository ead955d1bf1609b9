// Package frontier implements the in-memory crawl frontier: a FIFO of pending
// URL tasks with bounded retry re-insertion and drain detection.
package frontier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/harvest-crawler/internal/crawler"
)

// ErrDrained is returned by Next once no task is pending or in flight.
var ErrDrained = errors.New("frontier drained")

// Visited reports canonical URLs that are already claimed.
type Visited interface {
	IsClaimed(rawURL string) bool
}

// TerminalFunc receives the PermanentFailure produced when a task exhausts
// its attempt budget.
type TerminalFunc func(ctx context.Context, result crawler.FetchResult)

// Config controls frontier behavior.
type Config struct {
	MaxAttempts int
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Frontier owns every queued URLTask. A task is handed to exactly one caller
// of Next and stays in flight until Done or Retry is called for it.
type Frontier struct {
	mu          sync.Mutex
	pending     []crawler.URLTask
	inFlight    int
	changed     chan struct{}
	maxAttempts int
	visited     Visited
	terminal    TerminalFunc
	clock       crawler.Clock
}

// New constructs an empty frontier. visited and terminal may be nil.
func New(cfg Config, visited Visited, terminal TerminalFunc, clock crawler.Clock) *Frontier {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = crawler.DefaultMaxAttempts
	}
	if clock == nil {
		clock = systemClock{}
	}
	return &Frontier{
		changed:     make(chan struct{}),
		maxAttempts: cfg.MaxAttempts,
		visited:     visited,
		terminal:    terminal,
		clock:       clock,
	}
}

// Seed enqueues a task per URL, skipping blanks and URLs already marked
// visited. Skipped tasks are returned so the caller can account for them.
func (f *Frontier) Seed(urls []string) (int, []crawler.URLTask) {
	now := f.clock.Now()
	var skipped []crawler.URLTask

	f.mu.Lock()
	defer f.mu.Unlock()
	enqueued := 0
	for _, raw := range urls {
		raw = strings.TrimSpace(raw)
		task := crawler.URLTask{URL: raw, EnqueuedAt: now, ReadyAt: now}
		if canonical, err := crawler.Canonicalize(raw); err == nil {
			task.Canonical = canonical
		}
		if raw == "" || (f.visited != nil && f.visited.IsClaimed(raw)) {
			skipped = append(skipped, task)
			continue
		}
		f.pending = append(f.pending, task)
		enqueued++
	}
	if enqueued > 0 {
		f.broadcastLocked()
	}
	return enqueued, skipped
}

// Next removes and returns the oldest ready task, blocking while tasks are in
// flight or waiting out a retry backoff. It returns ErrDrained once nothing is
// pending or in flight, and the context error if ctx ends first.
func (f *Frontier) Next(ctx context.Context) (crawler.URLTask, error) {
	for {
		f.mu.Lock()
		idx, wait := f.readyIndexLocked(f.clock.Now())
		if idx >= 0 {
			task := f.pending[idx]
			f.pending = append(f.pending[:idx], f.pending[idx+1:]...)
			f.inFlight++
			f.mu.Unlock()
			return task, nil
		}
		if len(f.pending) == 0 && f.inFlight == 0 {
			f.mu.Unlock()
			return crawler.URLTask{}, ErrDrained
		}
		changed := f.changed
		f.mu.Unlock()
		if err := waitChange(ctx, changed, wait); err != nil {
			return crawler.URLTask{}, err
		}
	}
}

// readyIndexLocked returns the index of the first ready task, or -1 and how
// long until the earliest pending task becomes ready (0 if none pending).
func (f *Frontier) readyIndexLocked(now time.Time) (int, time.Duration) {
	var wait time.Duration
	for i, task := range f.pending {
		if !task.ReadyAt.After(now) {
			return i, 0
		}
		if d := task.ReadyAt.Sub(now); wait == 0 || d < wait {
			wait = d
		}
	}
	return -1, wait
}

func waitChange(ctx context.Context, changed <-chan struct{}, wait time.Duration) error {
	var timeout <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-changed:
		return nil
	case <-timeout:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("frontier wait canceled: %w", ctx.Err())
	}
}

// Done marks an in-flight task as terminally handled.
func (f *Frontier) Done(crawler.URLTask) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finishLocked()
}

// Retry re-enqueues task with Attempt+1 after delay when the attempt budget
// allows and reports true. Otherwise result is converted to a
// PermanentFailure, forwarded to the terminal handler, and Retry reports false.
func (f *Frontier) Retry(ctx context.Context, task crawler.URLTask, result crawler.FetchResult, delay time.Duration) bool {
	next := task.Attempt + 1
	if next < f.maxAttempts {
		now := f.clock.Now()
		task.Attempt = next
		task.EnqueuedAt = now
		task.ReadyAt = now.Add(max(delay, 0))

		f.mu.Lock()
		f.pending = append(f.pending, task)
		f.finishLocked()
		f.mu.Unlock()
		return true
	}

	result.Status = crawler.StatusPermanentFailure
	result.Attempt = task.Attempt
	detail := result.ErrorDetail
	if detail == "" {
		detail = "transient failure"
	}
	result.ErrorDetail = fmt.Sprintf("%s (%d/%d): %s", crawler.ErrAttemptsExhausted, next, f.maxAttempts, detail)
	if f.terminal != nil {
		f.terminal(ctx, result)
	}
	f.Done(task)
	return false
}

// Abandon removes every pending task and returns them; in-flight tasks are
// unaffected. Used when a run is canceled.
func (f *Frontier) Abandon() []crawler.URLTask {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.pending
	f.pending = nil
	f.broadcastLocked()
	return out
}

// IsDrained reports whether no task is pending or in flight.
func (f *Frontier) IsDrained() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending) == 0 && f.inFlight == 0
}

// Pending returns the number of queued tasks.
func (f *Frontier) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// InFlight returns the number of tasks handed out and not yet finished.
func (f *Frontier) InFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inFlight
}

func (f *Frontier) finishLocked() {
	if f.inFlight > 0 {
		f.inFlight--
	}
	f.broadcastLocked()
}

func (f *Frontier) broadcastLocked() {
	close(f.changed)
	f.changed = make(chan struct{})
}
