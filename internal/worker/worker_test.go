package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvest-crawler/internal/crawler"
	"github.com/JakeFAU/harvest-crawler/internal/dedup"
	"github.com/JakeFAU/harvest-crawler/internal/frontier"
	"github.com/JakeFAU/harvest-crawler/internal/politeness"
	"github.com/JakeFAU/harvest-crawler/internal/progress"
)

type harness struct {
	frontier *frontier.Frontier
	claims   *dedup.Deduplicator
	limiter  *politeness.Limiter
	reporter *fakeReporter
	events   *eventLog
}

func newHarness(maxAttempts int) *harness {
	h := &harness{
		claims:   dedup.New(),
		limiter:  politeness.New(politeness.Config{MaxInFlight: 2, MinHostInterval: -1}, nil),
		reporter: &fakeReporter{},
		events:   &eventLog{},
	}
	h.frontier = frontier.New(frontier.Config{MaxAttempts: maxAttempts}, h.claims, h.reporter.Finish, nil)
	return h
}

func (h *harness) worker(r crawler.Renderer, mutate func(*Deps, *Config)) *Worker {
	deps := Deps{
		Frontier: h.frontier,
		Claims:   h.claims,
		Limiter:  h.limiter,
		Renderer: r,
		Reporter: h.reporter,
		Progress: h.events,
	}
	cfg := Config{RunID: "0190a6c4-7f6e-7c1b-9a4e-3f5d2b8c1a00", RenderTimeout: time.Second}
	if mutate != nil {
		mutate(&deps, &cfg)
	}
	return New(1, deps, cfg, zap.NewNop())
}

func TestWorkerSuccess(t *testing.T) {
	t.Parallel()

	h := newHarness(3)
	h.frontier.Seed([]string{"https://example.com/a"})
	r := &scriptedRenderer{pages: map[string]crawler.Page{
		"https://example.com/a": {HTML: "<html>ok</html>", Title: "OK", StatusCode: 200},
	}}

	require.NoError(t, h.worker(r, nil).Run(context.Background()))
	require.True(t, h.frontier.IsDrained())

	results := h.reporter.Results()
	require.Len(t, results, 1)
	res := results[0]
	require.Equal(t, crawler.StatusSuccess, res.Status)
	require.Equal(t, "<html>ok</html>", res.Content)
	require.Equal(t, "OK", res.Title)
	require.Equal(t, "https://example.com/a", res.CanonicalURL)
	require.False(t, res.FetchedAt.IsZero())
	require.Equal(t, []progress.Stage{progress.StageFetchStart}, h.events.Stages())
}

func TestWorkerSkipsDuplicates(t *testing.T) {
	t.Parallel()

	h := newHarness(3)
	h.frontier.Seed([]string{"http://a.com/x", "http://www.a.com/x#frag"})
	r := &scriptedRenderer{fallback: crawler.Page{HTML: "<p>x</p>"}}

	require.NoError(t, h.worker(r, nil).Run(context.Background()))
	require.Len(t, h.reporter.Results(), 1)
	require.Equal(t, 1, h.reporter.Duplicates())
	require.Equal(t, int32(1), r.calls.Load())
	require.Contains(t, h.events.Stages(), progress.StageFetchSkip)
}

func TestWorkerRetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()

	h := newHarness(3)
	h.frontier.Seed([]string{"https://example.com/flaky"})
	r := &scriptedRenderer{
		failFirst: 1,
		failErr:   crawler.ErrRenderTimeout,
		fallback:  crawler.Page{HTML: "<p>eventually</p>"},
	}

	require.NoError(t, h.worker(r, nil).Run(context.Background()))
	results := h.reporter.Results()
	require.Len(t, results, 1)
	require.Equal(t, crawler.StatusSuccess, results[0].Status)
	require.Equal(t, 1, results[0].Attempt)
	require.Equal(t, 1, h.reporter.Retries())
	require.Equal(t, 1, h.claims.Len(), "claim held across the retry")
	require.Contains(t, h.events.Stages(), progress.StageFetchRetry)
}

func TestWorkerExhaustsAttempts(t *testing.T) {
	t.Parallel()

	h := newHarness(3)
	h.frontier.Seed([]string{"https://example.com/slow"})
	r := &scriptedRenderer{failFirst: 100, failErr: crawler.ErrRenderTimeout}

	require.NoError(t, h.worker(r, nil).Run(context.Background()))
	require.Equal(t, int32(3), r.calls.Load())
	require.Equal(t, 2, h.reporter.Retries())

	results := h.reporter.Results()
	require.Len(t, results, 1)
	require.Equal(t, crawler.StatusPermanentFailure, results[0].Status)
	require.Contains(t, results[0].ErrorDetail, crawler.ErrAttemptsExhausted.Error())
	require.True(t, h.frontier.IsDrained())
}

func TestWorkerReleasesClaimsOnRetryWhenConfigured(t *testing.T) {
	t.Parallel()

	h := newHarness(2)
	h.frontier.Seed([]string{"https://example.com/slow"})
	r := &scriptedRenderer{failFirst: 1, failErr: errors.New("connection reset"), fallback: crawler.Page{HTML: "x"}}

	w := h.worker(r, func(_ *Deps, cfg *Config) { cfg.ReleaseClaimsOnRetry = true })
	require.NoError(t, w.Run(context.Background()))

	results := h.reporter.Results()
	require.Len(t, results, 1)
	require.Equal(t, crawler.StatusSuccess, results[0].Status)
	require.Zero(t, h.reporter.Duplicates(), "the retried task reclaims its own URL")
	require.True(t, h.claims.IsClaimed("https://example.com/slow"))
}

func TestWorkerPermanentFailures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		seed   string
		render *scriptedRenderer
		deps   func(*Deps)
		want   error
		calls  int32
	}{
		{
			name:   "empty content",
			seed:   "https://example.com/empty",
			render: &scriptedRenderer{fallback: crawler.Page{HTML: "  \n"}},
			want:   crawler.ErrEmptyContent,
			calls:  1,
		},
		{
			name:   "renderer rejects",
			seed:   "https://example.com/reject",
			render: &scriptedRenderer{failFirst: 10, failErr: crawler.Permanent(crawler.ErrRendererRejected)},
			want:   crawler.ErrRendererRejected,
			calls:  1,
		},
		{
			name:   "not found",
			seed:   "https://example.com/missing",
			render: &scriptedRenderer{failFirst: 10, failErr: crawler.StatusError(404)},
			calls:  1,
		},
		{
			name:   "blocked scheme",
			seed:   "ftp://example.com/file",
			render: &scriptedRenderer{},
			deps: func(d *Deps) {
				d.Admission = crawler.NewAdmissionPolicy(nil, nil)
			},
			want: crawler.ErrDisallowedScheme,
		},
		{
			name:   "malformed",
			seed:   "not a url",
			render: &scriptedRenderer{},
			want:   crawler.ErrMalformedURL,
		},
		{
			name:   "robots",
			seed:   "https://example.com/private",
			render: &scriptedRenderer{},
			deps: func(d *Deps) {
				d.Robots = denyRobots{}
			},
			want: crawler.ErrRobotsDisallowed,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(3)
			h.frontier.Seed([]string{tc.seed})
			w := h.worker(tc.render, func(d *Deps, _ *Config) {
				if tc.deps != nil {
					tc.deps(d)
				}
			})
			require.NoError(t, w.Run(context.Background()))

			results := h.reporter.Results()
			require.Len(t, results, 1)
			require.Equal(t, crawler.StatusPermanentFailure, results[0].Status)
			require.Zero(t, h.reporter.Retries())
			require.Equal(t, tc.calls, tc.render.calls.Load())
			if tc.want != nil {
				require.Contains(t, results[0].ErrorDetail, tc.want.Error())
			}
		})
	}
}

func TestWorkerCancellationAbortsRender(t *testing.T) {
	t.Parallel()

	h := newHarness(3)
	h.frontier.Seed([]string{"https://example.com/hang"})
	r := &blockingRenderer{started: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	w := h.worker(r, func(_ *Deps, cfg *Config) { cfg.RenderTimeout = time.Minute })
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	<-r.started
	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancellation")
	}

	results := h.reporter.Results()
	require.Len(t, results, 1)
	require.True(t, results[0].Canceled)
	require.Equal(t, crawler.StatusPermanentFailure, results[0].Status)
	require.Zero(t, h.limiter.InFlight())
}

func TestWorkerRenderDeadlineIsTransient(t *testing.T) {
	t.Parallel()

	h := newHarness(1)
	h.frontier.Seed([]string{"https://example.com/hang"})
	r := &blockingRenderer{started: make(chan struct{}, 1)}

	w := h.worker(r, func(_ *Deps, cfg *Config) { cfg.RenderTimeout = 20 * time.Millisecond })
	require.NoError(t, w.Run(context.Background()))

	results := h.reporter.Results()
	require.Len(t, results, 1)
	require.Equal(t, crawler.StatusPermanentFailure, results[0].Status)
	require.False(t, results[0].Canceled)
	require.Contains(t, results[0].ErrorDetail, "attempts exhausted")
}

type scriptedRenderer struct {
	pages     map[string]crawler.Page
	fallback  crawler.Page
	failFirst int32
	failErr   error
	calls     atomic.Int32
}

func (r *scriptedRenderer) Render(_ context.Context, rawURL string) (crawler.Page, error) {
	n := r.calls.Add(1)
	if n <= r.failFirst {
		return crawler.Page{URL: rawURL}, r.failErr
	}
	if page, ok := r.pages[rawURL]; ok {
		page.URL = rawURL
		return page, nil
	}
	page := r.fallback
	page.URL = rawURL
	return page, nil
}

type blockingRenderer struct {
	started chan struct{}
}

func (r *blockingRenderer) Render(ctx context.Context, rawURL string) (crawler.Page, error) {
	select {
	case r.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return crawler.Page{URL: rawURL}, ctx.Err()
}

type denyRobots struct{}

func (denyRobots) Allowed(context.Context, string) bool { return false }

type fakeReporter struct {
	mu         sync.Mutex
	results    []crawler.FetchResult
	duplicates int
	retries    int
}

func (r *fakeReporter) Finish(_ context.Context, res crawler.FetchResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func (r *fakeReporter) Duplicate(crawler.URLTask) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.duplicates++
}

func (r *fakeReporter) Retried(crawler.URLTask, crawler.FetchResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries++
}

func (r *fakeReporter) Results() []crawler.FetchResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]crawler.FetchResult(nil), r.results...)
}

func (r *fakeReporter) Duplicates() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.duplicates
}

func (r *fakeReporter) Retries() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retries
}

type eventLog struct {
	mu     sync.Mutex
	events []progress.Event
}

func (l *eventLog) Emit(evt progress.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
}

func (l *eventLog) Stages() []progress.Stage {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]progress.Stage, 0, len(l.events))
	for _, evt := range l.events {
		out = append(out, evt.Stage)
	}
	return out
}
