// Package worker implements the fetch loop run by each member of the pool.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvest-crawler/internal/crawler"
	"github.com/JakeFAU/harvest-crawler/internal/frontier"
	"github.com/JakeFAU/harvest-crawler/internal/metrics"
	"github.com/JakeFAU/harvest-crawler/internal/politeness"
	"github.com/JakeFAU/harvest-crawler/internal/progress"
)

// DefaultRenderTimeout bounds one render call.
const DefaultRenderTimeout = 30 * time.Second

// Frontier is the subset of *frontier.Frontier a worker drives.
type Frontier interface {
	Next(ctx context.Context) (crawler.URLTask, error)
	Retry(ctx context.Context, task crawler.URLTask, result crawler.FetchResult, delay time.Duration) bool
	Done(task crawler.URLTask)
}

// Claims is the claim table.
type Claims interface {
	TryClaim(rawURL string) bool
	Release(rawURL string)
}

// Limiter gates renders per host and globally.
type Limiter interface {
	Acquire(ctx context.Context, rawURL string) (*politeness.Token, error)
	Release(tok *politeness.Token)
	Key(rawURL string) string
}

// Reporter receives every accounting event of a task. Finish is called once
// per terminal result; the frontier also calls it for exhausted retries.
type Reporter interface {
	Finish(ctx context.Context, result crawler.FetchResult)
	Duplicate(task crawler.URLTask)
	Retried(task crawler.URLTask, result crawler.FetchResult)
}

// Backoff yields the delay before re-running a task whose attempt failed.
type Backoff interface {
	Backoff(attempt int) time.Duration
}

// Deps bundles a worker's collaborators. Admission, Robots, Backoff, Clock
// and Progress are optional.
type Deps struct {
	Frontier  Frontier
	Claims    Claims
	Limiter   Limiter
	Renderer  crawler.Renderer
	Reporter  Reporter
	Admission *crawler.AdmissionPolicy
	Robots    crawler.RobotsPolicy
	Backoff   Backoff
	Clock     crawler.Clock
	Progress  progress.Emitter
}

// Config controls per-task behavior.
type Config struct {
	RunID                string
	RenderTimeout        time.Duration
	ReleaseClaimsOnRetry bool
}

// Worker pulls tasks until the frontier drains or ctx ends.
type Worker struct {
	id     int
	deps   Deps
	cfg    Config
	runID  [16]byte
	logger *zap.Logger
}

// New constructs a Worker.
func New(id int, deps Deps, cfg Config, logger *zap.Logger) *Worker {
	if cfg.RenderTimeout <= 0 {
		cfg.RenderTimeout = DefaultRenderTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = wallClock{}
	}
	if deps.Progress == nil {
		deps.Progress = progress.Discard{}
	}
	return &Worker{
		id:     id,
		deps:   deps,
		cfg:    cfg,
		runID:  progress.ParseRunID(cfg.RunID),
		logger: logger.With(zap.Int("worker", id)),
	}
}

// Run processes tasks until the frontier reports drained (nil) or ctx ends
// (the context error).
func (w *Worker) Run(ctx context.Context) error {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("worker %d stopped: %w", w.id, err)
		}
		task, err := w.deps.Frontier.Next(ctx)
		if errors.Is(err, frontier.ErrDrained) {
			w.logger.Debug("frontier drained; worker exiting")
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("worker %d stopped: %w", w.id, ctx.Err())
			}
			return fmt.Errorf("worker %d next task: %w", w.id, err)
		}
		w.process(ctx, task)
	}
}

func (w *Worker) process(ctx context.Context, task crawler.URLTask) {
	if task.Canonical == "" {
		if canonical, err := crawler.Canonicalize(task.URL); err == nil {
			task.Canonical = canonical
		}
	}
	site := w.deps.Limiter.Key(task.URL)

	if !task.Claimed {
		if !w.deps.Claims.TryClaim(task.URL) {
			w.logger.Debug("duplicate url skipped",
				zap.String("url", task.URL),
				zap.String("canonical_url", task.Canonical),
			)
			metrics.ObserveDuplicate()
			w.deps.Reporter.Duplicate(task)
			w.emit(progress.StageFetchSkip, site, task, func(evt *progress.Event) { evt.Note = "duplicate" })
			w.deps.Frontier.Done(task)
			return
		}
		task.Claimed = true
	}

	if err := w.admit(ctx, task); err != nil {
		w.finish(ctx, task, w.failure(task, err, 0))
		return
	}

	w.emit(progress.StageFetchStart, site, task, nil)
	tok, err := w.deps.Limiter.Acquire(ctx, task.URL)
	if err != nil {
		w.finish(ctx, task, w.canceled(task, err))
		return
	}
	start := time.Now()
	renderCtx, cancel := context.WithTimeout(ctx, w.cfg.RenderTimeout)
	page, err := w.deps.Renderer.Render(renderCtx, task.URL)
	cancel()
	w.deps.Limiter.Release(tok)
	elapsed := time.Since(start)

	if err == nil && strings.TrimSpace(page.HTML) == "" {
		err = fmt.Errorf("render %s: %w", task.URL, crawler.ErrEmptyContent)
	}
	status := crawler.Classify(err)
	metrics.ObserveFetch(task.URL, string(status), len(page.HTML), elapsed)

	if err != nil && ctx.Err() != nil {
		w.finish(ctx, task, w.canceled(task, err))
		return
	}
	if err != nil {
		res := w.failure(task, err, elapsed)
		res.StatusCode = page.StatusCode
		res.UsedJS = page.UsedJS
		if status == crawler.StatusTransientFailure {
			w.retry(ctx, task, res, err, site)
			return
		}
		w.finish(ctx, task, res)
		return
	}

	w.finish(ctx, task, crawler.FetchResult{
		URL:          task.URL,
		CanonicalURL: task.Canonical,
		Status:       crawler.StatusSuccess,
		Content:      page.HTML,
		Title:        page.Title,
		FinalURL:     page.FinalURL,
		StatusCode:   page.StatusCode,
		UsedJS:       page.UsedJS,
		Attempt:      task.Attempt,
		FetchedAt:    w.deps.Clock.Now(),
		Duration:     elapsed,
	})
}

// admit applies the scheme/domain policy and robots.txt.
func (w *Worker) admit(ctx context.Context, task crawler.URLTask) error {
	if task.Canonical == "" {
		return fmt.Errorf("%w: %q", crawler.ErrMalformedURL, task.URL)
	}
	if w.deps.Admission != nil {
		if err := w.deps.Admission.Check(task.URL); err != nil {
			return err
		}
	}
	if w.deps.Robots != nil && !w.deps.Robots.Allowed(ctx, task.URL) {
		return fmt.Errorf("%s: %w", task.URL, crawler.ErrRobotsDisallowed)
	}
	return nil
}

func (w *Worker) retry(ctx context.Context, task crawler.URLTask, res crawler.FetchResult, cause error, site string) {
	if w.cfg.ReleaseClaimsOnRetry {
		w.deps.Claims.Release(task.URL)
		task.Claimed = false
	}
	var delay time.Duration
	if w.deps.Backoff != nil {
		delay = w.deps.Backoff.Backoff(task.Attempt)
	}
	if !w.deps.Frontier.Retry(ctx, task, res, delay) {
		w.logger.Warn("attempts exhausted",
			zap.String("url", task.URL),
			zap.Int("attempt", task.Attempt),
			zap.Error(cause),
		)
		return
	}
	reason := crawler.ErrorLabel(cause)
	metrics.ObserveRetry(reason)
	w.deps.Reporter.Retried(task, res)
	w.emit(progress.StageFetchRetry, site, task, func(evt *progress.Event) {
		evt.Note = reason
		evt.Dur = res.Duration
	})
	w.logger.Info("transient failure; task re-enqueued",
		zap.String("url", task.URL),
		zap.String("canonical_url", task.Canonical),
		zap.Int("attempt", task.Attempt),
		zap.Duration("delay", delay),
		zap.Error(cause),
	)
}

func (w *Worker) finish(ctx context.Context, task crawler.URLTask, res crawler.FetchResult) {
	w.deps.Reporter.Finish(ctx, res)
	w.deps.Frontier.Done(task)
}

func (w *Worker) failure(task crawler.URLTask, err error, elapsed time.Duration) crawler.FetchResult {
	return crawler.FetchResult{
		URL:          task.URL,
		CanonicalURL: task.Canonical,
		Status:       crawler.Classify(err),
		Attempt:      task.Attempt,
		FetchedAt:    w.deps.Clock.Now(),
		Duration:     elapsed,
		ErrorDetail:  err.Error(),
	}
}

func (w *Worker) canceled(task crawler.URLTask, err error) crawler.FetchResult {
	res := w.failure(task, err, 0)
	res.Status = crawler.StatusPermanentFailure
	res.Canceled = true
	return res
}

func (w *Worker) emit(stage progress.Stage, site string, task crawler.URLTask, mutate func(*progress.Event)) {
	evt := progress.Event{
		RunID:   w.runID,
		TS:      w.deps.Clock.Now(),
		Stage:   stage,
		Site:    site,
		URL:     task.URL,
		Attempt: task.Attempt,
	}
	if mutate != nil {
		mutate(&evt)
	}
	w.deps.Progress.Emit(evt)
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }
