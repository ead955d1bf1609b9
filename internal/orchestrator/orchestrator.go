// Package orchestrator runs one crawl: it seeds a frontier, fans the work out
// to a fixed worker pool and returns the finalized run statistics.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvest-crawler/internal/clock/system"
	"github.com/JakeFAU/harvest-crawler/internal/crawler"
	"github.com/JakeFAU/harvest-crawler/internal/dedup"
	"github.com/JakeFAU/harvest-crawler/internal/frontier"
	"github.com/JakeFAU/harvest-crawler/internal/id/uuid"
	"github.com/JakeFAU/harvest-crawler/internal/pipeline"
	"github.com/JakeFAU/harvest-crawler/internal/politeness"
	"github.com/JakeFAU/harvest-crawler/internal/progress"
	"github.com/JakeFAU/harvest-crawler/internal/worker"
)

// Deps are the long-lived collaborators shared by every run. Renderer and
// Store are required.
type Deps struct {
	Renderer   crawler.Renderer
	Store      crawler.BlobStore
	Robots     crawler.RobotsPolicy
	Recorder   crawler.OutcomeRecorder
	FailureLog crawler.OutcomeRecorder
	Publisher  crawler.Publisher
	Hasher     crawler.Hasher
	Progress   progress.Emitter
	Clock      crawler.Clock
	IDs        crawler.IDGenerator
}

// Config is the per-run configuration.
type Config struct {
	RunID string
	// Root names the output root in the run summary.
	Root string
	// Prefix is prepended to every object path written by the pipeline.
	Prefix string

	Workers              int
	MaxInFlight          int
	MaxAttempts          int
	RenderTimeout        time.Duration
	MinHostInterval      time.Duration
	HostQPS              float64
	GroupByDomain        bool
	ReleaseClaimsOnRetry bool
	RetryInitialBackoff  time.Duration
	RetryMaxBackoff      time.Duration
	AllowedSchemes       []string
	BlockedDomains       []string
	RunTimeout           time.Duration

	Naming           crawler.NamingPolicy
	NameLength       int
	WriteLabelConfig bool
	Topic            string
}

// Orchestrator owns no state between runs.
type Orchestrator struct {
	deps   Deps
	logger *zap.Logger
}

// New builds an Orchestrator.
func New(deps Deps, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.IDs == nil {
		deps.IDs = uuid.New()
	}
	if deps.Progress == nil {
		deps.Progress = progress.Discard{}
	}
	return &Orchestrator{deps: deps, logger: logger}
}

// Run crawls seeds to completion and returns the run summary. A canceled or
// timed-out run returns its partial summary together with the context error;
// every seed is still accounted for.
func (o *Orchestrator) Run(ctx context.Context, seeds []string, cfg Config) (crawler.CrawlRun, error) {
	if o.deps.Renderer == nil {
		return crawler.CrawlRun{}, errors.New("orchestrator requires a renderer")
	}
	if o.deps.Store == nil {
		return crawler.CrawlRun{}, errors.New("orchestrator requires a blob store")
	}
	runID := cfg.RunID
	if runID == "" {
		id, err := o.deps.IDs.NewID()
		if err != nil {
			return crawler.CrawlRun{}, fmt.Errorf("generate run id: %w", err)
		}
		runID = id
	}
	if cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.RunTimeout)
		defer cancel()
	}
	logger := o.logger.With(zap.String("run_id", runID))

	limiter := politeness.New(politeness.Config{
		MaxInFlight:     cfg.MaxInFlight,
		MinHostInterval: cfg.MinHostInterval,
		HostQPS:         cfg.HostQPS,
		GroupByDomain:   cfg.GroupByDomain,
	}, o.deps.Clock)
	pipe := pipeline.New(o.deps.Store, pipeline.Config{
		RunID:            runID,
		Prefix:           cfg.Prefix,
		Naming:           cfg.Naming,
		NameLength:       cfg.NameLength,
		WriteLabelConfig: cfg.WriteLabelConfig,
		Topic:            cfg.Topic,
	}, o.pipelineOptions(logger)...)

	state := &runState{
		run: crawler.CrawlRun{
			RunID:     runID,
			Root:      cfg.Root,
			StartedAt: o.deps.Clock.Now(),
		},
		runKey:   progress.ParseRunID(runID),
		pipe:     pipe,
		site:     limiter.Key,
		clock:    o.deps.Clock,
		progress: o.deps.Progress,
		logger:   logger,
	}

	claims := dedup.New()
	front := frontier.New(frontier.Config{MaxAttempts: cfg.MaxAttempts}, claims, state.Finish, o.deps.Clock)
	state.seed(front, seeds)

	if err := pipe.Prepare(ctx); err != nil {
		err = fmt.Errorf("prepare output: %w", err)
		state.abandon(context.WithoutCancel(ctx), front.Abandon(), err)
		state.emitRun(progress.StageRunError, err.Error())
		return state.finalize(), err
	}
	state.emitRun(progress.StageRunStart, "")
	logger.Info("crawl run started",
		zap.String("root", cfg.Root),
		zap.Int("requested", state.snapshot().Requested),
	)

	deps := worker.Deps{
		Frontier:  front,
		Claims:    claims,
		Limiter:   limiter,
		Renderer:  o.deps.Renderer,
		Reporter:  state,
		Admission: crawler.NewAdmissionPolicy(cfg.AllowedSchemes, cfg.BlockedDomains),
		Robots:    o.deps.Robots,
		Backoff:   crawler.NewExponentialRetryPolicy(cfg.RetryInitialBackoff, cfg.RetryMaxBackoff),
		Clock:     o.deps.Clock,
		Progress:  o.deps.Progress,
	}
	wcfg := worker.Config{
		RunID:                runID,
		RenderTimeout:        cfg.RenderTimeout,
		ReleaseClaimsOnRetry: cfg.ReleaseClaimsOnRetry,
	}

	var wg sync.WaitGroup
	for i := range workerCount(cfg) {
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			if err := w.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("worker stopped unexpectedly", zap.Error(err))
			}
		}(worker.New(i, deps, wcfg, logger))
	}
	wg.Wait()

	runErr := ctx.Err()
	if abandoned := front.Abandon(); len(abandoned) > 0 {
		state.abandon(context.WithoutCancel(ctx), abandoned, runErr)
	}

	summary := state.finalize()
	if !summary.Balanced() {
		logger.Error("run counters out of balance",
			zap.Int("requested", summary.Requested),
			zap.Int("succeeded", summary.Succeeded),
			zap.Int("failed", summary.Failed),
			zap.Int("skipped_duplicate", summary.SkippedDuplicate),
		)
	}
	logger.Info("crawl run finished",
		zap.Int("requested", summary.Requested),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped_duplicate", summary.SkippedDuplicate),
		zap.Int("retries", summary.Retries),
		zap.Int("storage_failures", summary.StorageFailures),
		zap.Int("canceled", summary.Canceled),
		zap.Duration("elapsed", summary.FinishedAt.Sub(summary.StartedAt)),
	)
	if runErr != nil {
		state.emitRun(progress.StageRunError, runErr.Error())
		return summary, fmt.Errorf("crawl run interrupted: %w", runErr)
	}
	state.emitRun(progress.StageRunDone, "")
	return summary, nil
}

func (o *Orchestrator) pipelineOptions(logger *zap.Logger) []pipeline.Option {
	opts := []pipeline.Option{pipeline.WithLogger(logger)}
	if o.deps.Recorder != nil {
		opts = append(opts, pipeline.WithRecorder(o.deps.Recorder))
	}
	if o.deps.FailureLog != nil {
		opts = append(opts, pipeline.WithFailureLog(o.deps.FailureLog))
	}
	if o.deps.Publisher != nil {
		opts = append(opts, pipeline.WithPublisher(o.deps.Publisher))
	}
	if o.deps.Hasher != nil {
		opts = append(opts, pipeline.WithHasher(o.deps.Hasher))
	}
	return opts
}

func workerCount(cfg Config) int {
	if cfg.Workers > 0 {
		return cfg.Workers
	}
	if cfg.MaxInFlight > 0 {
		return cfg.MaxInFlight
	}
	return politeness.DefaultMaxInFlight
}

// runState is the single writer of the run's CrawlRun. It implements
// worker.Reporter.
type runState struct {
	mu  sync.Mutex
	run crawler.CrawlRun

	runKey   [16]byte
	pipe     *pipeline.Pipeline
	site     func(string) string
	clock    crawler.Clock
	progress progress.Emitter
	logger   *zap.Logger
}

func (s *runState) seed(front *frontier.Frontier, seeds []string) {
	enqueued, skipped := front.Seed(seeds)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.run.Requested += enqueued
	for _, task := range skipped {
		if strings.TrimSpace(task.URL) == "" {
			continue
		}
		s.run.Requested++
		s.run.SkippedDuplicate++
	}
}

// Finish hands a terminal result to the pipeline and counts its outcome.
func (s *runState) Finish(ctx context.Context, res crawler.FetchResult) {
	out := s.pipe.Handle(ctx, res)

	s.mu.Lock()
	switch out.Status {
	case crawler.StatusSuccess:
		s.run.Succeeded++
		if out.Artifact != nil {
			s.run.Artifacts = append(s.run.Artifacts, *out.Artifact)
		}
	default:
		s.run.Failed++
		if out.StorageFailed {
			s.run.StorageFailures++
		}
		if res.Canceled {
			s.run.Canceled++
		}
	}
	s.mu.Unlock()

	fields := []zap.Field{
		zap.String("url", res.URL),
		zap.String("canonical_url", res.CanonicalURL),
		zap.Int("attempt", res.Attempt),
		zap.String("status", string(out.Status)),
	}
	if out.Status == crawler.StatusSuccess {
		s.logger.Info("url fetched", fields...)
	} else {
		s.logger.Warn("url failed", append(fields, zap.String("error", res.ErrorDetail))...)
	}

	evt := progress.Event{
		RunID:   s.runKey,
		TS:      s.clock.Now(),
		Stage:   progress.StageFetchDone,
		Site:    s.site(res.URL),
		URL:     res.URL,
		Attempt: res.Attempt,
		Outcome: out.Status,
		Bytes:   int64(len(res.Content)),
		Dur:     res.Duration,
	}
	if res.StatusCode != 0 {
		evt.StatusClass = progress.ClassifyStatus(res.StatusCode)
	}
	if out.Status != crawler.StatusSuccess {
		evt.Note = res.ErrorDetail
	}
	s.progress.Emit(evt)
}

// Duplicate counts a task discarded because its URL was already claimed.
func (s *runState) Duplicate(crawler.URLTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.run.SkippedDuplicate++
}

// Retried counts a transient failure handed back to the frontier.
func (s *runState) Retried(crawler.URLTask, crawler.FetchResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.run.Retries++
}

// abandon fails tasks that were still pending when the run stopped. They
// count as canceled only when cause is a context error.
func (s *runState) abandon(ctx context.Context, tasks []crawler.URLTask, cause error) {
	detail := "run stopped before fetch"
	if cause != nil {
		detail = fmt.Sprintf("%s: %v", detail, cause)
	}
	for _, task := range tasks {
		s.Finish(ctx, crawler.FetchResult{
			URL:          task.URL,
			CanonicalURL: task.Canonical,
			Status:       crawler.StatusPermanentFailure,
			Attempt:      task.Attempt,
			FetchedAt:    s.clock.Now(),
			ErrorDetail:  detail,
			Canceled:     errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded),
		})
	}
}

func (s *runState) snapshot() crawler.CrawlRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	run := s.run
	run.Artifacts = append([]crawler.Artifact(nil), s.run.Artifacts...)
	return run
}

func (s *runState) finalize() crawler.CrawlRun {
	s.mu.Lock()
	s.run.FinishedAt = s.clock.Now()
	s.mu.Unlock()
	return s.snapshot()
}

func (s *runState) emitRun(stage progress.Stage, note string) {
	evt := progress.Event{
		RunID: s.runKey,
		TS:    s.clock.Now(),
		Stage: stage,
		Note:  note,
	}
	if stage != progress.StageRunStart {
		s.mu.Lock()
		evt.Dur = s.clock.Now().Sub(s.run.StartedAt)
		s.mu.Unlock()
	}
	s.progress.Emit(evt)
}
