package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/harvest-crawler/internal/progress"
)

// PrometheusSink turns run and fetch events into Prometheus collectors.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runDuration   *prometheus.HistogramVec

	fetchEvents  *prometheus.CounterVec
	fetchClasses *prometheus.CounterVec
	fetchOutcome *prometheus.CounterVec

	tracker *runTracker
}

// NewPrometheusSink registers the sink's collectors with reg, or with the
// default registerer when reg is nil.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_runs_started_total",
			Help: "Crawl runs started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_runs_completed_total",
			Help: "Crawl runs finished, by result.",
		}, []string{"result"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_runs_running",
			Help: "Crawl runs currently in progress.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_run_duration_seconds",
			Help:    "Wall time per finished run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"result"}),
		fetchEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_fetch_events_total",
			Help: "Fetch lifecycle events by stage and site.",
		}, []string{"stage", "site"}),
		fetchClasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_fetch_status_class_total",
			Help: "Finished fetches by site and HTTP status class.",
		}, []string{"site", "status_class"}),
		fetchOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_fetch_outcomes_total",
			Help: "Finished fetches by terminal outcome.",
		}, []string{"outcome"}),
		tracker: newRunTracker(),
	}
	for _, c := range []prometheus.Collector{
		s.runsStarted, s.runsCompleted, s.runsRunning, s.runDuration,
		s.fetchEvents, s.fetchClasses, s.fetchOutcome,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume applies a batch to the collectors.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart, progress.StageRunDone, progress.StageRunError:
			s.handleRunEvent(evt)
		case progress.StageFetchStart, progress.StageFetchRetry, progress.StageFetchSkip, progress.StageFetchDone:
			s.handleFetchEvent(evt)
		}
	}
	return nil
}

func (s *PrometheusSink) handleRunEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
		return
	case progress.StageRunDone:
		s.finishRun(evt, "success")
	case progress.StageRunError:
		s.finishRun(evt, "error")
	}
}

func (s *PrometheusSink) finishRun(evt progress.Event, result string) {
	s.runsCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.runDuration.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.RunID) {
		s.runsRunning.Dec()
	}
}

func (s *PrometheusSink) handleFetchEvent(evt progress.Event) {
	site := evt.Site
	if site == "" {
		site = "unknown"
	}
	s.fetchEvents.WithLabelValues(string(evt.Stage), site).Inc()
	if evt.Stage != progress.StageFetchDone {
		return
	}
	class := evt.StatusClass
	if class == "" {
		class = progress.StatusOther
	}
	s.fetchClasses.WithLabelValues(site, string(class)).Inc()
	s.fetchOutcome.WithLabelValues(string(evt.Outcome)).Inc()
}

// Close is a no-op; collectors stay registered.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
