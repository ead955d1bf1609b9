// Package metrics exposes Prometheus collectors for the crawl orchestrator.
// There is no scrape endpoint; WriteTextfile dumps the registry at run end
// for node_exporter's textfile collector or for inspection.
package metrics

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	crawlerFetchesTotal           *prometheus.CounterVec
	crawlerBytesTotal             *prometheus.CounterVec
	crawlerRenderDurationSeconds  *prometheus.HistogramVec
	crawlerPolitenessWaitSeconds  *prometheus.HistogramVec
	crawlerActiveWorkers          prometheus.Gauge
	crawlerArtifactsWrittenTotal  prometheus.Counter
	crawlerStorageFailuresTotal   *prometheus.CounterVec
	crawlerDuplicatesSkippedTotal prometheus.Counter
	crawlerRetriesTotal           *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_fetches_total",
				Help: "Fetch attempts, labeled by site and outcome status.",
			},
			[]string{"site", "status"},
		)

		crawlerBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bytes_total",
				Help: "Rendered HTML bytes, labeled by site.",
			},
			[]string{"site"},
		)

		crawlerRenderDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_render_duration_seconds",
				Help:    "Renderer call latency, labeled by outcome status.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"status"},
		)

		crawlerPolitenessWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_politeness_wait_seconds",
				Help:    "Time spent waiting for a politeness token, labeled by site.",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"site"},
		)

		crawlerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of workers currently processing a task.",
			},
		)

		crawlerArtifactsWrittenTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_artifacts_written_total",
				Help: "Artifacts fully persisted.",
			},
		)

		crawlerStorageFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_storage_failures_total",
				Help: "Artifact or outcome writes that failed, labeled by stage.",
			},
			[]string{"stage"},
		)

		crawlerDuplicatesSkippedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_duplicates_skipped_total",
				Help: "Tasks discarded because their canonical URL was already claimed.",
			},
		)

		crawlerRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_retries_total",
				Help: "Transient failures handed back to the frontier, labeled by error kind.",
			},
			[]string{"reason"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// ObserveFetch records one fetch attempt.
func ObserveFetch(rawURL, status string, bytesFetched int, duration time.Duration) {
	Init()
	site := SanitizeSite(rawURL)
	crawlerFetchesTotal.WithLabelValues(site, status).Inc()
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(site).Add(float64(bytesFetched))
	}
	if duration > 0 {
		crawlerRenderDurationSeconds.WithLabelValues(status).Observe(duration.Seconds())
	}
}

// ObservePolitenessWait records how long a worker waited for a token.
func ObservePolitenessWait(site string, duration time.Duration) {
	Init()
	crawlerPolitenessWaitSeconds.WithLabelValues(site).Observe(duration.Seconds())
}

// ObserveArtifactWritten counts a persisted artifact.
func ObserveArtifactWritten() {
	Init()
	crawlerArtifactsWrittenTotal.Inc()
}

// ObserveStorageFailure counts a failed write at the given stage.
func ObserveStorageFailure(stage string) {
	Init()
	crawlerStorageFailuresTotal.WithLabelValues(stage).Inc()
}

// ObserveDuplicate counts a duplicate skip.
func ObserveDuplicate() {
	Init()
	crawlerDuplicatesSkippedTotal.Inc()
}

// ObserveRetry counts a transient failure that was re-enqueued.
func ObserveRetry(reason string) {
	Init()
	crawlerRetriesTotal.WithLabelValues(reason).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	crawlerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	crawlerActiveWorkers.Dec()
}

// WriteTextfile writes every collector in gatherer (the default registry when
// nil) to path in the Prometheus text format. The write is atomic.
func WriteTextfile(path string, gatherer prometheus.Gatherer) error {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if err := prometheus.WriteToTextfile(path, gatherer); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
