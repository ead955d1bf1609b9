package crawler

import (
	"time"
)

// Status classifies the terminal (or retryable) outcome of a fetch attempt.
type Status string

// Fetch outcome classes.
const (
	StatusSuccess          Status = "success"
	StatusTransientFailure Status = "transient_failure"
	StatusPermanentFailure Status = "permanent_failure"
)

// URLTask is a unit of work owned by the frontier. Its identity is the
// canonical form of URL.
type URLTask struct {
	URL        string
	Canonical  string
	Attempt    int
	EnqueuedAt time.Time
	// ReadyAt holds a retried task back until its backoff elapses.
	ReadyAt time.Time
	// Claimed records that the task already owns its dedup claim, which is
	// the case for retries when claims are held across attempts.
	Claimed bool
}

// FetchResult is produced exactly once per terminal task outcome, and once per
// transient attempt that is handed back to the frontier.
type FetchResult struct {
	URL          string
	CanonicalURL string
	Status       Status
	Content      string
	Title        string
	FinalURL     string
	StatusCode   int
	UsedJS       bool
	Attempt      int
	FetchedAt    time.Time
	Duration     time.Duration
	ErrorDetail  string
	// Canceled marks failures caused by run cancellation rather than the page.
	Canceled bool
}

// Artifact is the persisted shape of one successful FetchResult.
type Artifact struct {
	URL          string            `json:"url"`
	CanonicalURL string            `json:"canonical_url"`
	Title        string            `json:"title"`
	Name         string            `json:"name"`
	ContentHash  string            `json:"content_hash"`
	Bytes        int               `json:"bytes"`
	SavedPaths   map[string]string `json:"saved_paths"`
	FetchedAt    time.Time         `json:"fetched_at"`
}

// CrawlRun aggregates the statistics of a single orchestrator run.
// Requested always equals Succeeded + Failed + SkippedDuplicate once finalized.
type CrawlRun struct {
	RunID            string     `json:"run_id"`
	Root             string     `json:"root"`
	StartedAt        time.Time  `json:"started_at"`
	FinishedAt       time.Time  `json:"finished_at"`
	Requested        int        `json:"requested"`
	Succeeded        int        `json:"succeeded"`
	Failed           int        `json:"failed"`
	SkippedDuplicate int        `json:"skipped_duplicate"`
	Retries          int        `json:"retries"`
	StorageFailures  int        `json:"storage_failures"`
	Canceled         int        `json:"canceled"`
	Artifacts        []Artifact `json:"artifacts,omitempty"`
}

// Balanced reports whether the run counters satisfy the accounting invariant.
func (r CrawlRun) Balanced() bool {
	return r.Requested == r.Succeeded+r.Failed+r.SkippedDuplicate
}

// Page is what a Renderer returns for a URL.
type Page struct {
	URL        string
	FinalURL   string
	StatusCode int
	HTML       string
	Title      string
	UsedJS     bool
}

// OutcomeRecord is the row written for every terminal outcome.
type OutcomeRecord struct {
	RunID        string    `json:"run_id"`
	URL          string    `json:"url"`
	CanonicalURL string    `json:"canonical_url"`
	Status       Status    `json:"status"`
	Attempt      int       `json:"attempt"`
	Title        string    `json:"title,omitempty"`
	ContentHash  string    `json:"content_hash,omitempty"`
	HTMLPath     string    `json:"html_path,omitempty"`
	JSONPath     string    `json:"json_path,omitempty"`
	Bytes        int       `json:"bytes"`
	StatusCode   int       `json:"status_code,omitempty"`
	UsedJS       bool      `json:"used_js"`
	FetchedAt    time.Time `json:"fetched_at"`
	ErrorDetail  string    `json:"error_detail,omitempty"`
}

// ArtifactNotice is published once an artifact is fully written.
type ArtifactNotice struct {
	RunID        string            `json:"run_id"`
	URL          string            `json:"url"`
	CanonicalURL string            `json:"canonical_url"`
	Title        string            `json:"title"`
	ContentHash  string            `json:"content_hash"`
	Paths        map[string]string `json:"paths"`
	FetchedAt    time.Time         `json:"fetched_at"`
}

// MessageKey partitions notices by canonical URL so updates for one page stay ordered.
func (n ArtifactNotice) MessageKey() string {
	if n.CanonicalURL != "" {
		return n.CanonicalURL
	}
	return n.URL
}
