// Package pipeline turns terminal fetch results into persisted artifacts and
// outcome records.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvest-crawler/internal/annotation"
	"github.com/JakeFAU/harvest-crawler/internal/crawler"
	"github.com/JakeFAU/harvest-crawler/internal/metrics"
)

// Layout directories under the run root.
const (
	HTMLDir = "html"
	JSONDir = "json"
	XMLDir  = "xml"
)

const (
	htmlContentType = "text/html; charset=utf-8"
	jsonContentType = "application/json"
	xmlContentType  = "application/xml"

	defaultRecordTimeout = 10 * time.Second
)

// Config controls artifact layout and bookkeeping.
//   - Prefix: joined in front of every object path (GCS bucket prefix or "").
//   - Naming/NameLength: filename policy, see crawler.ArtifactName.
//   - WriteLabelConfig: also write xml/<name>.xml.
//   - Topic: notification topic; empty disables publishing.
//   - RecordTimeout: cap on outcome recording, which outlives run cancellation.
type Config struct {
	RunID            string
	Prefix           string
	Naming           crawler.NamingPolicy
	NameLength       int
	WriteLabelConfig bool
	Topic            string
	RecordTimeout    time.Duration
}

// Outcome reports what Handle did with a result.
type Outcome struct {
	// Status is the final status; a Success whose write failed becomes
	// PermanentFailure.
	Status        crawler.Status
	StorageFailed bool
	Artifact      *crawler.Artifact
	Err           error
}

// Option configures optional collaborators.
type Option func(*Pipeline)

// WithRecorder records every terminal outcome.
func WithRecorder(rec crawler.OutcomeRecorder) Option {
	return func(p *Pipeline) { p.recorder = rec }
}

// WithFailureLog records failed outcomes only.
func WithFailureLog(rec crawler.OutcomeRecorder) Option {
	return func(p *Pipeline) { p.failures = rec }
}

// WithPublisher announces written artifacts on cfg.Topic.
func WithPublisher(pub crawler.Publisher) Option {
	return func(p *Pipeline) { p.publisher = pub }
}

// WithHasher overrides the content hasher.
func WithHasher(h crawler.Hasher) Option {
	return func(p *Pipeline) { p.hasher = h }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// Pipeline writes artifacts through a BlobStore. Handle is safe for
// concurrent use; results sharing an artifact name are serialized so the last
// write wins whole.
type Pipeline struct {
	store     crawler.BlobStore
	cfg       Config
	recorder  crawler.OutcomeRecorder
	failures  crawler.OutcomeRecorder
	publisher crawler.Publisher
	hasher    crawler.Hasher
	logger    *zap.Logger
	locks     *keyedMutex
}

// New builds a Pipeline over store.
func New(store crawler.BlobStore, cfg Config, opts ...Option) *Pipeline {
	if cfg.NameLength <= 0 {
		cfg.NameLength = crawler.DefaultNameLength
	}
	if cfg.Naming == "" {
		cfg.Naming = crawler.NamingCompat
	}
	if cfg.RecordTimeout <= 0 {
		cfg.RecordTimeout = defaultRecordTimeout
	}
	p := &Pipeline{
		store:  store,
		cfg:    cfg,
		hasher: contentDigest{},
		logger: zap.NewNop(),
		locks:  newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Prepare materializes the layout directories when the store supports it.
func (p *Pipeline) Prepare(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("prepare canceled: %w", err)
	}
	preparer, ok := p.store.(crawler.DirPreparer)
	if !ok {
		return nil
	}
	dirs := []string{HTMLDir, JSONDir}
	if p.cfg.WriteLabelConfig {
		dirs = append(dirs, XMLDir)
	}
	for _, dir := range dirs {
		if err := preparer.EnsureDir(p.objectPath(dir)); err != nil {
			return fmt.Errorf("prepare %s: %w", dir, err)
		}
	}
	return nil
}

// Handle persists a Success as an artifact and records every outcome. Storage
// errors are absorbed into the returned Outcome, never propagated.
func (p *Pipeline) Handle(ctx context.Context, res crawler.FetchResult) Outcome {
	if res.Status != crawler.StatusSuccess {
		p.record(ctx, res, nil)
		return Outcome{Status: res.Status}
	}

	artifact, stage, err := p.write(ctx, res)
	if err != nil {
		metrics.ObserveStorageFailure(stage)
		p.logger.Error("artifact write failed",
			zap.String("run_id", p.cfg.RunID),
			zap.String("url", res.URL),
			zap.String("canonical_url", res.CanonicalURL),
			zap.String("stage", stage),
			zap.Error(err),
		)
		failed := res
		failed.Status = crawler.StatusPermanentFailure
		failed.ErrorDetail = fmt.Sprintf("storage failure: %v", err)
		p.record(ctx, failed, nil)
		return Outcome{Status: crawler.StatusPermanentFailure, StorageFailed: true, Err: err}
	}

	metrics.ObserveArtifactWritten()
	p.record(ctx, res, artifact)
	p.publish(ctx, res, artifact)
	p.logger.Debug("artifact written",
		zap.String("run_id", p.cfg.RunID),
		zap.String("url", res.URL),
		zap.String("name", artifact.Name),
		zap.Int("bytes", artifact.Bytes),
	)
	return Outcome{Status: crawler.StatusSuccess, Artifact: artifact}
}

// write stores html, the JSON sidecar and optionally the label config. The
// returned stage names the object that failed.
func (p *Pipeline) write(ctx context.Context, res crawler.FetchResult) (*crawler.Artifact, string, error) {
	name := crawler.ArtifactName(res.URL, res.CanonicalURL, p.cfg.Naming, p.cfg.NameLength)
	body := []byte(res.Content)
	digest, err := p.hasher.Hash(body)
	if err != nil {
		return nil, "hash", fmt.Errorf("hash content: %w", err)
	}

	unlock := p.locks.Lock(name)
	defer unlock()

	saved := make(map[string]string, 3)
	objects := []object{
		{HTMLDir, p.objectPath(HTMLDir, name+".html"), htmlContentType, body},
		{JSONDir, p.objectPath(JSONDir, name+".json"), jsonContentType, annotation.SidecarJSON(res.Content)},
	}
	if p.cfg.WriteLabelConfig {
		objects = append(objects, object{
			XMLDir, p.objectPath(XMLDir, name+".xml"), xmlContentType, annotation.LabelConfigXML(res.URL, res.Title),
		})
	}
	for _, obj := range objects {
		uri, err := p.store.PutObject(ctx, obj.path, obj.contentType, bytes.NewReader(obj.data))
		if err != nil {
			return nil, obj.kind, fmt.Errorf("put %s: %w", obj.path, err)
		}
		saved[obj.kind] = uri
	}

	return &crawler.Artifact{
		URL:          res.URL,
		CanonicalURL: res.CanonicalURL,
		Title:        res.Title,
		Name:         name,
		ContentHash:  digest,
		Bytes:        len(body),
		SavedPaths:   saved,
		FetchedAt:    res.FetchedAt,
	}, "", nil
}

func (p *Pipeline) objectPath(parts ...string) string {
	prefix := strings.Trim(p.cfg.Prefix, "/")
	if prefix == "" {
		return path.Join(parts...)
	}
	return path.Join(append([]string{prefix}, parts...)...)
}

// record writes the outcome row. It runs on a context detached from run
// cancellation so canceled tasks are still accounted for.
func (p *Pipeline) record(ctx context.Context, res crawler.FetchResult, artifact *crawler.Artifact) {
	if p.recorder == nil && (p.failures == nil || res.Status == crawler.StatusSuccess) {
		return
	}
	rec := crawler.OutcomeRecord{
		RunID:        p.cfg.RunID,
		URL:          res.URL,
		CanonicalURL: res.CanonicalURL,
		Status:       res.Status,
		Attempt:      res.Attempt,
		Title:        res.Title,
		StatusCode:   res.StatusCode,
		UsedJS:       res.UsedJS,
		FetchedAt:    res.FetchedAt,
		ErrorDetail:  res.ErrorDetail,
	}
	if artifact != nil {
		rec.ContentHash = artifact.ContentHash
		rec.HTMLPath = artifact.SavedPaths[HTMLDir]
		rec.JSONPath = artifact.SavedPaths[JSONDir]
		rec.Bytes = artifact.Bytes
	}

	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.RecordTimeout)
	defer cancel()
	if p.recorder != nil {
		if err := p.recorder.Record(recCtx, rec); err != nil {
			p.logger.Warn("record outcome failed", zap.String("url", res.URL), zap.Error(err))
		}
	}
	if p.failures != nil && res.Status != crawler.StatusSuccess {
		if err := p.failures.Record(recCtx, rec); err != nil {
			p.logger.Warn("append failure log failed", zap.String("url", res.URL), zap.Error(err))
		}
	}
}

func (p *Pipeline) publish(ctx context.Context, res crawler.FetchResult, artifact *crawler.Artifact) {
	if p.publisher == nil || p.cfg.Topic == "" {
		return
	}
	notice := crawler.ArtifactNotice{
		RunID:        p.cfg.RunID,
		URL:          res.URL,
		CanonicalURL: res.CanonicalURL,
		Title:        res.Title,
		ContentHash:  artifact.ContentHash,
		Paths:        artifact.SavedPaths,
		FetchedAt:    res.FetchedAt,
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.RecordTimeout)
	defer cancel()
	id, err := p.publisher.Publish(pubCtx, p.cfg.Topic, notice)
	if err != nil {
		p.logger.Warn("publish artifact notice failed",
			zap.String("url", res.URL),
			zap.String("topic", p.cfg.Topic),
			zap.Error(err),
		)
		return
	}
	p.logger.Debug("artifact notice published", zap.String("url", res.URL), zap.String("message_id", id))
}

type object struct {
	kind        string
	path        string
	contentType string
	data        []byte
}

type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock acquires the mutex for key and returns its unlock func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
