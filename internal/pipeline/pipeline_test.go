package pipeline

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvest-crawler/internal/crawler"
	pubmemory "github.com/JakeFAU/harvest-crawler/internal/publisher/memory"
	"github.com/JakeFAU/harvest-crawler/internal/storage/local"
	"github.com/JakeFAU/harvest-crawler/internal/storage/memory"
)

var fetchedAt = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func success(rawURL, html string) crawler.FetchResult {
	canonical, _ := crawler.Canonicalize(rawURL)
	return crawler.FetchResult{
		URL:          rawURL,
		CanonicalURL: canonical,
		Status:       crawler.StatusSuccess,
		Content:      html,
		Title:        "Example",
		StatusCode:   200,
		Attempt:      0,
		FetchedAt:    fetchedAt,
	}
}

func TestHandleWritesCompatLayout(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	p := New(store, Config{RunID: "run-1"}, WithLogger(zap.NewNop()))
	require.NoError(t, p.Prepare(context.Background()))
	require.DirExists(t, filepath.Join(dir, "html"))
	require.DirExists(t, filepath.Join(dir, "json"))
	require.NoDirExists(t, filepath.Join(dir, "xml"))

	out := p.Handle(context.Background(), success("https://www.example.com/foo/bar?q=1", "<p>hi</p>"))
	require.NoError(t, out.Err)
	require.Equal(t, crawler.StatusSuccess, out.Status)
	require.NotNil(t, out.Artifact)
	require.Equal(t, "example.co", out.Artifact.Name)
	require.Equal(t, 9, out.Artifact.Bytes)
	require.Len(t, out.Artifact.ContentHash, 64)

	html, err := os.ReadFile(filepath.Join(dir, "html", "example.co.html"))
	require.NoError(t, err)
	require.Equal(t, "<p>hi</p>", string(html))

	sidecar, err := os.ReadFile(filepath.Join(dir, "json", "example.co.json"))
	require.NoError(t, err)
	require.Equal(t, `[{"html_content": "<p>hi</p>"}]`, string(sidecar))
	require.Equal(t, "file://"+filepath.Join(dir, "json", "example.co.json"), out.Artifact.SavedPaths[JSONDir])
}

func TestHandleOverwritesSameName(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	p := New(store, Config{})

	first := p.Handle(context.Background(), success("https://example.com/a", "first"))
	require.Equal(t, crawler.StatusSuccess, first.Status)
	second := p.Handle(context.Background(), success("https://example.com/a", "second version"))
	require.Equal(t, crawler.StatusSuccess, second.Status)

	html, err := os.ReadFile(filepath.Join(dir, "html", first.Artifact.Name+".html"))
	require.NoError(t, err)
	require.Equal(t, "second version", string(html))

	entries, err := os.ReadDir(filepath.Join(dir, "html"))
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temporary files left behind")
}

func TestHandleConcurrentSameNameNeverMixes(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	p := New(store, Config{})

	var wg sync.WaitGroup
	bodies := []string{"aaaa", "bbbbbbbb", "cccccccccccc"}
	for _, body := range bodies {
		wg.Add(1)
		go func(body string) {
			defer wg.Done()
			out := p.Handle(context.Background(), success("https://example.com/same", body))
			assert.Equal(t, crawler.StatusSuccess, out.Status)
		}(body)
	}
	wg.Wait()

	html, ok := store.Get("html/example.co.html")
	require.True(t, ok)
	require.Contains(t, bodies, string(html.Data))
	sidecar, ok := store.Get("json/example.co.json")
	require.True(t, ok)
	require.Equal(t, `[{"html_content": "`+string(html.Data)+`"}]`, string(sidecar.Data))
}

func TestHandleHashedNamingPrefixAndLabelConfig(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	pub := pubmemory.New()
	rec := &recorder{}
	p := New(store, Config{
		RunID:            "run-7",
		Prefix:           "/crawls/widgets/",
		Naming:           crawler.NamingHashed,
		WriteLabelConfig: true,
		Topic:            "artifacts",
	}, WithPublisher(pub), WithRecorder(rec))

	out := p.Handle(context.Background(), success("https://example.com/a", "<html></html>"))
	require.Equal(t, crawler.StatusSuccess, out.Status)
	name := out.Artifact.Name
	require.Len(t, name, len("example.co")+13)

	require.Equal(t, []string{
		"crawls/widgets/html/" + name + ".html",
		"crawls/widgets/json/" + name + ".json",
		"crawls/widgets/xml/" + name + ".xml",
	}, store.Paths())
	xml, _ := store.Get("crawls/widgets/xml/" + name + ".xml")
	require.Contains(t, string(xml.Data), `value="https://example.com/a"`)
	require.Equal(t, xmlContentType, xml.ContentType)

	msgs := pub.MessagesFor("artifacts")
	require.Len(t, msgs, 1)
	notice, ok := msgs[0].Payload.(crawler.ArtifactNotice)
	require.True(t, ok)
	require.Equal(t, "run-7", notice.RunID)
	require.Equal(t, out.Artifact.ContentHash, notice.ContentHash)
	require.Equal(t, "https://example.com/a", notice.MessageKey())

	rows := rec.Rows()
	require.Len(t, rows, 1)
	require.Equal(t, crawler.StatusSuccess, rows[0].Status)
	require.Equal(t, "memory://crawls/widgets/html/"+name+".html", rows[0].HTMLPath)
	require.Equal(t, 13, rows[0].Bytes)
}

func TestHandleStorageFailure(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	failures := &recorder{}
	pub := pubmemory.New()
	p := New(failingStore{}, Config{Topic: "artifacts"},
		WithRecorder(rec), WithFailureLog(failures), WithPublisher(pub))

	out := p.Handle(context.Background(), success("https://example.com/a", "body"))
	require.True(t, out.StorageFailed)
	require.Equal(t, crawler.StatusPermanentFailure, out.Status)
	require.ErrorIs(t, out.Err, errDiskFull)
	require.Nil(t, out.Artifact)
	require.Empty(t, pub.Messages())

	require.Len(t, failures.Rows(), 1)
	require.Contains(t, failures.Rows()[0].ErrorDetail, "storage failure")
	require.Equal(t, crawler.StatusPermanentFailure, rec.Rows()[0].Status)
}

func TestHandleFailureRecordsWithoutWriting(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	rec := &recorder{}
	failures := &recorder{}
	p := New(store, Config{RunID: "r"}, WithRecorder(rec), WithFailureLog(failures))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := p.Handle(ctx, crawler.FetchResult{
		URL:         "ftp://example.com/x",
		Status:      crawler.StatusPermanentFailure,
		ErrorDetail: "disallowed scheme",
	})
	require.Equal(t, crawler.StatusPermanentFailure, out.Status)
	require.False(t, out.StorageFailed)
	require.Empty(t, store.Paths())

	require.Len(t, rec.Rows(), 1, "recorded even though the run context is canceled")
	require.Len(t, failures.Rows(), 1)
	require.Equal(t, "disallowed scheme", failures.Rows()[0].ErrorDetail)
}

func TestHandleSuccessSkipsFailureLog(t *testing.T) {
	t.Parallel()

	failures := &recorder{}
	p := New(memory.NewBlobStore(), Config{}, WithFailureLog(failures))
	out := p.Handle(context.Background(), success("https://example.com/", "x"))
	require.Equal(t, crawler.StatusSuccess, out.Status)
	require.Empty(t, failures.Rows())
}

func TestHandleRecorderErrorIsAbsorbed(t *testing.T) {
	t.Parallel()

	p := New(memory.NewBlobStore(), Config{}, WithRecorder(&recorder{err: errors.New("db down")}))
	out := p.Handle(context.Background(), success("https://example.com/", "x"))
	require.Equal(t, crawler.StatusSuccess, out.Status)
	require.NoError(t, out.Err)
}

func TestPrepareWithoutDirPreparer(t *testing.T) {
	t.Parallel()

	p := New(memory.NewBlobStore(), Config{})
	require.NoError(t, p.Prepare(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, p.Prepare(ctx), context.Canceled)
}

var errDiskFull = errors.New("disk full")

type failingStore struct{}

func (failingStore) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errDiskFull
}

type recorder struct {
	mu   sync.Mutex
	rows []crawler.OutcomeRecord
	err  error
}

func (r *recorder) Record(ctx context.Context, rec crawler.OutcomeRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.rows = append(r.rows, rec)
	return nil
}

func (r *recorder) Rows() []crawler.OutcomeRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]crawler.OutcomeRecord(nil), r.rows...)
}
