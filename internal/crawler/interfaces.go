package crawler

import (
	"context"
	"io"
	"time"
)

// Renderer turns a URL into rendered HTML. The render deadline is carried by
// ctx; implementations must abort in-flight work when ctx is done.
type Renderer interface {
	Render(ctx context.Context, rawURL string) (Page, error)
}

// Discoverer produces an ordered seed list for a query.
type Discoverer interface {
	Discover(ctx context.Context, query string, n int) ([]string, error)
}

// BlobStore writes artifacts and returns a URI. Implementations must never
// expose a partially written object under path.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, body io.Reader) (string, error)
}

// DirPreparer is implemented by stores that materialize directories eagerly.
type DirPreparer interface {
	EnsureDir(path string) error
}

// OutcomeRecorder persists terminal outcome metadata.
type OutcomeRecorder interface {
	Record(ctx context.Context, rec OutcomeRecord) error
}

// Publisher pushes artifact notifications to a broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// RobotsPolicy decides whether a URL may be fetched.
type RobotsPolicy interface {
	Allowed(ctx context.Context, rawURL string) bool
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
