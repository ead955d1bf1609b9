// Package headless renders pages in headless Chrome via chromedp.
package headless

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvest-crawler/internal/crawler"
)

// networkIdle is the lifecycle event Chrome emits after 500ms without
// network connections.
const networkIdle = "networkIdle"

const snapshotJS = `(() => {
	const dt = document.doctype;
	const head = dt ? new XMLSerializer().serializeToString(dt) : "";
	return head + document.documentElement.outerHTML;
})()`

// Config controls the browser process.
type Config struct {
	ExecPath  string
	UserAgent string
	// IdleTimeout caps the wait for networkIdle; the page is snapshotted
	// as-is once it elapses. Zero waits until the render deadline.
	IdleTimeout time.Duration
}

// Renderer keeps one browser alive and opens a tab per render.
type Renderer struct {
	cfg           Config
	logger        *zap.Logger
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

// New launches Chrome and waits for the browser to come up.
func New(cfg Config, logger *zap.Logger) (*Renderer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("chromedp warmup: %w: %w", crawler.ErrRendererDisabled, err)
	}
	return &Renderer{
		cfg:           cfg,
		logger:        logger,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}, nil
}

// Close shuts the browser down.
func (r *Renderer) Close() error {
	if r == nil {
		return nil
	}
	r.browserCancel()
	r.allocCancel()
	return nil
}

// Render navigates a fresh tab to rawURL, waits for network idle and returns
// the serialized DOM. The deadline comes from ctx.
func (r *Renderer) Render(ctx context.Context, rawURL string) (crawler.Page, error) {
	if r == nil {
		return crawler.Page{}, crawler.ErrRendererDisabled
	}

	tabCtx, cancelTab := chromedp.NewContext(r.browserCtx)
	defer cancelTab()
	taskCtx := tabCtx
	if deadline, ok := ctx.Deadline(); ok {
		var cancelTask context.CancelFunc
		taskCtx, cancelTask = context.WithDeadline(tabCtx, deadline)
		defer cancelTask()
	}
	stopForward := forwardCancel(ctx, cancelTab)
	defer stopForward()

	state := newPageState()
	chromedp.ListenTarget(tabCtx, state.handle)

	var (
		html     string
		title    string
		finalURL string
		loaderID cdp.LoaderID
	)
	tasks := chromedp.Tasks{
		network.Enable(),
		page.SetLifecycleEventsEnabled(true),
		r.userAgentAction(),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, lid, errText, isDownload, err := page.Navigate(rawURL).Do(ctx)
			if err != nil {
				return fmt.Errorf("navigate: %w", err)
			}
			if errText != "" {
				return navigationError(errText)
			}
			if isDownload {
				return crawler.Permanent(fmt.Errorf("%w: response is a download", crawler.ErrRendererRejected))
			}
			loaderID = lid
			return nil
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			if !state.waitIdle(ctx, loaderID, r.cfg.IdleTimeout) && ctx.Err() == nil {
				r.logger.Debug("network idle not reached; snapshotting", zap.String("url", rawURL))
			}
			return nil
		}),
		chromedp.Evaluate(snapshotJS, &html),
		chromedp.Title(&title),
		chromedp.Location(&finalURL),
	}
	if err := chromedp.Run(taskCtx, tasks); err != nil {
		return crawler.Page{}, wrapRunError(ctx, err)
	}

	status, responseURL := state.document(loaderID)
	if finalURL == "" {
		finalURL = responseURL
	}
	result := crawler.Page{
		URL:        rawURL,
		FinalURL:   finalURL,
		StatusCode: status,
		HTML:       html,
		Title:      title,
		UsedJS:     true,
	}
	if err := crawler.StatusError(status); err != nil {
		return result, fmt.Errorf("render %s: %w", rawURL, err)
	}
	return result, nil
}

func (r *Renderer) userAgentAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if r.cfg.UserAgent == "" {
			return nil
		}
		if err := emulation.SetUserAgentOverride(r.cfg.UserAgent).Do(ctx); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
		return nil
	})
}

// wrapRunError keeps the caller's cancellation distinguishable from a page
// that simply ran out of time.
func wrapRunError(parent context.Context, err error) error {
	var perm *crawler.PermanentError
	var nav *NavigationError
	switch {
	case errors.As(err, &perm), errors.As(err, &nav):
		return err
	case errors.Is(parent.Err(), context.Canceled):
		return fmt.Errorf("render canceled: %w", parent.Err())
	case errors.Is(parent.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", crawler.ErrRenderTimeout, err)
	default:
		return fmt.Errorf("chromedp run: %w", err)
	}
}

// NavigationError is a network-level failure reported by Chrome, such as
// net::ERR_CONNECTION_REFUSED.
type NavigationError struct {
	Text string
}

func (e *NavigationError) Error() string {
	return "navigation failed: " + e.Text
}

var permanentNetErrors = []string{
	"net::ERR_INVALID_URL",
	"net::ERR_UNKNOWN_URL_SCHEME",
	"net::ERR_DISALLOWED_URL_SCHEME",
	"net::ERR_BLOCKED_BY_CLIENT",
	"net::ERR_BLOCKED_BY_ADMINISTRATOR",
	"net::ERR_ABORTED",
}

func navigationError(text string) error {
	err := &NavigationError{Text: text}
	for _, code := range permanentNetErrors {
		if strings.HasPrefix(text, code) {
			return crawler.Permanent(fmt.Errorf("%w: %w", crawler.ErrRendererRejected, err))
		}
	}
	return err
}

type docResponse struct {
	status int
	url    string
}

// pageState collects CDP events for a single tab.
type pageState struct {
	mu     sync.Mutex
	idle   map[cdp.LoaderID]struct{}
	docs   map[cdp.LoaderID]docResponse
	notify chan struct{}
}

func newPageState() *pageState {
	return &pageState{
		idle:   make(map[cdp.LoaderID]struct{}),
		docs:   make(map[cdp.LoaderID]docResponse),
		notify: make(chan struct{}, 1),
	}
}

func (s *pageState) handle(ev any) {
	switch e := ev.(type) {
	case *page.EventLifecycleEvent:
		if e.Name != networkIdle {
			return
		}
		s.mu.Lock()
		s.idle[e.LoaderID] = struct{}{}
		s.mu.Unlock()
		select {
		case s.notify <- struct{}{}:
		default:
		}
	case *network.EventResponseReceived:
		if e.Type != network.ResourceTypeDocument || e.Response == nil {
			return
		}
		s.mu.Lock()
		// Redirect hops share a loader; keep the final document response.
		s.docs[e.LoaderID] = docResponse{status: int(e.Response.Status), url: e.Response.URL}
		s.mu.Unlock()
	}
}

func (s *pageState) isIdle(loaderID cdp.LoaderID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.idle[loaderID]
	return ok
}

// waitIdle blocks until networkIdle fires for loaderID, limit elapses or ctx
// ends. It reports whether idle was observed.
func (s *pageState) waitIdle(ctx context.Context, loaderID cdp.LoaderID, limit time.Duration) bool {
	if loaderID == "" {
		return true
	}
	var expired <-chan time.Time
	if limit > 0 {
		timer := time.NewTimer(limit)
		defer timer.Stop()
		expired = timer.C
	}
	for {
		if s.isIdle(loaderID) {
			return true
		}
		select {
		case <-s.notify:
		case <-expired:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func (s *pageState) document(loaderID cdp.LoaderID) (int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.docs[loaderID]
	return doc.status, doc.url
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
