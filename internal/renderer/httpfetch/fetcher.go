// Package httpfetch renders pages with a plain HTTP GET through colly. No
// JavaScript runs, so Page.UsedJS is always false.
package httpfetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/harvest-crawler/internal/crawler"
)

const (
	defaultTimeout  = 30 * time.Second
	defaultMaxBytes = 10 << 20
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	// Timeout bounds a single request when ctx carries no deadline.
	Timeout      time.Duration
	MaxBodyBytes int
	// Transport overrides the HTTP transport (tests inject httpmock here).
	Transport http.RoundTripper
}

// Renderer implements crawler.Renderer using a shared colly collector.
type Renderer struct {
	base     *colly.Collector
	maxBytes int
}

// New builds a Renderer.
func New(cfg Config) *Renderer {
	maxBytes := cfg.MaxBodyBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	opts := []colly.CollectorOption{
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.ParseHTTPErrorResponse(),
		// One byte past the cap tells a full body from a truncated one.
		colly.MaxBodySize(maxBytes + 1),
	}
	if cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(cfg.UserAgent))
	}
	c := colly.NewCollector(opts...)
	transport := cfg.Transport
	if transport == nil {
		transport = newHTTPTransport()
	}
	c.WithTransport(transport)
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c.SetRequestTimeout(timeout)
	return &Renderer{base: c, maxBytes: maxBytes}
}

// Render fetches rawURL. Non-success statuses are returned as
// *crawler.HTTPStatusError alongside the page.
func (r *Renderer) Render(ctx context.Context, rawURL string) (crawler.Page, error) {
	var (
		page     crawler.Page
		fetchErr error
		seen     bool
	)
	collector := r.base.Clone()
	collector.Context = ctx

	collector.OnResponse(func(resp *colly.Response) {
		seen = true
		if len(resp.Body) > r.maxBytes {
			fetchErr = crawler.Permanent(fmt.Errorf("%w: body exceeds %d bytes", crawler.ErrRendererRejected, r.maxBytes))
			return
		}
		page = crawler.Page{
			URL:        rawURL,
			FinalURL:   resp.Request.URL.String(),
			StatusCode: resp.StatusCode,
			HTML:       string(resp.Body),
		}
		if resp.Headers != nil {
			if err := checkContentType(resp.Headers.Get("Content-Type")); err != nil {
				fetchErr = err
				return
			}
		}
		page.Title = ExtractTitle(resp.Body)
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	visitErr := collector.Visit(rawURL)
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return crawler.Page{}, fmt.Errorf("%w: %w", crawler.ErrRenderTimeout, ctxErr)
		}
		return crawler.Page{}, fmt.Errorf("http fetch canceled: %w", ctxErr)
	}
	if fetchErr == nil {
		fetchErr = visitErr
	}
	if fetchErr != nil {
		return crawler.Page{}, classify(fetchErr)
	}
	if !seen {
		return crawler.Page{}, fmt.Errorf("http fetch %s: no response", rawURL)
	}
	if err := crawler.StatusError(page.StatusCode); err != nil {
		return page, fmt.Errorf("http fetch %s: %w", rawURL, err)
	}
	return page, nil
}

func classify(err error) error {
	var perm *crawler.PermanentError
	if errors.As(err, &perm) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", crawler.ErrRenderTimeout, err)
	}
	if errors.Is(err, colly.ErrMissingURL) || errors.Is(err, colly.ErrForbiddenURL) {
		return crawler.Permanent(fmt.Errorf("%w: %w", crawler.ErrRendererRejected, err))
	}
	return fmt.Errorf("http fetch: %w", err)
}

func checkContentType(header string) error {
	if header == "" {
		return nil
	}
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil {
		return nil
	}
	switch {
	case mediaType == "text/html", mediaType == "application/xhtml+xml", strings.HasPrefix(mediaType, "text/"):
		return nil
	default:
		return crawler.Permanent(fmt.Errorf("%w: content type %s", crawler.ErrRendererRejected, mediaType))
	}
}

// ExtractTitle returns the trimmed text of the first <title> element.
func ExtractTitle(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
