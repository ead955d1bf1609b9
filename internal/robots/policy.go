// Package robots enforces robots.txt rules per scheme and host.
package robots

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/harvest-crawler/internal/crawler"
)

const (
	defaultCacheSize = 1024
	defaultTimeout   = 10 * time.Second
	maxRobotsBytes   = 1 << 20
)

var retryBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// Config controls robots enforcement.
type Config struct {
	Enabled   bool
	UserAgent string
	CacheSize int
	Timeout   time.Duration
}

// Policy fetches and caches robots.txt per origin. Fetch failures allow the URL.
type Policy struct {
	client    *http.Client
	userAgent string
	cache     *lru.Cache[string, *robotstxt.RobotsData]
	group     singleflight.Group
	logger    *zap.Logger
}

// New builds a robots policy. A disabled config yields an allow-all policy.
func New(cfg Config, client *http.Client, logger *zap.Logger) (crawler.RobotsPolicy, error) {
	if !cfg.Enabled {
		return AllowAll{}, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New[string, *robotstxt.RobotsData](size)
	if err != nil {
		return nil, fmt.Errorf("robots cache: %w", err)
	}
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "*"
	}
	return &Policy{
		client:    client,
		userAgent: ua,
		cache:     cache,
		logger:    logger,
	}, nil
}

// Allowed implements crawler.RobotsPolicy.
func (p *Policy) Allowed(ctx context.Context, rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return false
	}
	data, err := p.load(ctx, parsed)
	if err != nil {
		p.logger.Warn("robots fetch failed; allowing access", zap.String("host", parsed.Host), zap.Error(err))
		return true
	}
	target := parsed.EscapedPath()
	if target == "" {
		target = "/"
	}
	if parsed.RawQuery != "" {
		target += "?" + parsed.RawQuery
	}
	return data.TestAgent(target, p.userAgent)
}

func (p *Policy) load(ctx context.Context, parsed *url.URL) (*robotstxt.RobotsData, error) {
	origin := strings.ToLower(parsed.Scheme + "://" + parsed.Host)
	if data, ok := p.cache.Get(origin); ok {
		return data, nil
	}
	v, err, _ := p.group.Do(origin, func() (any, error) {
		if data, ok := p.cache.Get(origin); ok {
			return data, nil
		}
		data, err := p.fetch(ctx, origin+"/robots.txt")
		if err != nil {
			return nil, err
		}
		p.cache.Add(origin, data)
		return data, nil
	})
	if err != nil {
		return nil, fmt.Errorf("load robots for %s: %w", origin, err)
	}
	data, ok := v.(*robotstxt.RobotsData)
	if !ok {
		return nil, fmt.Errorf("robots cache type mismatch: %T", v)
	}
	return data, nil
}

func (p *Policy) fetch(ctx context.Context, robotsURL string) (*robotstxt.RobotsData, error) {
	for attempt := 0; ; attempt++ {
		data, err := p.fetchOnce(ctx, robotsURL)
		if err == nil {
			return data, nil
		}
		if !isTransientTLSError(err) {
			return nil, err
		}
		if attempt == len(retryBackoff) {
			// Persistent handshake timeouts are treated as an open site.
			p.logger.Debug("robots handshake kept timing out; allowing all", zap.String("url", robotsURL))
			return robotstxt.FromStatusAndBytes(http.StatusNotFound, nil)
		}
		if err := sleepWithContext(ctx, retryBackoff[attempt]); err != nil {
			return nil, err
		}
	}
}

func (p *Policy) fetchOnce(ctx context.Context, robotsURL string) (*robotstxt.RobotsData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	req.Header.Set("User-Agent", p.userAgent)
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			p.logger.Debug("Failed to close robots response body", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	return data, nil
}

func isTransientTLSError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return strings.Contains(err.Error(), "handshake")
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("robots backoff sleep: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// AllowAll permits every URL.
type AllowAll struct{}

// Allowed implements crawler.RobotsPolicy.
func (AllowAll) Allowed(context.Context, string) bool { return true }
