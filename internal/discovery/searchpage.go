package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvest-crawler/internal/crawler"
)

// Search page defaults.
const (
	DefaultURLTemplate    = "https://html.duckduckgo.com/html/?q=%s"
	DefaultResultSelector = "a.result__a"
	DefaultPacing         = 100 * time.Millisecond
	defaultMaxPages       = 3
)

// ErrNoResults is returned when a results page yields no usable links.
var ErrNoResults = errors.New("no search results")

// SearchPageConfig controls the results-page scraper.
type SearchPageConfig struct {
	// URLTemplate holds one %s that receives the escaped query.
	URLTemplate    string
	ResultSelector string
	// PageParam names the result-offset query parameter used to request
	// further pages. Empty disables pagination.
	PageParam string
	MaxPages  int
	Pacing    time.Duration
	UserAgent string
	Timeout   time.Duration
	Transport http.RoundTripper
}

// SearchPage scrapes a search engine's HTML results page.
type SearchPage struct {
	cfg    SearchPageConfig
	base   *colly.Collector
	logger *zap.Logger
}

// NewSearchPage validates cfg and builds the collector.
func NewSearchPage(cfg SearchPageConfig, logger *zap.Logger) (*SearchPage, error) {
	if cfg.URLTemplate == "" {
		cfg.URLTemplate = DefaultURLTemplate
	}
	if strings.Count(cfg.URLTemplate, "%s") != 1 {
		return nil, fmt.Errorf("discovery url template must contain exactly one %%s: %q", cfg.URLTemplate)
	}
	if cfg.ResultSelector == "" {
		cfg.ResultSelector = DefaultResultSelector
	}
	if cfg.Pacing == 0 {
		cfg.Pacing = DefaultPacing
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaultMaxPages
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []colly.CollectorOption{
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
	}
	if cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(cfg.UserAgent))
	}
	c := colly.NewCollector(opts...)
	if cfg.Transport != nil {
		c.WithTransport(cfg.Transport)
	}
	if cfg.Timeout > 0 {
		c.SetRequestTimeout(cfg.Timeout)
	}
	if cfg.Pacing > 0 {
		if err := c.Limit(&colly.LimitRule{DomainGlob: "*", Parallelism: 1, Delay: cfg.Pacing}); err != nil {
			return nil, fmt.Errorf("discovery pacing rule: %w", err)
		}
	}
	return &SearchPage{cfg: cfg, base: c, logger: logger}, nil
}

// Discover returns up to n distinct result URLs in rank order.
func (s *SearchPage) Discover(ctx context.Context, query string, n int) ([]string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("discovery query is empty")
	}
	if n <= 0 {
		return nil, nil
	}

	var (
		results []string
		seen    = make(map[string]struct{})
		pageErr error
		found   int
	)
	collector := s.base.Clone()
	collector.Context = ctx
	collector.OnHTML(s.cfg.ResultSelector, func(e *colly.HTMLElement) {
		found++
		if len(results) >= n {
			return
		}
		link, ok := unwrapResult(e.Request.AbsoluteURL(e.Attr("href")))
		if !ok {
			return
		}
		key := link
		if canonical, err := crawler.Canonicalize(link); err == nil {
			key = canonical
		}
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		results = append(results, link)
		s.logger.Debug("found url", zap.String("url", link), zap.Int("rank", len(results)))
	})
	collector.OnError(func(_ *colly.Response, err error) {
		pageErr = err
	})

	base := fmt.Sprintf(s.cfg.URLTemplate, url.QueryEscape(query))
	for page := 0; page < s.cfg.MaxPages && len(results) < n; page++ {
		target, err := s.pageURL(base, page, found)
		if err != nil {
			return nil, err
		}
		before := found
		pageErr = nil
		visitErr := collector.Visit(target)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return results, fmt.Errorf("discovery canceled: %w", ctxErr)
		}
		if pageErr == nil {
			pageErr = visitErr
		}
		if pageErr != nil {
			if len(results) > 0 {
				s.logger.Warn("discovery page failed; keeping partial results", zap.String("url", target), zap.Error(pageErr))
				break
			}
			return nil, fmt.Errorf("fetch results page %s: %w", target, pageErr)
		}
		if s.cfg.PageParam == "" || found == before {
			break
		}
	}
	if len(results) == 0 {
		return nil, ErrNoResults
	}
	return results, nil
}

func (s *SearchPage) pageURL(base string, page, offset int) (string, error) {
	if page == 0 || s.cfg.PageParam == "" {
		return base, nil
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse results url: %w", err)
	}
	q := u.Query()
	q.Set(s.cfg.PageParam, strconv.Itoa(offset))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// unwrapResult follows search-engine redirect links to their target and
// keeps only http(s) URLs.
func unwrapResult(href string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(href))
	if err != nil || u.Host == "" {
		return "", false
	}
	q := u.Query()
	keys := []string{"uddg"}
	if u.Path == "/url" {
		keys = append(keys, "url", "q")
	}
	for _, key := range keys {
		target := q.Get(key)
		if target == "" {
			continue
		}
		inner, err := url.Parse(target)
		if err == nil && inner.Host != "" {
			u = inner
			break
		}
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}
	return u.String(), true
}
