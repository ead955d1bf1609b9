// Package hybrid renders over plain HTTP first and promotes to a headless
// browser when the response looks like a client-rendered shell.
package hybrid

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvest-crawler/internal/crawler"
)

// Renderer composes a cheap probe renderer with a browser renderer.
type Renderer struct {
	probe    crawler.Renderer
	browser  crawler.Renderer
	detector *Detector
	logger   *zap.Logger
}

// New wires a hybrid renderer. A nil browser disables promotion.
func New(probe, browser crawler.Renderer, detector *Detector, logger *zap.Logger) *Renderer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if detector == nil {
		detector = NewDetector(0, nil, nil)
	}
	return &Renderer{probe: probe, browser: browser, detector: detector, logger: logger}
}

// Render implements crawler.Renderer.
func (r *Renderer) Render(ctx context.Context, rawURL string) (crawler.Page, error) {
	page, err := r.probe.Render(ctx, rawURL)
	if err != nil {
		var statusErr *crawler.HTTPStatusError
		// Transport failures and timeouts go straight back to the worker;
		// the browser would hit the same wall.
		if r.browser == nil || !errors.As(err, &statusErr) || statusErr.Code != 403 {
			return page, err
		}
		r.logger.Debug("probe forbidden; promoting to browser", zap.String("url", rawURL))
		return r.browser.Render(ctx, rawURL)
	}
	if r.browser == nil || !r.detector.NeedsJS(page) {
		return page, nil
	}
	r.logger.Debug("promoting to browser", zap.String("url", rawURL), zap.Int("probe_bytes", len(page.HTML)))
	return r.browser.Render(ctx, rawURL)
}
