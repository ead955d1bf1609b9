// Package noop provides a renderer that rejects every request.
package noop

import (
	"context"
	"fmt"

	"github.com/JakeFAU/harvest-crawler/internal/crawler"
)

// Renderer always fails permanently, so a dry run exercises every code path
// except the browser.
type Renderer struct{}

// New creates a Renderer.
func New() Renderer {
	return Renderer{}
}

// Render returns a permanent ErrRendererDisabled failure.
func (Renderer) Render(_ context.Context, rawURL string) (crawler.Page, error) {
	return crawler.Page{}, fmt.Errorf("render %s: %w", rawURL, crawler.ErrRendererDisabled)
}
