package hybrid

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/harvest-crawler/internal/crawler"
)

// DefaultMinHTMLBytes is the body size under which a page is assumed to be
// a JavaScript shell.
const DefaultMinHTMLBytes = 2048

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
}

// Detector decides whether an HTTP-rendered page needs a browser.
type Detector struct {
	minHTMLBytes int
	selectors    []string
	keywords     [][]byte
}

// NewDetector builds a Detector. minBytes == 0 uses DefaultMinHTMLBytes and a
// negative value disables the size check. Keywords are matched
// case-insensitively; any hit promotes.
func NewDetector(minBytes int, selectors, keywords []string) *Detector {
	if minBytes == 0 {
		minBytes = DefaultMinHTMLBytes
	}
	lowerKeywords := make([][]byte, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		lowerKeywords = append(lowerKeywords, bytes.ToLower([]byte(kw)))
	}
	var sels []string
	for _, sel := range selectors {
		if sel = strings.TrimSpace(sel); sel != "" {
			sels = append(sels, sel)
		}
	}
	return &Detector{minHTMLBytes: minBytes, selectors: sels, keywords: lowerKeywords}
}

// NeedsJS inspects the page for signals that JS rendering is required.
// Only successful responses are considered.
func (d *Detector) NeedsJS(page crawler.Page) bool {
	if d == nil {
		return false
	}
	if page.StatusCode != 0 && page.StatusCode != http.StatusOK {
		return false
	}
	body := []byte(page.HTML)
	switch {
	case len(body) == 0:
		return true
	case d.minHTMLBytes > 0 && len(body) < d.minHTMLBytes:
		return true
	case d.containsKeywords(body):
		return true
	case hasSPAMarker(body) && scriptDensityHigh(body):
		return true
	default:
		return d.missingSelectors(body)
	}
}

func (d *Detector) containsKeywords(body []byte) bool {
	if len(d.keywords) == 0 {
		return false
	}
	lowerBody := bytes.ToLower(body)
	for _, kw := range d.keywords {
		if bytes.Contains(lowerBody, kw) {
			return true
		}
	}
	return false
}

func (d *Detector) missingSelectors(body []byte) bool {
	if len(d.selectors) == 0 {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return true
	}
	for _, sel := range d.selectors {
		if doc.Find(sel).Length() == 0 {
			return true
		}
	}
	return false
}

func hasSPAMarker(body []byte) bool {
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

// scriptDensityHigh reports whether <script> elements cover at least a
// quarter of the document.
func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	coverage := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			coverage += total - start
			break
		}
		contentStart := start + tagClose + 1
		relEnd := strings.Index(lower[contentStart:], closeTag)
		next := total
		if relEnd != -1 {
			next = contentStart + relEnd + len(closeTag)
		}
		coverage += next - start
		pos = next
	}
	return coverage*100/total >= 25
}
