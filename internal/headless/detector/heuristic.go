// Package detector decides when a statically fetched page is an unrendered
// single-page-app shell that needs a headless re-render.
package detector

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/crawl-ingest/internal/crawler"
)

// Heuristic promotes HTML pages that carry little visible text but either
// look like a framework mount point or are dominated by script.
type Heuristic struct {
	// MinTextChars is the visible-text length at or above which a page is
	// considered already rendered.
	MinTextChars int
}

// NewHeuristic creates a detector. A zero threshold uses 200 characters.
func NewHeuristic(minTextChars int) *Heuristic {
	if minTextChars <= 0 {
		minTextChars = 200
	}
	return &Heuristic{MinTextChars: minTextChars}
}

var spaMarkers = [][]byte{
	[]byte(`id="__next"`),
	[]byte(`id="__nuxt"`),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
}

// ShouldPromote implements crawler.HeadlessDetector.
func (h *Heuristic) ShouldPromote(resp crawler.FetchResponse) bool {
	if resp.StatusCode != 200 || !isHTML(resp) {
		return false
	}
	body := resp.Body
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	if visibleTextLen(body) >= h.MinTextChars {
		return false
	}
	lower := bytes.ToLower(body)
	for _, marker := range spaMarkers {
		if bytes.Contains(lower, marker) {
			return true
		}
	}
	return scriptDensityHigh(string(lower))
}

func isHTML(resp crawler.FetchResponse) bool {
	ct := strings.ToLower(resp.Headers.Get("Content-Type"))
	return ct == "" || strings.Contains(ct, "html")
}

func visibleTextLen(body []byte) int {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return 0
	}
	doc.Find("script, style, noscript, template").Remove()
	text := strings.Join(strings.Fields(doc.Find("body").Text()), " ")
	return utf8.RuneCountInString(text)
}

// scriptDensityHigh reports whether script elements cover at least a
// quarter of the document.
func scriptDensityHigh(lower string) bool {
	total := len(lower)
	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	covered := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		end := total
		if closeRel := strings.Index(lower[start:], closeTag); closeRel != -1 {
			end = start + closeRel + len(closeTag)
		}
		covered += end - start
		pos = end
	}
	return total > 0 && covered*100/total >= 25
}
