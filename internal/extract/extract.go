// Package extract turns raw page markup into plain text suitable for chunking.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"
)

// ErrNotText is returned when the payload cannot be decoded as text. Callers
// should skip the page rather than retry.
var ErrNotText = errors.New("content is not decodable text")

// removedSelectors are dropped with their subtrees before text extraction.
const removedSelectors = "script, style, noscript, template, svg, iframe, nav, header, footer, aside, " +
	"[role=navigation], [role=banner], [role=contentinfo], [aria-hidden=true]"

var blockElements = map[string]bool{
	"p": true, "div": true, "section": true, "article": true, "main": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"li": true, "ul": true, "ol": true, "dl": true, "dt": true, "dd": true,
	"tr": true, "table": true, "blockquote": true, "pre": true, "br": true,
	"hr": true, "figcaption": true, "form": true, "address": true,
}

// Boilerplate phrases are removed up to the end of their sentence.
var boilerplatePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)[^.!?\n]*\b(we|this (site|website)) uses? cookies\b[^.!?\n]*[.!?]?`),
	regexp.MustCompile(`(?i)[^.!?\n]*\b(accept|manage|reject) (all )?cookies\b[^.!?\n]*[.!?]?`),
	regexp.MustCompile(`(?i)[^.!?\n]*\bcookie (policy|settings|preferences|notice)\b[^.!?\n]*[.!?]?`),
	regexp.MustCompile(`(?i)[^.!?\n]*\bsubscribe to (our|the) (newsletter|mailing list|blog)\b[^.!?\n]*[.!?]?`),
	regexp.MustCompile(`(?i)[^.!?\n]*\bsign up for (our|the) newsletter\b[^.!?\n]*[.!?]?`),
	regexp.MustCompile(`(?i)[^.!?\n]*\bshare (this|on) (article|post|page|facebook|twitter|linkedin|x)\b[^.!?\n]*[.!?]?`),
	regexp.MustCompile(`(?i)\b(tweet|pin it|share|email) (this|on facebook|on twitter)\b`),
	regexp.MustCompile(`(?i)[^.!?\n]*\ball rights reserved\b[^.!?\n]*[.!?]?`),
	regexp.MustCompile(`(?i)[^.!?\n]*(©|\(c\)|copyright)\s*\d{4}[^.!?\n]*[.!?]?`),
	regexp.MustCompile(`(?i)\b(privacy policy|terms of (service|use)|skip to (main )?content|back to top)\b`),
}

var (
	horizontalSpace = regexp.MustCompile(`[ \t\f\v\r\x{00a0}]+`)
	blankLines      = regexp.MustCompile(`\n\s*\n+`)
)

// Extract decodes raw using the charset named by contentType (or sniffed
// from the markup), removes non-content elements and boilerplate phrases, and
// returns whitespace-collapsed plain text with one block per line.
func Extract(raw []byte, contentType string) (string, error) {
	decoded, err := decode(raw, contentType)
	if err != nil {
		return "", err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(decoded))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	doc.Find(removedSelectors).Remove()

	root := doc.Find("body")
	if root.Length() == 0 {
		root = doc.Selection
	}
	var b strings.Builder
	for _, n := range root.Nodes {
		writeText(&b, n)
	}
	return Clean(b.String()), nil
}

// Clean strips boilerplate phrases and collapses whitespace in already-plain
// text.
func Clean(text string) string {
	for _, re := range boilerplatePatterns {
		text = re.ReplaceAllString(text, " ")
	}
	text = horizontalSpace.ReplaceAllString(text, " ")
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			kept = append(kept, line)
		}
	}
	return blankLines.ReplaceAllString(strings.Join(kept, "\n"), "\n")
}

func decode(raw []byte, contentType string) (string, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", nil
	}
	if !textual(contentType) || bytes.IndexByte(raw, 0) >= 0 {
		return "", ErrNotText
	}
	reader, err := charset.NewReader(bytes.NewReader(raw), contentType)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotText, err)
	}
	out, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotText, err)
	}
	if !utf8.Valid(out) {
		return "", ErrNotText
	}
	return string(out), nil
}

func textual(contentType string) bool {
	if contentType == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return strings.HasPrefix(mediaType, "text/") || strings.HasSuffix(mediaType, "xml")
}

func writeText(b *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		return
	case html.CommentNode, html.DoctypeNode:
		return
	}
	block := n.Type == html.ElementNode && blockElements[n.Data]
	if block {
		b.WriteByte('\n')
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		writeText(b, c)
	}
	if block {
		b.WriteByte('\n')
	}
}
