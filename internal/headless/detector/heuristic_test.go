package detector

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-ingest/internal/crawler"
)

func htmlResponse(status int, body string) crawler.FetchResponse {
	return crawler.FetchResponse{
		StatusCode: status,
		Headers:    http.Header{"Content-Type": {"text/html; charset=utf-8"}},
		Body:       []byte(body),
	}
}

func TestHeuristic_ShouldPromote_EmptyBody(t *testing.T) {
	t.Parallel()

	require.True(t, NewHeuristic(0).ShouldPromote(htmlResponse(200, "  ")))
}

func TestHeuristic_ShouldPromote_EmptyMountPoint(t *testing.T) {
	t.Parallel()

	body := `<html><body><div id="__next"></div><script src="/app.js"></script></body></html>`
	require.True(t, NewHeuristic(0).ShouldPromote(htmlResponse(200, body)))
}

func TestHeuristic_ShouldPromote_ServerRenderedFrameworkPage(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("Rendered article text with real sentences. ", 20)
	body := `<html><body><div id="root"><p>` + text + `</p></div></body></html>`
	require.False(t, NewHeuristic(0).ShouldPromote(htmlResponse(200, body)))
}

func TestHeuristic_ShouldPromote_ScriptDensity(t *testing.T) {
	t.Parallel()

	body := `<html><script>var a=1;window.boot({x:1});</script><p>t</p></html>`
	require.True(t, NewHeuristic(0).ShouldPromote(htmlResponse(200, body)))
}

func TestHeuristic_ShouldPromote_SkipsNonHTMLAndErrors(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(0)
	require.False(t, h.ShouldPromote(htmlResponse(404, "")))

	plain := htmlResponse(200, "")
	plain.Headers.Set("Content-Type", "application/pdf")
	require.False(t, h.ShouldPromote(plain))
}
