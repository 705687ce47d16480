package prune

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-ingest/internal/chunker"
)

const (
	pricingChunk  = "The Pro plan costs $49 per month and includes priority support. Refunds are available within 30 days of purchase."
	shippingChunk = "Orders ship from our Denver warehouse within two business days. International delivery takes 7 to 14 days depending on customs."
	apiChunk      = "The REST API accepts JSON payloads and returns paginated results. Each account may issue 100 requests per minute before throttling."
	cookieChunk   = "We use cookies to personalise content and analyse traffic. Read our privacy policy and cookie settings for details about tracking."
	navChunk      = "Home Menu Login Sign in Click here to read more about everything we do on this site map page."
)

func candidates(texts ...string) []Candidate {
	out := make([]Candidate, len(texts))
	for i, text := range texts {
		out[i] = Candidate{Index: i, Text: text, Tokens: chunker.EstimateTokens(text)}
	}
	return out
}

func TestScorerSignals(t *testing.T) {
	t.Parallel()
	s := NewScorer(nil)

	assert.Positive(t, s.Score(pricingChunk))
	assert.Positive(t, s.Score("Shipping: 2-3 business days\nWarranty: 2 years"))
	assert.Negative(t, s.Score(cookieChunk))
	assert.Negative(t, s.Score(navChunk))
	assert.Negative(t, s.Score("buy buy buy buy buy cheap cheap deals"))

	list := "Setup steps:\n1. Create an account\n2. Install the agent"
	plain := "Setup steps create an account and install the agent"
	assert.Greater(t, s.Score(list), s.Score(plain))
}

func TestHighValue(t *testing.T) {
	t.Parallel()
	assert.True(t, HighValue(0.5, 20, 20))
	assert.False(t, HighValue(0, 50, 20))
	assert.False(t, HighValue(3, 19, 20))
}

func TestTokenize(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"pro", "plan", "costs", "month"}, Tokenize("The Pro plan costs $49 a month, or so."))
}

func TestTFIDF(t *testing.T) {
	t.Parallel()
	docs := [][]string{{"apple", "banana"}, {"apple", "cherry"}, {"date"}}
	scores := TFIDF(docs, 1)
	require.Len(t, scores, 3)
	assert.InDelta(t, 0.5*0.4054651, scores[0].Score, 1e-6)
	require.Len(t, scores[0].TopTerms, 1)
	assert.Equal(t, "banana", scores[0].TopTerms[0].Term)
	assert.Equal(t, "date", scores[2].TopTerms[0].Term)

	empty := TFIDF([][]string{{}}, 3)
	assert.Zero(t, empty[0].Score)
}

func TestJaccard(t *testing.T) {
	t.Parallel()
	a := TokenSet([]string{"a", "b", "c"})
	b := TokenSet([]string{"b", "c", "d"})
	assert.InDelta(t, 0.5, Jaccard(a, b), 1e-9)
	assert.InDelta(t, 1.0, Jaccard(a, a), 1e-9)
	assert.Equal(t, 1.0, Jaccard(TokenSet(nil), TokenSet(nil)))
	assert.Equal(t, 0.0, Jaccard(TokenSet(nil), a))
}

func TestPruneKeepsInformativeChunks(t *testing.T) {
	t.Parallel()
	p := New(Options{Advanced: false})
	out := p.Prune(candidates(cookieChunk, pricingChunk, navChunk, shippingChunk, apiChunk), 5)

	var got []string
	for _, s := range out {
		got = append(got, s.Text)
	}
	assert.ElementsMatch(t, []string{pricingChunk, shippingChunk, apiChunk}, got)
}

func TestPruneDropsNearDuplicates(t *testing.T) {
	t.Parallel()
	p := New(DefaultOptions())
	near := pricingChunk + " Today."
	out := p.Prune(candidates(pricingChunk, near, shippingChunk), 5)

	count := 0
	for _, s := range out {
		if s.Text == pricingChunk || s.Text == near {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestPruneBound(t *testing.T) {
	t.Parallel()
	texts := []string{pricingChunk, shippingChunk, apiChunk, cookieChunk, navChunk, pricingChunk + " Today."}
	for i := 0; i < 6; i++ {
		texts = append(texts, fmt.Sprintf(
			"Support ticket %d covers installation guide step %d for the billing integration on server cluster %d.",
			i, i*3, i*7))
	}
	for _, advanced := range []bool{false, true} {
		opts := DefaultOptions()
		opts.Advanced = advanced
		p := New(opts)
		for k := 1; k <= 6; k++ {
			out := p.Prune(candidates(texts...), k)
			require.LessOrEqual(t, len(out), k)
			for i, a := range out {
				assert.True(t, HighValue(a.Score, a.Tokens, opts.MinTokens), a.Text)
				for _, b := range out[i+1:] {
					sim := Jaccard(TokenSet(Tokenize(a.Text)), TokenSet(Tokenize(b.Text)))
					assert.LessOrEqual(t, sim, opts.SimilarityThreshold)
				}
			}
		}
	}
}

func TestPruneSmallPagesKeepHeuristicScore(t *testing.T) {
	t.Parallel()
	p := New(DefaultOptions())

	out := p.Prune(candidates(pricingChunk), 5)
	require.Len(t, out, 1)
	assert.Equal(t, pricingChunk, out[0].Text)
	assert.Negative(t, out[0].TFIDF)
	assert.InDelta(t, out[0].Heuristic, out[0].Score, 1e-9)

	out = p.Prune(candidates(pricingChunk, shippingChunk), 5)
	require.Len(t, out, 2)
	for _, s := range out {
		assert.GreaterOrEqual(t, s.Score, s.Heuristic)
	}
}

func TestPruneEmpty(t *testing.T) {
	t.Parallel()
	p := New(DefaultOptions())
	assert.Empty(t, p.Prune(nil, 3))
	assert.Empty(t, p.Prune(candidates(pricingChunk), 0))
}

func TestSelectDiverse(t *testing.T) {
	t.Parallel()
	p := New(DefaultOptions())
	scored := []Scored{
		{Index: 0, Score: 9, TopTerms: []string{"price", "plan", "seat"}},
		{Index: 1, Score: 8, TopTerms: []string{"price", "plan", "seat"}},
		{Index: 2, Score: 7, TopTerms: []string{"price", "plan", "refund"}},
		{Index: 3, Score: 6, TopTerms: []string{"shipping", "customs", "plan"}},
	}
	out := p.selectDiverse([]int{0, 1, 2, 3}, scored, 5)

	var idx []int
	for _, s := range out {
		idx = append(idx, s.Index)
	}
	// 1 is accepted by the cold-start rule, 2 only adds a third of new
	// terms which is above the 0.3 threshold, 3 adds two new terms.
	assert.Equal(t, []int{0, 1, 2, 3}, idx)

	out = p.selectDiverse([]int{0, 1, 2, 3}, scored, 2)
	assert.Len(t, out, 2)

	scored[2].TopTerms = []string{"price", "plan", "seat"}
	out = p.selectDiverse([]int{0, 1, 2}, scored, 5)
	assert.Len(t, out, 2)
}

func TestSummarize(t *testing.T) {
	t.Parallel()
	text := "Acme builds deployment tooling for small teams. " +
		"The key benefit is one-click rollbacks that restore the previous release in seconds. " +
		"Our office dog is named Biscuit. " +
		"Pricing starts at $19 per month."
	got := Summarize(text, 140)
	assert.LessOrEqual(t, utf8.RuneCountInString(got), 140)
	assert.True(t, strings.HasPrefix(got, "Acme builds deployment tooling"))
	assert.Contains(t, got, "one-click rollbacks")

	assert.Empty(t, Summarize("", 100))
	assert.Equal(t, "Acme builds", Summarize("Acme builds deployment tooling for small teams.", 12))
}
