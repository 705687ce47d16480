// Package prune ranks chunks, removes near duplicates, and selects a small,
// topically diverse set of high-value chunks per page.
package prune

import (
	"sort"

	"github.com/JakeFAU/crawl-ingest/internal/chunker"
)

// Options tunes pruning.
type Options struct {
	// Advanced enables the TF-IDF boost on top of the heuristic score.
	Advanced            bool
	SimilarityThreshold float64
	CoverageThreshold   float64
	TopTerms            int
	MinTokens           int
	Keywords            []string
	Counter             chunker.TokenCounter
}

// DefaultOptions returns the standard pruning thresholds.
func DefaultOptions() Options {
	return Options{
		Advanced:            true,
		SimilarityThreshold: 0.85,
		CoverageThreshold:   0.3,
		TopTerms:            5,
		MinTokens:           20,
	}
}

const (
	tfidfBoost       = 10.0
	coldStartAccepts = 2
)

// Candidate is a chunk offered for pruning.
type Candidate struct {
	Index  int
	Text   string
	Tokens int
}

// Scored is a selected chunk with its scores.
type Scored struct {
	Index     int
	Text      string
	Tokens    int
	Heuristic float64
	TFIDF     float64
	Score     float64
	TopTerms  []string
}

// Pruner applies the scoring and selection pipeline.
type Pruner struct {
	opts   Options
	scorer *Scorer
}

// New builds a Pruner. Zero option fields take DefaultOptions values, except
// Advanced which is used as given.
func New(opts Options) *Pruner {
	def := DefaultOptions()
	if opts.SimilarityThreshold <= 0 {
		opts.SimilarityThreshold = def.SimilarityThreshold
	}
	if opts.CoverageThreshold <= 0 {
		opts.CoverageThreshold = def.CoverageThreshold
	}
	if opts.TopTerms <= 0 {
		opts.TopTerms = def.TopTerms
	}
	if opts.MinTokens <= 0 {
		opts.MinTokens = def.MinTokens
	}
	if opts.Counter == nil {
		opts.Counter = chunker.Estimator{}
	}
	return &Pruner{opts: opts, scorer: NewScorer(opts.Keywords)}
}

// Prune returns at most k chunks. Every result satisfies HighValue and no two
// results have a Jaccard similarity above the configured threshold. Results
// are ordered by descending score.
func (p *Pruner) Prune(chunks []Candidate, k int) []Scored {
	if k <= 0 || len(chunks) == 0 {
		return nil
	}
	scored, sets := p.rank(chunks)

	candidates := make([]int, 0, len(scored))
	for i, s := range scored {
		if HighValue(s.Score, s.Tokens, p.opts.MinTokens) {
			candidates = append(candidates, i)
		}
	}
	sort.SliceStable(candidates, func(a, b int) bool {
		sa, sb := scored[candidates[a]], scored[candidates[b]]
		if sa.Score != sb.Score {
			return sa.Score > sb.Score
		}
		return sa.Index < sb.Index
	})

	distinct := p.dropNearDuplicates(candidates, sets)
	return p.selectDiverse(distinct, scored, k)
}

func (p *Pruner) rank(chunks []Candidate) ([]Scored, []map[string]struct{}) {
	docs := make([][]string, len(chunks))
	sets := make([]map[string]struct{}, len(chunks))
	for i, c := range chunks {
		docs[i] = Tokenize(c.Text)
		sets[i] = TokenSet(docs[i])
	}
	tfidf := TFIDF(docs, p.opts.TopTerms)

	scored := make([]Scored, len(chunks))
	for i, c := range chunks {
		tokens := c.Tokens
		if tokens <= 0 {
			tokens = p.opts.Counter.Count(c.Text)
		}
		h := p.scorer.Score(c.Text)
		s := Scored{
			Index:     c.Index,
			Text:      c.Text,
			Tokens:    tokens,
			Heuristic: h,
			TFIDF:     tfidf[i].Score,
			Score:     h,
		}
		// Corpora of one or two chunks make every idf non-positive; the boost
		// only ever adds.
		if p.opts.Advanced && tfidf[i].Score > 0 {
			s.Score += tfidf[i].Score * tfidfBoost
		}
		for _, t := range tfidf[i].TopTerms {
			s.TopTerms = append(s.TopTerms, t.Term)
		}
		scored[i] = s
	}
	return scored, sets
}

// dropNearDuplicates walks candidates in score order and keeps a chunk only
// if it is not too similar to any chunk already kept.
func (p *Pruner) dropNearDuplicates(order []int, sets []map[string]struct{}) []int {
	kept := make([]int, 0, len(order))
	for _, i := range order {
		duplicate := false
		for _, j := range kept {
			if Jaccard(sets[i], sets[j]) > p.opts.SimilarityThreshold {
				duplicate = true
				break
			}
		}
		if !duplicate {
			kept = append(kept, i)
		}
	}
	return kept
}

// selectDiverse accepts a chunk when enough of its top terms are not yet
// covered, relaxing the check until two chunks have been accepted.
func (p *Pruner) selectDiverse(order []int, scored []Scored, k int) []Scored {
	covered := make(map[string]struct{})
	out := make([]Scored, 0, k)
	for _, i := range order {
		if len(out) >= k {
			break
		}
		s := scored[i]
		if len(out) >= coldStartAccepts && coverage(s.TopTerms, covered) <= p.opts.CoverageThreshold {
			continue
		}
		out = append(out, s)
		for _, t := range s.TopTerms {
			covered[t] = struct{}{}
		}
	}
	return out
}

func coverage(terms []string, covered map[string]struct{}) float64 {
	if len(terms) == 0 {
		return 0
	}
	fresh := 0
	for _, t := range terms {
		if _, ok := covered[t]; !ok {
			fresh++
		}
	}
	return float64(fresh) / float64(len(terms))
}
