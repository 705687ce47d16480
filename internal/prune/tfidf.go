package prune

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

var stopWords = func() map[string]struct{} {
	words := strings.Fields(`a about above after again against all also am an and any are as at be because
		been before being below between both but by can could did do does doing down during each few for from
		further had has have having he her here hers herself him himself his how i if in into is it its itself
		just me more most my myself no nor not now of off on once only or other our ours ourselves out over own
		same she should so some such than that the their theirs them themselves then there these they this
		those through to too under until up very was we were what when where which while who whom why will
		with would you your yours yourself yourselves`)
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}()

// Tokenize lowercases text, splits on non-alphanumerics, and drops stop words
// and tokens of two characters or fewer.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) <= 2 {
			continue
		}
		if _, stop := stopWords[f]; stop {
			continue
		}
		out = append(out, f)
	}
	return out
}

// TermScore is a term with its TF-IDF weight in one document.
type TermScore struct {
	Term  string
	Score float64
}

// DocumentScore is the TF-IDF analysis of one document.
type DocumentScore struct {
	Score    float64
	TopTerms []TermScore
}

// TFIDF scores each document against the corpus formed by all of them. The
// weight of a term is tf × log(N/(df+1)) where tf is the term's share of the
// document's tokens; the document score is the sum over its terms.
func TFIDF(docs [][]string, topN int) []DocumentScore {
	n := float64(len(docs))
	df := make(map[string]int)
	for _, tokens := range docs {
		seen := make(map[string]struct{}, len(tokens))
		for _, tok := range tokens {
			if _, ok := seen[tok]; ok {
				continue
			}
			seen[tok] = struct{}{}
			df[tok]++
		}
	}

	out := make([]DocumentScore, len(docs))
	for i, tokens := range docs {
		if len(tokens) == 0 {
			continue
		}
		tf := make(map[string]int, len(tokens))
		for _, tok := range tokens {
			tf[tok]++
		}
		terms := make([]TermScore, 0, len(tf))
		var total float64
		for term, count := range tf {
			w := float64(count) / float64(len(tokens)) * math.Log(n/float64(df[term]+1))
			total += w
			terms = append(terms, TermScore{Term: term, Score: w})
		}
		sort.Slice(terms, func(a, b int) bool {
			if terms[a].Score != terms[b].Score {
				return terms[a].Score > terms[b].Score
			}
			return terms[a].Term < terms[b].Term
		})
		if topN > 0 && len(terms) > topN {
			terms = terms[:topN]
		}
		out[i] = DocumentScore{Score: total, TopTerms: terms}
	}
	return out
}

// Jaccard returns |a ∩ b| / |a ∪ b|. Two empty sets are identical.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	inter := 0
	for k := range small {
		if _, ok := large[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// TokenSet converts tokens into a set.
func TokenSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}
