package prune

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/JakeFAU/crawl-ingest/internal/chunker"
)

// Heuristic weights.
const (
	structuredBonus    = 2.0
	keywordBonus       = 1.0
	maxKeywordBonus    = 3.0
	numericBonus       = 1.0
	sentenceBonus      = 1.0
	boilerplatePenalty = 3.0
	navigationPenalty  = 2.0
	promotionPenalty   = 1.0
	repetitionPenalty  = 3.0

	repetitionShare     = 0.3
	repetitionMinTokens = 5
)

// DefaultKeywords are domain terms that mark informative chunks.
var DefaultKeywords = []string{
	"price", "pricing", "plan", "feature", "support", "service", "product",
	"policy", "refund", "shipping", "warranty", "contact", "hours", "install",
	"setup", "guide", "faq", "account", "billing", "integration", "api",
	"documentation", "requirement", "specification", "delivery", "return",
}

var (
	listItem    = regexp.MustCompile(`(?m)^\s*(\d+[.)]|[-*•])\s+\S`)
	keyValue    = regexp.MustCompile(`(?m)\b[A-Za-z][A-Za-z ]{1,30}:\s+\S`)
	numeric     = regexp.MustCompile(`[$€£]\s?\d|\d+(\.\d+)?\s?(%|(percent|usd|eur|days?|hours?|minutes?|gb|mb|kg|lbs?)\b)|\b\d{2,}\b`)
	wellFormed  = regexp.MustCompile(`^[\p{Lu}\d"'(][^.!?]{10,}[.!?]["')]?$`)
	boilerplate = regexp.MustCompile(`(?i)\b(cookies?|privacy policy|terms of (service|use)|all rights reserved|copyright|disclaimer)\b`)
	navigation  = regexp.MustCompile(`(?i)\b(home|menu|skip to|back to top|next page|previous page|breadcrumb|click here|read more|log ?in|sign in|site ?map)\b`)
	promotional = regexp.MustCompile(`(?i)\b(buy now|limited time|act now|special offer|best deal|order today|sign up today|don't miss|exclusive offer)\b|\d+% off\b`)
)

// Scorer computes the heuristic value of a chunk.
type Scorer struct {
	keywords []string
}

// NewScorer builds a Scorer; nil keywords selects DefaultKeywords.
func NewScorer(keywords []string) *Scorer {
	if keywords == nil {
		keywords = DefaultKeywords
	}
	lowered := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			lowered = append(lowered, k)
		}
	}
	return &Scorer{keywords: lowered}
}

// Score returns the heuristic score of text. Positive scores indicate
// informative content.
func (s *Scorer) Score(text string) float64 {
	var score float64
	lower := strings.ToLower(text)
	words := wordsOf(lower)

	if listItem.MatchString(text) || keyValue.MatchString(text) {
		score += structuredBonus
	}

	var kw float64
	for _, k := range s.keywords {
		if hasKeyword(lower, words, k) {
			kw += keywordBonus
		}
	}
	score += min(kw, maxKeywordBonus)

	if numeric.MatchString(lower) {
		score += numericBonus
	}
	if countWellFormed(text) >= 2 {
		score += sentenceBonus
	}

	if boilerplate.MatchString(text) {
		score -= boilerplatePenalty
	}
	if navigation.MatchString(text) {
		score -= navigationPenalty
	}
	if promotional.MatchString(text) {
		score -= promotionPenalty
	}
	if repetitive(words) {
		score -= repetitionPenalty
	}
	return score
}

// HighValue is the predicate every pruned chunk satisfies.
func HighValue(score float64, tokens, minTokens int) bool {
	return score > 0 && tokens >= minTokens
}

func countWellFormed(text string) int {
	n := 0
	for _, sentence := range chunker.Sentences(text) {
		if wellFormed.MatchString(sentence) {
			n++
		}
	}
	return n
}

// hasKeyword matches single-word keywords as word prefixes ("plan" matches
// "plans") and multi-word keywords as substrings.
func hasKeyword(lower string, words []string, keyword string) bool {
	if strings.ContainsRune(keyword, ' ') {
		return strings.Contains(lower, keyword)
	}
	for _, w := range words {
		if strings.HasPrefix(w, keyword) {
			return true
		}
	}
	return false
}

func wordsOf(lower string) []string {
	return strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

// repetitive reports whether any single word holds more than 30% of the
// words in text.
func repetitive(words []string) bool {
	if len(words) < repetitionMinTokens {
		return false
	}
	counts := make(map[string]int, len(words))
	for _, w := range words {
		counts[w]++
		if float64(counts[w]) > repetitionShare*float64(len(words)) {
			return true
		}
	}
	return false
}
