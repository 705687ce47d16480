package prune

import (
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/JakeFAU/crawl-ingest/internal/chunker"
)

const idealSentenceChars = 100

var importanceWords = []string{
	"important", "key", "benefit", "solution", "result", "feature",
	"guarantee", "essential", "must", "because", "therefore", "includes",
}

// Summarize builds an extractive summary of at most maxChars characters.
// Sentences are ranked by position, closeness to a ~100 character length, and
// importance signal words; the best ones are emitted in their original order.
func Summarize(text string, maxChars int) string {
	sentences := chunker.Sentences(text)
	if len(sentences) == 0 || maxChars <= 0 {
		return ""
	}
	type ranked struct {
		pos   int
		text  string
		score float64
	}
	items := make([]ranked, len(sentences))
	for i, s := range sentences {
		items[i] = ranked{pos: i, text: s, score: sentenceScore(s, i)}
	}
	sort.SliceStable(items, func(a, b int) bool { return items[a].score > items[b].score })

	var picked []ranked
	used := 0
	for _, it := range items {
		n := utf8.RuneCountInString(it.text)
		sep := 0
		if len(picked) > 0 {
			sep = 1
		}
		if used+sep+n > maxChars {
			if len(picked) == 0 {
				return truncateWords(it.text, maxChars)
			}
			continue
		}
		picked = append(picked, it)
		used += sep + n
	}
	sort.Slice(picked, func(a, b int) bool { return picked[a].pos < picked[b].pos })
	parts := make([]string, len(picked))
	for i, p := range picked {
		parts[i] = p.text
	}
	return strings.Join(parts, " ")
}

func sentenceScore(s string, pos int) float64 {
	score := 2.0 / float64(pos+1)
	n := float64(utf8.RuneCountInString(s))
	score += math.Max(0, 1-math.Abs(n-idealSentenceChars)/idealSentenceChars)
	lower := strings.ToLower(s)
	for _, w := range importanceWords {
		if strings.Contains(lower, w) {
			score += 0.5
		}
	}
	return score
}

func truncateWords(s string, maxChars int) string {
	var b strings.Builder
	for _, w := range strings.Fields(s) {
		extra := utf8.RuneCountInString(w)
		if b.Len() > 0 {
			extra++
		}
		if utf8.RuneCountInString(b.String())+extra > maxChars {
			break
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(w)
	}
	return b.String()
}
