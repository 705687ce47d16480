// Package chunker splits cleaned page text into token-bounded chunks at
// sentence boundaries.
package chunker

import (
	"strings"
	"unicode/utf8"
)

// Config bounds chunk construction.
type Config struct {
	MaxTokens        int
	MinSentenceChars int
	MinChunkChars    int
}

// DefaultConfig returns the standard chunking bounds.
func DefaultConfig() Config {
	return Config{
		MaxTokens:        150,
		MinSentenceChars: 15,
		MinChunkChars:    25,
	}
}

// Chunk is one span of text in extraction order.
type Chunk struct {
	Index  int
	Text   string
	Tokens int
}

// Chunker groups sentences greedily until the token budget is reached.
type Chunker struct {
	cfg     Config
	counter TokenCounter
}

// New builds a Chunker. Zero config fields take DefaultConfig values and a
// nil counter falls back to the Estimator.
func New(cfg Config, counter TokenCounter) *Chunker {
	def := DefaultConfig()
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.MinSentenceChars <= 0 {
		cfg.MinSentenceChars = def.MinSentenceChars
	}
	if cfg.MinChunkChars <= 0 {
		cfg.MinChunkChars = def.MinChunkChars
	}
	if counter == nil {
		counter = Estimator{}
	}
	return &Chunker{cfg: cfg, counter: counter}
}

// Counter exposes the token counter so downstream scoring agrees with the
// chunk budget.
func (c *Chunker) Counter() TokenCounter { return c.counter }

// Split returns the chunks of text in order. Sentences shorter than
// MinSentenceChars are dropped as noise and so are chunks shorter than
// MinChunkChars. A single sentence over budget is split on word boundaries.
func (c *Chunker) Split(text string) []Chunk {
	var (
		chunks  []Chunk
		current []string
		tokens  int
	)
	flush := func() {
		if len(current) == 0 {
			return
		}
		body := strings.Join(current, " ")
		current, tokens = current[:0], 0
		if utf8.RuneCountInString(body) < c.cfg.MinChunkChars {
			return
		}
		chunks = append(chunks, Chunk{Index: len(chunks), Text: body, Tokens: c.counter.Count(body)})
	}

	for _, sentence := range Sentences(text) {
		if utf8.RuneCountInString(sentence) < c.cfg.MinSentenceChars {
			continue
		}
		for _, piece := range c.fit(sentence) {
			n := c.counter.Count(piece)
			if len(current) > 0 && tokens+n > c.cfg.MaxTokens {
				flush()
			}
			current = append(current, piece)
			tokens += n
		}
	}
	flush()
	return chunks
}

// fit splits an oversized sentence into word-aligned pieces within budget.
func (c *Chunker) fit(sentence string) []string {
	if c.counter.Count(sentence) <= c.cfg.MaxTokens {
		return []string{sentence}
	}
	var (
		pieces []string
		words  []string
	)
	for _, word := range strings.Fields(sentence) {
		candidate := append(words, word)
		if len(words) > 0 && c.counter.Count(strings.Join(candidate, " ")) > c.cfg.MaxTokens {
			pieces = append(pieces, strings.Join(words, " "))
			words = []string{word}
			continue
		}
		words = candidate
	}
	if len(words) > 0 {
		pieces = append(pieces, strings.Join(words, " "))
	}
	return pieces
}

// Sentences splits text at line breaks and at runs of '.', '!' or '?' (with
// trailing quotes or brackets) that are followed by whitespace or the end of
// the text. Decimal points and abbreviations inside words do not split.
func Sentences(text string) []string {
	var out []string
	emit := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	start := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '\n':
			emit(text[start:i])
			start = i + 1
		case '.', '!', '?':
			j := i + 1
			for j < len(text) && strings.IndexByte(".!?\"')]", text[j]) >= 0 {
				j++
			}
			if j == len(text) || isSpace(text[j]) {
				emit(text[start:j])
				start = j
				i = j - 1
			}
		}
	}
	emit(text[start:])
	return out
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
