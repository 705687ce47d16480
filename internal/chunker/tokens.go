package chunker

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// CharsPerToken is the single approximation used everywhere a token count is
// estimated rather than computed.
const CharsPerToken = 3.5

// TokenCounter reports the number of tokens in text.
type TokenCounter interface {
	Count(text string) int
}

// EstimateTokens approximates tokens as ceil(runes / CharsPerToken).
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return int(math.Ceil(float64(n) / CharsPerToken))
}

// Estimator is the default TokenCounter.
type Estimator struct{}

// Count implements TokenCounter.
func (Estimator) Count(text string) int { return EstimateTokens(text) }

// TiktokenCounter counts tokens exactly with a BPE encoding.
type TiktokenCounter struct {
	encoding *tiktoken.Tiktoken
}

// NewTiktokenCounter loads the named encoding, e.g. "cl100k_base".
func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to get tiktoken encoding: %w", err)
	}
	return &TiktokenCounter{encoding: enc}, nil
}

// Count implements TokenCounter.
func (c *TiktokenCounter) Count(text string) int {
	if c.encoding == nil {
		return EstimateTokens(text)
	}
	return len(c.encoding.Encode(text, nil, nil))
}

// NewCounter returns the Estimator for "" or "estimate" and a tiktoken
// counter for any other encoding name.
func NewCounter(name string) (TokenCounter, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "estimate":
		return Estimator{}, nil
	default:
		return NewTiktokenCounter(name)
	}
}
