package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimateTokens(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 2, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcdefg"))
	assert.Equal(t, 3, EstimateTokens("abcdefgh"))
	assert.Equal(t, 2, EstimateTokens("東京タワー"))
}

func TestSentences(t *testing.T) {
	t.Parallel()
	got := Sentences("Plans start at $19.99 per month. Is there a trial? Yes!\nHeading line\n\n\"Quoted end.\" Next one")
	assert.Equal(t, []string{
		"Plans start at $19.99 per month.",
		"Is there a trial?",
		"Yes!",
		"Heading line",
		"\"Quoted end.\"",
		"Next one",
	}, got)
}

func TestSplitDropsShortSentencesAndChunks(t *testing.T) {
	t.Parallel()
	c := New(DefaultConfig(), nil)
	chunks := c.Split("Menu.\nOK.\nThe annual plan includes priority support and onboarding.")
	require.Len(t, chunks, 1)
	assert.Equal(t, "The annual plan includes priority support and onboarding.", chunks[0].Text)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, EstimateTokens(chunks[0].Text), chunks[0].Tokens)

	assert.Empty(t, c.Split("Too short."))
}

func TestSplitRespectsTokenBudget(t *testing.T) {
	t.Parallel()
	c := New(Config{MaxTokens: 30}, Estimator{})
	sentence := "Every invoice lists the seat count and billing period."
	text := strings.Repeat(sentence+" ", 12)

	chunks := c.Split(text)
	require.Greater(t, len(chunks), 1)
	for i, ch := range chunks {
		assert.Equal(t, i, ch.Index)
		assert.LessOrEqual(t, ch.Tokens, 30+1, "chunk %d over budget", i)
		assert.True(t, strings.HasSuffix(ch.Text, "period."))
	}
}

func TestSplitBreaksOversizedSentence(t *testing.T) {
	t.Parallel()
	c := New(Config{MaxTokens: 10}, Estimator{})
	long := strings.Repeat("word ", 62) + "end."
	chunks := c.Split(long)
	require.Greater(t, len(chunks), 2)
	var rebuilt []string
	for _, ch := range chunks {
		assert.LessOrEqual(t, ch.Tokens, 10)
		rebuilt = append(rebuilt, ch.Text)
	}
	assert.Equal(t, strings.Fields(long), strings.Fields(strings.Join(rebuilt, " ")))
}

func TestNewCounter(t *testing.T) {
	t.Parallel()
	counter, err := NewCounter("estimate")
	require.NoError(t, err)
	assert.IsType(t, Estimator{}, counter)

	counter, err = NewCounter("")
	require.NoError(t, err)
	assert.Equal(t, 3, counter.Count("abcdefgh"))
}
