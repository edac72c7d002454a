package handlers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitScriptExtractsHookAndCTA(t *testing.T) {
	script := "Did you know cats purr at 25Hz?\nPurring helps bone healing.\nCats purr when content too.\nFollow for more cat facts!"

	hook, body, cta := splitScript(script)

	assert.Equal(t, "Did you know cats purr at 25Hz?", hook)
	assert.Equal(t, "Follow for more cat facts!", cta)
	assert.Len(t, body, 1)
	assert.Contains(t, body[0].Content, "Purring helps bone healing.")
}

func TestEstimateDurationSecondsClampsToRange(t *testing.T) {
	short := estimateDurationSeconds("hi", 150, 1)
	assert.Equal(t, 15, short)

	long := estimateDurationSeconds(wordsOfLength(1000), 1, 1000)
	assert.Equal(t, 180, long)
}

func wordsOfLength(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		s += "word "
	}
	return s
}

func TestCountTokensCountsAtLeastOnePerWord(t *testing.T) {
	n := countTokens("one two three")
	assert.GreaterOrEqual(t, n, 3)
}
