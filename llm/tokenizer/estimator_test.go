package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimatorCountTokensEmpty(t *testing.T) {
	e := NewEstimatorTokenizer("generic", 0)
	n, err := e.CountTokens("")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestEstimatorCountTokensASCII(t *testing.T) {
	e := NewEstimatorTokenizer("generic", 0)
	n, err := e.CountTokens("hello world, this is a test")
	require.NoError(t, err)
	assert.Greater(t, n, 0)
}

func TestEstimatorCountMessagesAddsOverhead(t *testing.T) {
	e := NewEstimatorTokenizer("generic", 0)
	single, _ := e.CountTokens("hello")
	total, err := e.CountMessages([]Message{{Role: "user", Content: "hello"}})
	require.NoError(t, err)
	assert.Equal(t, single+4+3, total)
}

func TestGetTokenizerOrEstimatorFallsBack(t *testing.T) {
	tok := GetTokenizerOrEstimator("some-unregistered-model")
	assert.Equal(t, "estimator", tok.Name())
}
