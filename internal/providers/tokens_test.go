package providers

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCountTokens(t *testing.T) {
	require.Zero(t, CountTokens(""))
	short := CountTokens("hello world")
	long := CountTokens("hello world, this sentence is considerably longer than the first one")
	require.Greater(t, short, 0)
	require.Greater(t, long, short)
}

func TestUsageForSumsTotals(t *testing.T) {
	u := usageFor("what is in the report", "a short answer")
	require.Equal(t, u.PromptTokens+u.CompletionTokens, u.TotalTokens)
}
