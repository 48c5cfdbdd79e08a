package providers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUsageFromInfoPrefersReportedCounts(t *testing.T) {
	u := usageFromInfo(map[string]any{"PromptTokens": 12, "CompletionTokens": 5, "TotalTokens": 17}, GenerateRequest{Prompt: "x"}, "y")
	require.Equal(t, Usage{PromptTokens: 12, CompletionTokens: 5, TotalTokens: 17}, u)

	u = usageFromInfo(map[string]any{"PromptTokens": float64(3), "CompletionTokens": 4}, GenerateRequest{}, "")
	require.Equal(t, 7, u.TotalTokens)
}

func TestUsageFromInfoEstimatesWhenMissing(t *testing.T) {
	u := usageFromInfo(nil, GenerateRequest{Prompt: "how many pages are there"}, "twelve pages")
	require.Greater(t, u.PromptTokens, 0)
	require.Greater(t, u.CompletionTokens, 0)
}

func TestChatMessagesDefaultsSystemPrompt(t *testing.T) {
	msgs := chatMessages(GenerateRequest{Prompt: "q", Context: []string{"c1"}})
	require.Len(t, msgs, 2)
	require.Len(t, callOptions(GenerateRequest{MaxTokens: 500, Temperature: 0.7}), 2)
}

func TestChatModelWithoutKeyFailsAtCallTime(t *testing.T) {
	c := newChatModel("openai", "alias", "", "", "gpt-4o-mini")
	_, info, err := c.Generate(context.Background(), GenerateRequest{Prompt: "q"})
	require.Error(t, err)
	require.Equal(t, "gpt-4o-mini", info.Model)
	_, _, err = c.Stream(context.Background(), GenerateRequest{Prompt: "q"})
	require.Error(t, err)
}
