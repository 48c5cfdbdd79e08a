package providers

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

func init() {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
	encErr  error
)

// CountTokens estimates the cl100k_base token count of text. Providers that do
// not report usage fall back to it.
func CountTokens(text string) int {
	if text == "" {
		return 0
	}
	encOnce.Do(func() {
		enc, encErr = tiktoken.GetEncoding("cl100k_base")
	})
	if encErr != nil {
		// roughly four characters per token for English text
		return (len(text) + 3) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

func usageFor(prompt, completion string) Usage {
	p := CountTokens(prompt)
	c := CountTokens(completion)
	return Usage{PromptTokens: p, CompletionTokens: c, TotalTokens: p + c}
}

func promptText(req GenerateRequest) string {
	parts := []string{req.System, req.Prompt}
	parts = append(parts, req.Context...)
	return strings.TrimSpace(strings.Join(parts, "\n"))
}
