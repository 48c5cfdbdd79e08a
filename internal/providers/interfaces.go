package providers

import "context"

type ProviderInfo struct {
	Name  string `json:"name"`
	Model string `json:"model"`
	Key   string `json:"key"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type GenerateRequest struct {
	Operation   string   `json:"operation"`
	System      string   `json:"system,omitempty"`
	Prompt      string   `json:"prompt"`
	Context     []string `json:"context,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature float64  `json:"temperature,omitempty"`
}

type GenerateResponse struct {
	Text  string `json:"text"`
	Usage Usage  `json:"usage"`
}

type EmbedRequest struct {
	Operation string   `json:"operation"`
	Inputs    []string `json:"inputs"`
	Dimension int      `json:"dimension"`
}

type EmbedResponse struct {
	Vectors [][]float32 `json:"vectors"`
	Usage   Usage       `json:"usage"`
}

type LLMProvider interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, ProviderInfo, error)
}

type EmbeddingProvider interface {
	Embed(ctx context.Context, req EmbedRequest) (EmbedResponse, ProviderInfo, error)
}

// TextStream is a single-consumer, finite sequence of generated fragments.
// Recv returns io.EOF after the last fragment. Close releases the underlying
// call and may be invoked at any point, including after EOF.
type TextStream interface {
	Recv() (string, error)
	Usage() Usage
	Close() error
}

// ModelNamer reports the model names a provider bills under.
type ModelNamer interface {
	Models() []string
}

type StreamingLLMProvider interface {
	LLMProvider
	Stream(ctx context.Context, req GenerateRequest) (TextStream, ProviderInfo, error)
}
