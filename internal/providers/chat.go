package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

const defaultSystemPrompt = "You are a helpful assistant that answers questions about the user's documents."

// chatModel drives an OpenAI-compatible chat endpoint through langchaingo.
type chatModel struct {
	name    string
	keyName string
	model   string
	llm     *openai.LLM
	initErr error
}

func (c *chatModel) Models() []string { return []string{c.model} }

func newChatModel(name, keyName, baseURL, token, model string) *chatModel {
	c := &chatModel{name: name, keyName: keyName, model: model}
	if token == "" {
		c.initErr = fmt.Errorf("%s key missing for alias %q", name, keyName)
		return c
	}
	opts := []openai.Option{openai.WithToken(token), openai.WithModel(model)}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	c.llm, c.initErr = openai.New(opts...)
	return c
}

func (c *chatModel) info() ProviderInfo {
	return ProviderInfo{Name: c.name, Model: c.model, Key: c.keyName}
}

func (c *chatModel) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, ProviderInfo, error) {
	if c.initErr != nil {
		return GenerateResponse{}, c.info(), c.initErr
	}
	resp, err := c.llm.GenerateContent(ctx, chatMessages(req), callOptions(req)...)
	if err != nil {
		return GenerateResponse{}, c.info(), fmt.Errorf("%s generate request failed: %w", c.name, err)
	}
	if len(resp.Choices) == 0 {
		return GenerateResponse{}, c.info(), fmt.Errorf("%s returned empty choices", c.name)
	}
	text := resp.Choices[0].Content
	return GenerateResponse{Text: text, Usage: usageFromInfo(resp.Choices[0].GenerationInfo, req, text)}, c.info(), nil
}

func (c *chatModel) Stream(ctx context.Context, req GenerateRequest) (TextStream, ProviderInfo, error) {
	if c.initErr != nil {
		return nil, c.info(), c.initErr
	}
	s := startStream(ctx, func(ctx context.Context, emit func(string) error) (Usage, error) {
		var full strings.Builder
		opts := append(callOptions(req), llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			full.Write(chunk)
			return emit(string(chunk))
		}))
		resp, err := c.llm.GenerateContent(ctx, chatMessages(req), opts...)
		if err != nil {
			return Usage{}, fmt.Errorf("%s stream request failed: %w", c.name, err)
		}
		var info map[string]any
		if len(resp.Choices) > 0 {
			info = resp.Choices[0].GenerationInfo
		}
		return usageFromInfo(info, req, full.String()), nil
	})
	return s, c.info(), nil
}

func chatMessages(req GenerateRequest) []llms.MessageContent {
	system := req.System
	if system == "" {
		system = defaultSystemPrompt
	}
	prompt := req.Prompt
	if len(req.Context) > 0 {
		prompt += "\n\nContext:\n" + strings.Join(req.Context, "\n\n")
	}
	return []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}
}

func callOptions(req GenerateRequest) []llms.CallOption {
	opts := make([]llms.CallOption, 0, 2)
	if req.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.MaxTokens))
	}
	if req.Temperature > 0 {
		opts = append(opts, llms.WithTemperature(req.Temperature))
	}
	return opts
}

// usageFromInfo reads token counts reported by the endpoint and estimates
// them when the endpoint stays silent.
func usageFromInfo(info map[string]any, req GenerateRequest, completion string) Usage {
	u := Usage{
		PromptTokens:     intFrom(info["PromptTokens"]),
		CompletionTokens: intFrom(info["CompletionTokens"]),
		TotalTokens:      intFrom(info["TotalTokens"]),
	}
	if u.TotalTokens == 0 && u.PromptTokens == 0 && u.CompletionTokens == 0 {
		return usageFor(promptText(req), completion)
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}

func intFrom(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
