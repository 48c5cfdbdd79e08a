package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	openAIEmbedModel = "text-embedding-3-small"
	openAIChatModel  = "gpt-4o-mini"
)

// OpenAIProvider embeds over the REST API directly, which reports usage per
// request, and generates through langchaingo.
type OpenAIProvider struct {
	*chatModel
	keyName string
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewOpenAIProvider(keyName string) *OpenAIProvider {
	apiKey := resolveOpenAIKey(keyName)
	baseURL := strings.TrimRight(strings.TrimSpace(os.Getenv("DOCFLOW_OPENAI_BASE_URL")), "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	model := strings.TrimSpace(os.Getenv("DOCFLOW_OPENAI_CHAT_MODEL"))
	if model == "" {
		model = openAIChatModel
	}
	return &OpenAIProvider{
		chatModel: newChatModel("openai", keyName, baseURL, apiKey, model),
		keyName:   keyName,
		apiKey:    apiKey,
		baseURL:   baseURL,
		client:    &http.Client{Timeout: 60 * time.Second},
	}
}

func (o *OpenAIProvider) Models() []string {
	return []string{o.chatModel.model, openAIEmbedModel}
}

func (o *OpenAIProvider) Embed(ctx context.Context, req EmbedRequest) (EmbedResponse, ProviderInfo, error) {
	info := ProviderInfo{Name: "openai", Model: openAIEmbedModel, Key: o.keyName}
	if o.apiKey == "" {
		return EmbedResponse{}, info, fmt.Errorf("openai key missing for alias %q", o.keyName)
	}
	body := map[string]any{"model": openAIEmbedModel, "input": req.Inputs}
	if req.Dimension > 0 {
		body["dimensions"] = req.Dimension
	}
	payload, _ := json.Marshal(body)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return EmbedResponse{}, info, fmt.Errorf("build embedding request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := o.client.Do(httpReq)
	if err != nil {
		return EmbedResponse{}, info, fmt.Errorf("openai embedding request failed: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return EmbedResponse{}, info, fmt.Errorf("openai embedding error %d: %s", resp.StatusCode, string(raw))
	}
	var parsed struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
		Usage struct {
			PromptTokens int `json:"prompt_tokens"`
			TotalTokens  int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return EmbedResponse{}, info, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(parsed.Data) != len(req.Inputs) {
		return EmbedResponse{}, info, fmt.Errorf("openai returned %d embeddings for %d inputs", len(parsed.Data), len(req.Inputs))
	}
	out := EmbedResponse{
		Vectors: make([][]float32, len(parsed.Data)),
		Usage:   Usage{PromptTokens: parsed.Usage.PromptTokens, TotalTokens: parsed.Usage.TotalTokens},
	}
	for i, d := range parsed.Data {
		idx := d.Index
		if idx < 0 || idx >= len(out.Vectors) {
			idx = i
		}
		out.Vectors[idx] = d.Embedding
	}
	return out, info, nil
}

func resolveOpenAIKey(alias string) string {
	if alias != "" {
		k := os.Getenv("DOCFLOW_OPENAI_KEY_" + strings.ToUpper(sanitizeEnvToken(alias)))
		if k != "" {
			return k
		}
	}
	return os.Getenv("OPENAI_API_KEY")
}
