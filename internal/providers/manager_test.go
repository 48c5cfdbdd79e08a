package providers

import (
	"context"
	"errors"
	"io"
	"testing"

	"docflow/internal/config"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockLLM struct{ mock.Mock }

func (m *mockLLM) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, ProviderInfo, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(GenerateResponse), args.Get(1).(ProviderInfo), args.Error(2)
}

func TestNewManagerRejectsUnknownProvider(t *testing.T) {
	_, err := NewManager(config.Config{LLMProviders: "mock|bogus", EmbedProviders: "mock"})
	require.ErrorContains(t, err, "unsupported provider")
}

func TestNewManagerRejectsEmbedOnlyLLM(t *testing.T) {
	_, err := NewManager(config.Config{LLMProviders: "ollama", EmbedProviders: "mock"})
	require.ErrorContains(t, err, "does not support llm")
}

func TestManagerPrefersRealProviders(t *testing.T) {
	m, err := NewManager(config.Config{LLMProviders: "mock|groq", EmbedProviders: "mock|ollama", EmbedDim: 8})
	require.NoError(t, err)
	require.Equal(t, []int{1, 0}, m.PreferredLLMOrder())
	_, ok := m.Embedder().(*OllamaEmbeddingProvider)
	require.True(t, ok)
}

func TestManagerModels(t *testing.T) {
	t.Setenv("DOCFLOW_GROQ_MODEL", "")
	t.Setenv("DOCFLOW_OPENAI_CHAT_MODEL", "")
	t.Setenv("DOCFLOW_OLLAMA_EMBED_MODEL_BGE", "")
	m, err := NewManager(config.Config{LLMProviders: "groq|openai|mock", EmbedProviders: "openai|ollama:bge|mock", EmbedDim: 8})
	require.NoError(t, err)
	require.Equal(t, []string{
		"bge-small-en-v1.5", "gpt-4o-mini", "llama-3.1-8b-instant", "mock-embedding", "mock-llm", "text-embedding-3-small",
	}, m.Models())
}

func TestManagerFailsOverOnQuota(t *testing.T) {
	first := &mockLLM{}
	second := &mockLLM{}
	first.On("Generate", mock.Anything, mock.Anything).Return(GenerateResponse{}, ProviderInfo{Name: "a"}, errors.New("insufficient_quota"))
	second.On("Generate", mock.Anything, mock.Anything).Return(GenerateResponse{Text: "ok"}, ProviderInfo{Name: "b"}, nil)
	m := &Manager{llmProviders: []NamedLLMProvider{
		{Ref: ProviderRef{Name: "a"}, Provider: first},
		{Ref: ProviderRef{Name: "b"}, Provider: second},
	}}

	resp, info, err := m.Generate(context.Background(), GenerateRequest{Prompt: "q"})
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Text)
	require.Equal(t, "b", info.Name)
	first.AssertExpectations(t)
	second.AssertExpectations(t)
}

func TestManagerDoesNotFailOverOnPermanent(t *testing.T) {
	first := &mockLLM{}
	second := &mockLLM{}
	first.On("Generate", mock.Anything, mock.Anything).Return(GenerateResponse{}, ProviderInfo{Name: "a"}, errors.New("bad request"))
	m := &Manager{llmProviders: []NamedLLMProvider{
		{Ref: ProviderRef{Name: "a"}, Provider: first},
		{Ref: ProviderRef{Name: "b"}, Provider: second},
	}}
	_, _, err := m.Generate(context.Background(), GenerateRequest{Prompt: "q"})
	require.Error(t, err)
	second.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
}

func TestManagerStreamWrapsNonStreamingProvider(t *testing.T) {
	llm := &mockLLM{}
	llm.On("Generate", mock.Anything, mock.Anything).Return(GenerateResponse{Text: "whole answer", Usage: Usage{TotalTokens: 9}}, ProviderInfo{Name: "x"}, nil)
	m := NewStaticManager(llm, NewMockProvider(8))

	s, _, err := m.Stream(context.Background(), GenerateRequest{Prompt: "q"})
	require.NoError(t, err)
	text, err := drain(t, s)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, "whole answer", text)
	require.Equal(t, 9, s.Usage().TotalTokens)
}
