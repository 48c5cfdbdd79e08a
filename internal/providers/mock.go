package providers

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

const (
	MockEmbedModel = "mock-embedding"
	MockLLMModel   = "mock-llm"
)

// MockProvider is deterministic and free; it backs local runs and tests.
type MockProvider struct {
	dim int
}

func NewMockProvider(dim int) *MockProvider {
	if dim <= 0 {
		dim = 1536
	}
	return &MockProvider{dim: dim}
}

func (m *MockProvider) Models() []string { return []string{MockEmbedModel, MockLLMModel} }

func (m *MockProvider) Embed(ctx context.Context, req EmbedRequest) (EmbedResponse, ProviderInfo, error) {
	info := ProviderInfo{Name: "mock", Model: MockEmbedModel, Key: "mock"}
	if err := ctx.Err(); err != nil {
		return EmbedResponse{}, info, err
	}
	dim := req.Dimension
	if dim <= 0 {
		dim = m.dim
	}
	out := EmbedResponse{Vectors: make([][]float32, 0, len(req.Inputs))}
	for _, input := range req.Inputs {
		out.Vectors = append(out.Vectors, deterministicVector(input, dim))
		out.Usage.PromptTokens += CountTokens(input)
	}
	out.Usage.TotalTokens = out.Usage.PromptTokens
	return out, info, nil
}

func (m *MockProvider) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, ProviderInfo, error) {
	info := ProviderInfo{Name: "mock", Model: MockLLMModel, Key: "mock"}
	if err := ctx.Err(); err != nil {
		return GenerateResponse{}, info, err
	}
	text := mockText(req)
	return GenerateResponse{Text: text, Usage: usageFor(promptText(req), text)}, info, nil
}

func (m *MockProvider) Stream(ctx context.Context, req GenerateRequest) (TextStream, ProviderInfo, error) {
	text := mockText(req)
	return wordStream(ctx, text, usageFor(promptText(req), text)), ProviderInfo{Name: "mock", Model: MockLLMModel, Key: "mock"}, nil
}

func mockText(req GenerateRequest) string {
	op := strings.ToLower(req.Operation)
	switch {
	case strings.Contains(op, "summary"):
		return "- Mock summary point one.\n- Mock summary point two."
	case strings.Contains(req.Prompt, "[Chunk "):
		n := strings.Count(req.Prompt, "[Chunk ")
		return fmt.Sprintf("Mock answer grounded in %d retrieved chunk(s).", n)
	default:
		return "Mock answer based on the provided note."
	}
}

func deterministicVector(input string, dim int) []float32 {
	vec := make([]float32, dim)
	seed := []byte(input)
	if len(seed) == 0 {
		seed = []byte("empty")
	}
	for i := 0; i < dim; i++ {
		h := sha256.Sum256(append(seed, byte(i%251), byte(i/251)))
		u := binary.BigEndian.Uint32(h[:4])
		vec[i] = float32(u%2000)/1000.0 - 1.0
	}
	return normalize(vec)
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
	return v
}
