package providers

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"docflow/internal/config"
)

type NamedLLMProvider struct {
	Ref      ProviderRef
	Provider LLMProvider
}

type NamedEmbedProvider struct {
	Ref      ProviderRef
	Provider EmbeddingProvider
}

// Manager holds the configured providers. As an LLMProvider it fails over to
// the next configured model when one is out of quota or rate limited.
type Manager struct {
	llmProviders   []NamedLLMProvider
	embedProviders []NamedEmbedProvider
}

func NewManager(cfg config.Config) (*Manager, error) {
	m := &Manager{}
	for _, ref := range ParseProviderList(cfg.LLMProviders) {
		p, err := buildProvider(ref, cfg.EmbedDim)
		if err != nil {
			return nil, err
		}
		llm, ok := p.(LLMProvider)
		if !ok {
			return nil, fmt.Errorf("provider %s does not support llm", ref.Raw)
		}
		m.llmProviders = append(m.llmProviders, NamedLLMProvider{Ref: ref, Provider: llm})
	}
	for _, ref := range ParseProviderList(cfg.EmbedProviders) {
		p, err := buildProvider(ref, cfg.EmbedDim)
		if err != nil {
			return nil, err
		}
		embed, ok := p.(EmbeddingProvider)
		if !ok {
			return nil, fmt.Errorf("provider %s does not support embeddings", ref.Raw)
		}
		m.embedProviders = append(m.embedProviders, NamedEmbedProvider{Ref: ref, Provider: embed})
	}
	return m, nil
}

// NewStaticManager wraps already-built providers.
func NewStaticManager(llm LLMProvider, embed EmbeddingProvider) *Manager {
	return &Manager{
		llmProviders:   []NamedLLMProvider{{Ref: ProviderRef{Raw: "static", Name: "static"}, Provider: llm}},
		embedProviders: []NamedEmbedProvider{{Ref: ProviderRef{Raw: "static", Name: "static"}, Provider: embed}},
	}
}

// Embedder is the preferred embedding provider. Chunks and queries must share
// one vector space, so embeddings never fail over.
func (m *Manager) Embedder() EmbeddingProvider {
	p, _ := m.EmbedProviderByIndex(firstOr(m.PreferredEmbedOrder(), 0))
	return p
}

func (m *Manager) EmbedProviderByIndex(i int) (EmbeddingProvider, ProviderRef) {
	if len(m.embedProviders) == 0 {
		return NewMockProvider(1536), ProviderRef{Raw: "mock", Name: "mock"}
	}
	if i < 0 || i >= len(m.embedProviders) {
		i = 0
	}
	return m.embedProviders[i].Provider, m.embedProviders[i].Ref
}

func (m *Manager) LLMProviderByIndex(i int) (LLMProvider, ProviderRef) {
	if len(m.llmProviders) == 0 {
		return NewMockProvider(1536), ProviderRef{Raw: "mock", Name: "mock"}
	}
	if i < 0 || i >= len(m.llmProviders) {
		i = 0
	}
	return m.llmProviders[i].Provider, m.llmProviders[i].Ref
}

func (m *Manager) PreferredLLMOrder() []int {
	return preferredOrder(len(m.llmProviders), func(i int) string { return strings.ToLower(m.llmProviders[i].Ref.Name) })
}

func (m *Manager) PreferredEmbedOrder() []int {
	return preferredOrder(len(m.embedProviders), func(i int) string { return strings.ToLower(m.embedProviders[i].Ref.Name) })
}

// Models lists every model the configured providers can bill under, sorted
// and without duplicates.
func (m *Manager) Models() []string {
	var out []string
	add := func(p any) {
		if n, ok := p.(ModelNamer); ok {
			out = append(out, n.Models()...)
		}
	}
	for _, p := range m.llmProviders {
		add(p.Provider)
	}
	for _, p := range m.embedProviders {
		add(p.Provider)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func (m *Manager) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, ProviderInfo, error) {
	var (
		resp    GenerateResponse
		info    ProviderInfo
		lastErr error
	)
	for _, idx := range m.llmOrder() {
		p, _ := m.LLMProviderByIndex(idx)
		resp, info, lastErr = p.Generate(ctx, req)
		if lastErr == nil || !failsOver(lastErr) {
			return resp, info, lastErr
		}
	}
	return resp, info, lastErr
}

// Stream opens a stream on the first provider that accepts the call.
// Providers without native streaming deliver the whole completion as one
// fragment.
func (m *Manager) Stream(ctx context.Context, req GenerateRequest) (TextStream, ProviderInfo, error) {
	var (
		info    ProviderInfo
		lastErr error
	)
	for _, idx := range m.llmOrder() {
		p, _ := m.LLMProviderByIndex(idx)
		var s TextStream
		if sp, ok := p.(StreamingLLMProvider); ok {
			s, info, lastErr = sp.Stream(ctx, req)
		} else {
			var resp GenerateResponse
			resp, info, lastErr = p.Generate(ctx, req)
			if lastErr == nil {
				s = wordStream(ctx, resp.Text, resp.Usage)
			}
		}
		if lastErr == nil || !failsOver(lastErr) {
			return s, info, lastErr
		}
	}
	return nil, info, lastErr
}

func (m *Manager) llmOrder() []int {
	order := m.PreferredLLMOrder()
	if len(order) == 0 {
		return []int{0}
	}
	return order
}

func failsOver(err error) bool {
	switch ClassifyError(err) {
	case ErrorQuota, ErrorRate:
		return true
	default:
		return false
	}
}

func preferredOrder(n int, nameAt func(i int) string) []int {
	if n <= 0 {
		return nil
	}
	out := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if nameAt(i) != "mock" {
			out = append(out, i)
		}
	}
	for i := 0; i < n; i++ {
		if nameAt(i) == "mock" {
			out = append(out, i)
		}
	}
	return out
}

func firstOr(xs []int, fallback int) int {
	if len(xs) == 0 {
		return fallback
	}
	return xs[0]
}

func buildProvider(ref ProviderRef, dim int) (any, error) {
	switch strings.ToLower(ref.Name) {
	case "mock":
		return NewMockProvider(dim), nil
	case "openai":
		return NewOpenAIProvider(ref.KeyAlias), nil
	case "ollama":
		return NewOllamaEmbeddingProvider(ref.KeyAlias), nil
	case "groq":
		return NewGroqProvider(ref.KeyAlias), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", ref.Name)
	}
}
