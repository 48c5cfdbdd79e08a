package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenAIEmbedParsesVectorsAndUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/embeddings", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		var body struct {
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, []string{"a", "b"}, body.Input)
		_, _ = w.Write([]byte(`{"data":[{"index":1,"embedding":[0,1]},{"index":0,"embedding":[1,0]}],"usage":{"prompt_tokens":4,"total_tokens":4}}`))
	}))
	defer srv.Close()

	t.Setenv("DOCFLOW_OPENAI_BASE_URL", srv.URL)
	t.Setenv("OPENAI_API_KEY", "test-key")
	p := NewOpenAIProvider("")
	resp, info, err := p.Embed(context.Background(), EmbedRequest{Inputs: []string{"a", "b"}})
	require.NoError(t, err)
	require.Equal(t, openAIEmbedModel, info.Model)
	require.Equal(t, []float32{1, 0}, resp.Vectors[0])
	require.Equal(t, []float32{0, 1}, resp.Vectors[1])
	require.Equal(t, 4, resp.Usage.PromptTokens)
}

func TestOpenAIEmbedSurfacesRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate limit"}`))
	}))
	defer srv.Close()

	t.Setenv("DOCFLOW_OPENAI_BASE_URL", srv.URL)
	t.Setenv("OPENAI_API_KEY", "test-key")
	_, _, err := NewOpenAIProvider("").Embed(context.Background(), EmbedRequest{Inputs: []string{"a"}})
	require.Error(t, err)
	require.Equal(t, ErrorRate, ClassifyError(err))
}

func TestOpenAIMissingKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, _, err := NewOpenAIProvider("nokey").Embed(context.Background(), EmbedRequest{Inputs: []string{"a"}})
	require.ErrorContains(t, err, "key missing")
}
