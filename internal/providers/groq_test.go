package providers

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveGroqKeyAlias(t *testing.T) {
	t.Setenv("GROQ_API_KEY", "fallback")
	t.Setenv("DOCFLOW_GROQ_KEY_TEAM_A", "aliased")
	require.Equal(t, "aliased", resolveGroqKey("team-a"))
	require.Equal(t, "fallback", resolveGroqKey("other"))
}

func TestGroqProviderModelOverride(t *testing.T) {
	t.Setenv("DOCFLOW_GROQ_MODEL", "llama-3.3-70b-versatile")
	t.Setenv("GROQ_API_KEY", "")
	p := NewGroqProvider("")
	require.Equal(t, "llama-3.3-70b-versatile", p.info().Model)
}
