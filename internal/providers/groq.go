package providers

import (
	"os"
	"strings"
)

const groqBaseURL = "https://api.groq.com/openai/v1"

// GroqProvider generates through Groq's OpenAI-compatible API.
type GroqProvider struct {
	*chatModel
}

func NewGroqProvider(keyName string) *GroqProvider {
	model := os.Getenv("DOCFLOW_GROQ_MODEL")
	if strings.TrimSpace(model) == "" {
		model = "llama-3.1-8b-instant"
	}
	return &GroqProvider{chatModel: newChatModel("groq", keyName, groqBaseURL, resolveGroqKey(keyName), model)}
}

func resolveGroqKey(alias string) string {
	if alias != "" {
		if v := os.Getenv("DOCFLOW_GROQ_KEY_" + strings.ToUpper(sanitizeEnvToken(alias))); v != "" {
			return v
		}
	}
	return os.Getenv("GROQ_API_KEY")
}
