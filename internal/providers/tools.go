package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/tmc/langchaingo/llms"
)

// ToolSpec declares a function the model may ask to call. Parameters is a
// JSON schema object.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolRequest is one turn of a tool-calling exchange. On the follow-up turn
// Call is the call the model made and Result is its JSON-encoded outcome.
type ToolRequest struct {
	GenerateRequest
	Tools  []ToolSpec `json:"tools"`
	Call   *ToolCall  `json:"call,omitempty"`
	Result string     `json:"result,omitempty"`
}

// ToolResponse carries either text or the first call the model requested.
type ToolResponse struct {
	Text  string    `json:"text"`
	Call  *ToolCall `json:"call,omitempty"`
	Usage Usage     `json:"usage"`
}

type ToolCallingProvider interface {
	LLMProvider
	GenerateWithTools(ctx context.Context, req ToolRequest) (ToolResponse, ProviderInfo, error)
}

func (c *chatModel) GenerateWithTools(ctx context.Context, req ToolRequest) (ToolResponse, ProviderInfo, error) {
	if c.initErr != nil {
		return ToolResponse{}, c.info(), c.initErr
	}
	msgs := chatMessages(req.GenerateRequest)
	if req.Call != nil {
		msgs = append(msgs,
			llms.MessageContent{Role: llms.ChatMessageTypeAI, Parts: []llms.ContentPart{llms.ToolCall{
				ID:           req.Call.ID,
				Type:         "function",
				FunctionCall: &llms.FunctionCall{Name: req.Call.Name, Arguments: req.Call.Arguments},
			}}},
			llms.MessageContent{Role: llms.ChatMessageTypeTool, Parts: []llms.ContentPart{llms.ToolCallResponse{
				ToolCallID: req.Call.ID,
				Name:       req.Call.Name,
				Content:    req.Result,
			}}},
		)
	}
	opts := append(callOptions(req.GenerateRequest), llms.WithTools(langchainTools(req.Tools)))
	resp, err := c.llm.GenerateContent(ctx, msgs, opts...)
	if err != nil {
		return ToolResponse{}, c.info(), fmt.Errorf("%s tool request failed: %w", c.name, err)
	}
	if len(resp.Choices) == 0 {
		return ToolResponse{}, c.info(), fmt.Errorf("%s returned empty choices", c.name)
	}
	choice := resp.Choices[0]
	out := ToolResponse{Text: choice.Content}
	for _, tc := range choice.ToolCalls {
		if tc.FunctionCall != nil {
			out.Call = &ToolCall{ID: tc.ID, Name: tc.FunctionCall.Name, Arguments: tc.FunctionCall.Arguments}
			break
		}
	}
	out.Usage = usageFromInfo(choice.GenerationInfo, req.GenerateRequest, choice.Content)
	return out, c.info(), nil
}

func langchainTools(specs []ToolSpec) []llms.Tool {
	out := make([]llms.Tool, 0, len(specs))
	for _, s := range specs {
		out = append(out, llms.Tool{
			Type:     "function",
			Function: &llms.FunctionDefinition{Name: s.Name, Description: s.Description, Parameters: s.Parameters},
		})
	}
	return out
}

// GenerateWithTools picks a tool by keyword on the first turn and reports
// the tool's result on the follow-up.
func (m *MockProvider) GenerateWithTools(ctx context.Context, req ToolRequest) (ToolResponse, ProviderInfo, error) {
	info := ProviderInfo{Name: "mock", Model: MockLLMModel, Key: "mock"}
	if err := ctx.Err(); err != nil {
		return ToolResponse{}, info, err
	}
	if req.Call != nil {
		text := fmt.Sprintf("Mock answer using %s: %s", req.Call.Name, req.Result)
		return ToolResponse{Text: text, Usage: usageFor(promptText(req.GenerateRequest)+req.Result, text)}, info, nil
	}
	if call := mockToolCall(req); call != nil {
		return ToolResponse{Call: call, Usage: usageFor(promptText(req.GenerateRequest), call.Arguments)}, info, nil
	}
	text := mockText(req.GenerateRequest)
	return ToolResponse{Text: text, Usage: usageFor(promptText(req.GenerateRequest), text)}, info, nil
}

func mockToolCall(req ToolRequest) *ToolCall {
	offered := func(name string) bool {
		for _, t := range req.Tools {
			if t.Name == name {
				return true
			}
		}
		return false
	}
	prompt := strings.ToLower(req.Prompt)
	var (
		name string
		args map[string]any
	)
	switch {
	case strings.Contains(prompt, "how many"):
		name, args = "count_notes", map[string]any{"topic": mockTopic(prompt)}
	case strings.Contains(prompt, "recent") || strings.Contains(prompt, "latest"):
		name, args = "get_recent_notes", map[string]any{"limit": 5}
	case strings.Contains(prompt, "find") || strings.Contains(prompt, "search"):
		name, args = "search_all_notes", map[string]any{"query": mockTopic(prompt)}
	default:
		return nil
	}
	if !offered(name) {
		return nil
	}
	raw, _ := json.Marshal(args)
	return &ToolCall{ID: "mock-call-1", Name: name, Arguments: string(raw)}
}

// mockTopic is the text after the last "about", or empty.
func mockTopic(prompt string) string {
	i := strings.LastIndex(prompt, "about ")
	if i < 0 {
		return ""
	}
	return strings.Trim(strings.TrimSpace(prompt[i+len("about "):]), "?.!")
}

// GenerateWithTools fails over like Generate. Providers without tool support
// answer in plain text, with any tool result passed as context.
func (m *Manager) GenerateWithTools(ctx context.Context, req ToolRequest) (ToolResponse, ProviderInfo, error) {
	var (
		resp    ToolResponse
		info    ProviderInfo
		lastErr error
	)
	for _, idx := range m.llmOrder() {
		p, _ := m.LLMProviderByIndex(idx)
		if tp, ok := p.(ToolCallingProvider); ok {
			resp, info, lastErr = tp.GenerateWithTools(ctx, req)
		} else {
			plain := req.GenerateRequest
			if req.Call != nil {
				plain.Context = append(slices.Clone(plain.Context), req.Call.Name+" returned: "+req.Result)
			}
			var g GenerateResponse
			g, info, lastErr = p.Generate(ctx, plain)
			resp = ToolResponse{Text: g.Text, Usage: g.Usage}
		}
		if lastErr == nil || !failsOver(lastErr) {
			return resp, info, lastErr
		}
	}
	return resp, info, lastErr
}
