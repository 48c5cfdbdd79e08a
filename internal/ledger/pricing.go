package ledger

import (
	"fmt"

	"docflow/internal/util"
)

// Price is USD per 1000 tokens.
type Price struct {
	Input  float64
	Output float64
}

var ErrUnknownModel = fmt.Errorf("%w: model has no price entry", util.ErrValidation)

var DefaultPrices = map[string]Price{
	"text-embedding-3-small": {Input: 0.00002, Output: 0},
	"gemini-flash-latest":    {Input: 0.00035, Output: 0.00105},
	"gemini-2.5-flash-lite":  {Input: 0.00035, Output: 0.00105},
	"gpt-4o-mini":            {Input: 0.00015, Output: 0.0006},
	"llama-3.1-8b-instant":   {Input: 0.00005, Output: 0.00008},
	"nomic-embed-text":       {Input: 0, Output: 0},
	"bge-small-en-v1.5":      {Input: 0, Output: 0},
	"mock-embedding":         {Input: 0, Output: 0},
	"mock-llm":               {Input: 0, Output: 0},
}

// CostOf prices a call against DefaultPrices.
func CostOf(model string, promptTokens, completionTokens int) (float64, error) {
	return costOf(DefaultPrices, model, promptTokens, completionTokens)
}

func costOf(prices map[string]Price, model string, promptTokens, completionTokens int) (float64, error) {
	p, ok := prices[model]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownModel, model)
	}
	if promptTokens < 0 {
		promptTokens = 0
	}
	if completionTokens < 0 {
		completionTokens = 0
	}
	return float64(promptTokens)/1000*p.Input + float64(completionTokens)/1000*p.Output, nil
}
