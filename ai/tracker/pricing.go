package tracker

import "strings"

// ModelPricing contains per-token pricing information.
// Prices are in USD per million tokens.
type ModelPricing struct {
	PromptPrice     float64 // USD per 1M prompt (input) tokens
	CompletionPrice float64 // USD per 1M completion (output) tokens
}

// DefaultPricingFallback is the fallback cost per request when model pricing is unknown
const DefaultPricingFallback = 0.01

// Providers whose calls are free to us
var freeProviders = map[string]bool{
	"local": true,
}

// pricing is keyed by provider, then model
var pricing = map[string]map[string]ModelPricing{
	"openrouter": {
		"openai/gpt-4o":                      {PromptPrice: 2.50, CompletionPrice: 10.00},
		"openai/gpt-4o-mini":                 {PromptPrice: 0.15, CompletionPrice: 0.60},
		"openai/gpt-4-turbo":                 {PromptPrice: 10.00, CompletionPrice: 30.00},
		"openai/gpt-3.5-turbo":               {PromptPrice: 0.50, CompletionPrice: 1.50},
		"anthropic/claude-3.5-sonnet":        {PromptPrice: 3.00, CompletionPrice: 15.00},
		"anthropic/claude-3-opus":            {PromptPrice: 15.00, CompletionPrice: 75.00},
		"anthropic/claude-3-haiku":           {PromptPrice: 0.25, CompletionPrice: 1.25},
		"google/gemini-pro-1.5":              {PromptPrice: 1.25, CompletionPrice: 5.00},
		"google/gemini-flash-1.5":            {PromptPrice: 0.075, CompletionPrice: 0.30},
		"meta-llama/llama-3.1-405b-instruct": {PromptPrice: 2.70, CompletionPrice: 2.70},
		"meta-llama/llama-3.1-70b-instruct":  {PromptPrice: 0.52, CompletionPrice: 0.75},
		"meta-llama/llama-3.1-8b-instruct":   {PromptPrice: 0.055, CompletionPrice: 0.055},
	},
	"anthropic": {
		"claude-sonnet-4-20250514":   {PromptPrice: 3.00, CompletionPrice: 15.00},
		"claude-opus-4-20250514":     {PromptPrice: 15.00, CompletionPrice: 75.00},
		"claude-3-5-sonnet-20241022": {PromptPrice: 3.00, CompletionPrice: 15.00},
		"claude-3-5-haiku-20241022":  {PromptPrice: 0.80, CompletionPrice: 4.00},
		"claude-3-opus-20240229":     {PromptPrice: 15.00, CompletionPrice: 75.00},
		"claude-3-haiku-20240307":    {PromptPrice: 0.25, CompletionPrice: 1.25},
		"claude-sonnet-4":            {PromptPrice: 3.00, CompletionPrice: 15.00},
		"claude-opus-4":              {PromptPrice: 15.00, CompletionPrice: 75.00},
	},
	"gemini": {
		"gemini-2.0-flash":      {PromptPrice: 0.10, CompletionPrice: 0.40},
		"gemini-2.0-flash-lite": {PromptPrice: 0.075, CompletionPrice: 0.30},
		"gemini-1.5-pro":        {PromptPrice: 1.25, CompletionPrice: 5.00},
		"gemini-1.5-flash":      {PromptPrice: 0.075, CompletionPrice: 0.30},
	},
}

// GetPricing returns pricing information for a model, if available.
// Anthropic "-latest" aliases resolve to their dated entry's family price.
func GetPricing(provider, model string) (ModelPricing, bool) {
	models, ok := pricing[provider]
	if !ok {
		return ModelPricing{}, false
	}
	if p, ok := models[model]; ok {
		return p, true
	}
	if base, ok := strings.CutSuffix(model, "-latest"); ok {
		for name, p := range models {
			if strings.HasPrefix(name, base+"-") {
				return p, true
			}
		}
	}
	return ModelPricing{}, false
}

// CalculateCost computes the cost of an API call based on token usage.
// Returns cost in USD.
func CalculateCost(provider, model string, promptTokens, completionTokens int) float64 {
	if freeProviders[provider] {
		return 0
	}

	p, found := GetPricing(provider, model)
	if !found {
		return DefaultPricingFallback
	}

	promptCost := (float64(promptTokens) / 1_000_000.0) * p.PromptPrice
	completionCost := (float64(completionTokens) / 1_000_000.0) * p.CompletionPrice

	return promptCost + completionCost
}
