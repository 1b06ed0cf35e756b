package budget

import (
	"strings"

	"tether/internal/agent/ports"
)

// ModelPricing holds per-1K-token USD rates for one model.
type ModelPricing struct {
	InputPer1K  float64
	OutputPer1K float64
}

// pricingTable maps model identifiers to their published rates. Unknown
// models fall back to a conservative default so cost accounting never
// silently records zero.
var pricingTable = map[string]ModelPricing{
	"gpt-4":         {InputPer1K: 0.03, OutputPer1K: 0.06},
	"gpt-4-turbo":   {InputPer1K: 0.01, OutputPer1K: 0.03},
	"gpt-4o":        {InputPer1K: 0.005, OutputPer1K: 0.015},
	"gpt-4o-mini":   {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"deepseek-chat": {InputPer1K: 0.00014, OutputPer1K: 0.00028},

	"deepseek-reasoner": {InputPer1K: 0.00055, OutputPer1K: 0.00219},

	"anthropic/claude-3-5-sonnet": {InputPer1K: 0.003, OutputPer1K: 0.015},
	"anthropic/claude-3-opus":     {InputPer1K: 0.015, OutputPer1K: 0.075},

	"meta-llama/llama-3.1-70b-instruct": {InputPer1K: 0.0005, OutputPer1K: 0.0008},
}

var defaultPricing = ModelPricing{InputPer1K: 0.001, OutputPer1K: 0.002}

// PricingFor returns the rate card for a model. Provider-prefixed names
// fall back to the bare model name before hitting the default.
func PricingFor(model string) ModelPricing {
	if pricing, ok := pricingTable[model]; ok {
		return pricing
	}
	if idx := strings.LastIndex(model, "/"); idx >= 0 {
		if pricing, ok := pricingTable[model[idx+1:]]; ok {
			return pricing
		}
	}
	return defaultPricing
}

// CalculateCost converts token counts into USD for the given model.
func CalculateCost(inputTokens, outputTokens int, model string) (inputCost, outputCost, totalCost float64) {
	pricing := PricingFor(model)
	inputCost = float64(inputTokens) / 1000.0 * pricing.InputPer1K
	outputCost = float64(outputTokens) / 1000.0 * pricing.OutputPer1K
	return inputCost, outputCost, inputCost + outputCost
}

// CostOfUsage returns the total USD cost of one planner exchange.
func CostOfUsage(usage ports.TokenUsage) float64 {
	_, _, total := CalculateCost(usage.InputTokens, usage.OutputTokens, usage.Model)
	return total
}
