package reply

import (
	"sort"
	"strings"
)

// Price is the USD cost per one million tokens.
type Price struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// Pricing resolves model prices, falling back to configured rates.
type Pricing struct {
	models   map[string]Price
	prefixes []string
	fallback Price
}

var defaultPrices = map[string]Price{
	"gpt-4o":        {InputPerMillion: 5, OutputPerMillion: 15},
	"gpt-4o-mini":   {InputPerMillion: 0.15, OutputPerMillion: 0.6},
	"gpt-4-turbo":   {InputPerMillion: 10, OutputPerMillion: 30},
	"gpt-4.1":       {InputPerMillion: 2, OutputPerMillion: 8},
	"gpt-4.1-mini":  {InputPerMillion: 0.4, OutputPerMillion: 1.6},
	"gpt-3.5-turbo": {InputPerMillion: 0.5, OutputPerMillion: 1.5},
}

// NewPricing builds the price table. Unknown models use fallback.
func NewPricing(fallback Price, overrides map[string]Price) *Pricing {
	models := make(map[string]Price, len(defaultPrices)+len(overrides))
	for k, v := range defaultPrices {
		models[k] = v
	}
	for k, v := range overrides {
		models[strings.ToLower(k)] = v
	}
	prefixes := make([]string, 0, len(models))
	for k := range models {
		prefixes = append(prefixes, k)
	}
	// longest first so "gpt-4o-mini-2024-07-18" matches gpt-4o-mini, not gpt-4o
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })
	return &Pricing{models: models, prefixes: prefixes, fallback: fallback}
}

// Lookup returns the price for a model id, matching dated snapshots by prefix.
func (p *Pricing) Lookup(model string) Price {
	model = strings.ToLower(strings.TrimSpace(model))
	if price, ok := p.models[model]; ok {
		return price
	}
	for _, prefix := range p.prefixes {
		if strings.HasPrefix(model, prefix+"-") {
			return p.models[prefix]
		}
	}
	return p.fallback
}

// Cost computes the USD cost of a completion.
func (p *Pricing) Cost(model string, promptTokens, completionTokens int) float64 {
	price := p.Lookup(model)
	cost := float64(max(promptTokens, 0))*price.InputPerMillion/1_000_000 +
		float64(max(completionTokens, 0))*price.OutputPerMillion/1_000_000
	if cost < 0 {
		return 0
	}
	return cost
}
