package providers

import (
	"strings"
)

// Price holds per-model rates in USD per one million tokens.
type Price struct {
	Input       float64
	Output      float64
	CachedInput float64
}

// PriceTable resolves a model id to its Price. Lookup tries the exact id
// first, then the longest known prefix, so dated snapshots such as
// "gpt-4o-2024-08-06" resolve to "gpt-4o".
type PriceTable struct {
	prices        map[string]Price
	batchDiscount float64
}

// NewPriceTable copies prices. batchDiscount is the fraction taken off in
// batch mode (0.5 = half price).
func NewPriceTable(prices map[string]Price, batchDiscount float64) *PriceTable {
	cp := make(map[string]Price, len(prices))
	for k, v := range prices {
		cp[strings.ToLower(k)] = v
	}
	if batchDiscount < 0 || batchDiscount >= 1 {
		batchDiscount = 0
	}
	return &PriceTable{prices: cp, batchDiscount: batchDiscount}
}

// Lookup returns the price for model.
func (t *PriceTable) Lookup(model string) (Price, bool) {
	if t == nil {
		return Price{}, false
	}
	model = strings.ToLower(strings.TrimSpace(model))
	if p, ok := t.prices[model]; ok {
		return p, true
	}
	best := ""
	for k := range t.prices {
		if strings.HasPrefix(model, k) && len(k) > len(best) {
			best = k
		}
	}
	if best == "" {
		return Price{}, false
	}
	return t.prices[best], true
}

// Cost computes the USD cost of tokens on model. Unknown models cost 0.
// Cached prompt tokens are charged at the cached-input rate when one is set.
func (t *PriceTable) Cost(tokens Tokens, model string, opts CostOptions) float64 {
	p, ok := t.Lookup(model)
	if !ok {
		return 0
	}
	cached := tokens.Cached
	if cached > tokens.Prompt {
		cached = tokens.Prompt
	}
	cachedRate := p.CachedInput
	if cachedRate == 0 {
		cachedRate = p.Input
	}
	cost := (float64(tokens.Prompt-cached)*p.Input +
		float64(cached)*cachedRate +
		float64(tokens.Completion)*p.Output) / 1_000_000
	if opts.Batch {
		cost *= 1 - t.batchDiscount
	}
	return cost
}
