package model

import "github.com/castellan-ai/castellan/pkg/config"

// PriceTable computes run cost from operator-provided per-MTok prices.
// Unregistered models cost zero; the operator owns the table.
type PriceTable struct {
	prices map[string]config.ModelPrice
}

func NewPriceTable(prices map[string]config.ModelPrice) *PriceTable {
	if prices == nil {
		prices = map[string]config.ModelPrice{}
	}
	return &PriceTable{prices: prices}
}

// Cost returns USD for the given token counts.
func (t *PriceTable) Cost(model string, in, out int) float64 {
	p, ok := t.prices[model]
	if !ok {
		return 0
	}
	return p.In*float64(in)/1_000_000 + p.Out*float64(out)/1_000_000
}
