// Package market filters and ranks the tradable product universe.
//
// The exchange reports every listed product; only a subset is worth
// grid-trading. Rank applies hard filters (USD quote, known price and
// increments) and orders the survivors by 24h dollar volume so the API
// can surface the most liquid pairs first.
package market

import (
	"math"
	"sort"
	"strings"

	"coinbase-gridbot/pkg/types"
)

// Ranked is one product with its universe position.
type Ranked struct {
	Product types.Product
	Rank    int     // 1 = most liquid
	Score   float64 // 24h traded notional in USD
}

// Rank filters out products a grid cannot trade and orders the rest by
// descending 24h dollar volume. Ties break by product ID so the ranking
// is stable across refreshes.
func Rank(products []types.Product) []Ranked {
	filtered := products[:0:0]
	for _, p := range products {
		if !tradable(p) {
			continue
		}
		filtered = append(filtered, p)
	}

	ranked := make([]Ranked, 0, len(filtered))
	for _, p := range filtered {
		ranked = append(ranked, Ranked{Product: p, Score: score(p)})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Product.ID < ranked[j].Product.ID
	})
	for i := range ranked {
		ranked[i].Rank = i + 1
	}
	return ranked
}

// tradable rejects products the grid math cannot price: non-USD quotes,
// missing increments, or no known price.
func tradable(p types.Product) bool {
	if !strings.HasSuffix(p.ID, "-USD") {
		return false
	}
	if p.QuoteIncrement <= 0 || p.BaseIncrement <= 0 {
		return false
	}
	if p.Price <= 0 || math.IsNaN(p.Price) || math.IsInf(p.Price, 0) {
		return false
	}
	return true
}

// score is the 24h traded notional. Volume24h arrives in base units.
func score(p types.Product) float64 {
	return p.Volume24h * p.Price
}
