package pricing

import "math"

// ScarcityPrices prices tokens for an interactive session. Each token's base
// price is raised by a penalty that grows as its unheld supply shrinks
// relative to its holdings:
//
//	penalty = max(0, multiplier * (1 - available/(held+eps)))
//	price   = base * (1 + penalty)
//
// The result is then rescaled so Σ price × supply equals reserve. When the
// penalised market cap is zero the prices are returned unscaled.
func ScarcityPrices(base []float64, supply, held []int, reserve, multiplier, eps float64) []float64 {
	prices := make([]float64, len(base))
	for t, b := range base {
		available := float64(supply[t] - held[t])
		penalty := math.Max(0, multiplier*(1-available/(float64(held[t])+eps)))
		prices[t] = b * (1 + penalty)
	}

	if mc := MarketCap(prices, supply); mc > 0 {
		scale := reserve / mc
		for t := range prices {
			prices[t] *= scale
		}
	}
	return prices
}
