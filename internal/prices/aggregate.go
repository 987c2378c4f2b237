package prices

import (
	"time"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Holding is a position in the active portfolio
type Holding struct {
	Symbol   string          `json:"symbol"`
	Quantity decimal.Decimal `json:"quantity"`
	AvgCost  decimal.Decimal `json:"avg_cost"`
}

// HoldingValue is a holding valued at the current price
type HoldingValue struct {
	Symbol                string           `json:"symbol"`
	Quantity              decimal.Decimal  `json:"quantity"`
	CurrentPrice          *decimal.Decimal `json:"current_price"`
	MarketValue           decimal.Decimal  `json:"market_value"`
	TotalCost             decimal.Decimal  `json:"total_cost"`
	UnrealizedGain        decimal.Decimal  `json:"unrealized_gain"`
	UnrealizedGainPercent decimal.Decimal  `json:"unrealized_gain_percent"`
	IsStale               bool             `json:"is_stale"`
}

// Totals sums a portfolio
type Totals struct {
	MarketValue           decimal.Decimal `json:"market_value"`
	TotalCost             decimal.Decimal `json:"total_cost"`
	UnrealizedGain        decimal.Decimal `json:"unrealized_gain"`
	UnrealizedGainPercent decimal.Decimal `json:"unrealized_gain_percent"`
	HoldingsWithPrices    int             `json:"holdings_with_prices"`
	HoldingsWithStaleData int             `json:"holdings_with_stale_data"`
}

// Portfolio is the derived valuation. It is recomputed, never stored.
type Portfolio struct {
	Holdings   []HoldingValue `json:"holdings"`
	Totals     Totals         `json:"totals"`
	ComputedAt time.Time      `json:"computed_at"`
}

// Aggregate values holdings against prices at now. It is a pure function of
// its arguments. A holding without a price has zero market value and is not
// counted stale.
func Aggregate(holdings []Holding, prices map[string]Entry, now time.Time, staleAfter time.Duration) Portfolio {
	p := Portfolio{
		Holdings:   make([]HoldingValue, 0, len(holdings)),
		ComputedAt: now,
	}

	for _, h := range holdings {
		hv := HoldingValue{
			Symbol:    h.Symbol,
			Quantity:  h.Quantity,
			TotalCost: h.AvgCost.Mul(h.Quantity),
		}
		if e, ok := prices[h.Symbol]; ok {
			price := decimal.NewFromFloat(e.Price)
			hv.CurrentPrice = &price
			hv.MarketValue = price.Mul(h.Quantity)
			hv.IsStale = Stale(e, now, staleAfter)
			p.Totals.HoldingsWithPrices++
			if hv.IsStale {
				p.Totals.HoldingsWithStaleData++
			}
		}
		hv.UnrealizedGain = hv.MarketValue.Sub(hv.TotalCost)
		hv.UnrealizedGainPercent = percent(hv.UnrealizedGain, hv.TotalCost)

		p.Totals.MarketValue = p.Totals.MarketValue.Add(hv.MarketValue)
		p.Totals.TotalCost = p.Totals.TotalCost.Add(hv.TotalCost)
		p.Holdings = append(p.Holdings, hv)
	}

	p.Totals.UnrealizedGain = p.Totals.MarketValue.Sub(p.Totals.TotalCost)
	p.Totals.UnrealizedGainPercent = percent(p.Totals.UnrealizedGain, p.Totals.TotalCost)
	return p
}

func percent(gain, cost decimal.Decimal) decimal.Decimal {
	if cost.IsZero() {
		return decimal.Zero
	}
	return gain.Div(cost).Mul(hundred)
}

// Aggregate values holdings against the store's current prices
func (s *Store) Aggregate(holdings []Holding, staleAfter time.Duration) Portfolio {
	return Aggregate(holdings, s.Snapshot(), s.now(), staleAfter)
}
