package ledger

import (
	"math"

	"github.com/shopspring/decimal"
)

// Position is one held code. Available excludes volume bought today
// under T+1 settlement and volume locked by open sell orders.
// Invariants: Available <= Total and Total >= 0 after every operation.
type Position struct {
	Code        string
	Total       int64
	Available   int64
	Cost        decimal.Decimal
	High        decimal.Decimal
	LastPrice   float64
	PreClose    float64
	HoldingDays int
	Synced      bool

	// Last applied corporate-action factors, kept for inspection.
	PriceFactor  float64
	VolumeFactor float64
}

// adjust applies a corporate-action factor pair exactly once. The
// caller updates PreClose afterwards, which is what makes a repeat of
// the same tick a no-op rather than a re-scaling.
func (p *Position) adjust(priceFactor float64) {
	pf := decimal.NewFromFloat(priceFactor)
	p.Cost = p.Cost.Div(pf)
	p.High = p.High.Div(pf)
	p.Total = scaleVolume(p.Total, priceFactor)
	p.Available = scaleVolume(p.Available, priceFactor)
	if p.Available > p.Total {
		p.Available = p.Total
	}
	p.PriceFactor = priceFactor
	p.VolumeFactor = 1 / priceFactor
}

func scaleVolume(v int64, priceFactor float64) int64 {
	return int64(math.Round(float64(v) * priceFactor))
}

func (p *Position) clone() *Position {
	cp := *p
	return &cp
}
