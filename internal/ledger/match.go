package ledger

import (
	"github.com/shopspring/decimal"

	"main/internal/schema"
)

// ApplyFill matches a broker-pushed fill record against the locally
// known orders and applies its cash/position effects.
//
// Matching runs most-recent-order-first per code. An order is eligible
// while it can still absorb fills, which includes orders whose status
// feed already reports them fully filled; a fill carrying a broker
// order id requires an exact id match; otherwise the order must
// already show at least this much filled quantity on the status feed
// (Matched + fillVolume <= Filled) and agree on side. Picking the most
// recent eligible order resolves the common case of two same-code,
// same-side orders issued close together.
//
// A fill with no eligible order is kept in the unmatched list and
// ErrNoEligibleOrder is returned; partial and duplicate broker pushes
// are expected, so callers treat this as a warning.
func (a *Account) ApplyFill(f schema.FillUpdate) (Order, error) {
	if f.Volume <= 0 {
		return Order{}, ErrInvalidOrder
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	o := a.matchLocked(f)
	if o == nil {
		a.unmatched = append(a.unmatched, f)
		return Order{}, ErrNoEligibleOrder
	}

	o.Matched += f.Volume
	if o.Filled < o.Matched {
		o.Filled = o.Matched
	}
	switch o.Side {
	case schema.OrderSideBuy:
		a.settleBuyLocked(o, f)
	case schema.OrderSideSell:
		a.settleSellLocked(o, f)
	}
	if o.Matched >= o.Volume && !o.Terminal() {
		o.Status = schema.OrderStatusFilled
	} else if !o.Terminal() {
		o.Status = schema.OrderStatusPartFilled
	}

	f.BrokerOrderID = o.BrokerID
	a.pending = append(a.pending, schema.Event{Kind: schema.KindFillUpdate, Payload: f})
	a.queueOrderUpdate(o)
	return *o, nil
}

func (a *Account) matchLocked(f schema.FillUpdate) *Order {
	for i := len(a.orders) - 1; i >= 0; i-- {
		o := a.orders[i]
		if o.Code != f.Code || !o.matchable() {
			continue
		}
		if f.BrokerOrderID != "" {
			if o.BrokerID == f.BrokerOrderID {
				return o
			}
			continue
		}
		if o.Side == f.Side && o.Matched+f.Volume <= o.Filled {
			return o
		}
	}
	return nil
}

func (a *Account) settleBuyLocked(o *Order, f schema.FillUpdate) {
	volume := decimal.NewFromInt(f.Volume)
	cost := decimal.NewFromFloat(f.Price).Mul(decimal.NewFromInt(1).Add(a.costRate)).Mul(volume)
	a.cash = a.cash.Sub(cost)
	a.frozen = a.frozen.Sub(o.lockPerShare.Mul(volume))
	if a.frozen.IsNegative() {
		a.frozen = decimal.Zero
	}

	pos := a.positions[f.Code]
	if pos == nil {
		pos = &Position{Code: f.Code, PreClose: f.Price}
		a.positions[f.Code] = pos
	}
	oldTotal := decimal.NewFromInt(pos.Total)
	pos.Total += f.Volume
	if a.settlement == SettleT0 {
		pos.Available += f.Volume
	}
	newTotal := decimal.NewFromInt(pos.Total)
	pos.Cost = pos.Cost.Mul(oldTotal).Add(cost).Div(newTotal)
	price := decimal.NewFromFloat(f.Price)
	if pos.High.LessThan(price) {
		pos.High = price
	}
	pos.LastPrice = f.Price
	pos.Synced = false
	a.queuePositionUpdate(pos)
}

func (a *Account) settleSellLocked(o *Order, f schema.FillUpdate) {
	proceeds := decimal.NewFromFloat(f.Price).
		Mul(decimal.NewFromInt(1).Sub(a.costRate)).
		Mul(decimal.NewFromInt(f.Volume))
	a.cash = a.cash.Add(proceeds)

	pos := a.positions[f.Code]
	if pos == nil {
		return
	}
	pos.Total -= f.Volume
	if pos.Total < 0 {
		pos.Total = 0
	}
	if pos.Available > pos.Total {
		pos.Available = pos.Total
	}
	pos.LastPrice = f.Price
	pos.Synced = false
	a.queuePositionUpdate(pos)
}
