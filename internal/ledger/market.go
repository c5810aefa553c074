package ledger

import (
	"github.com/shopspring/decimal"

	"main/internal/schema"
)

// MarkToMarket applies a replay slice's prices to the held positions:
// corporate-action adjustment first, then last price and high-water
// mark maintenance.
func (a *Account) MarkToMarket(s schema.Slice) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, t := range s.Ticks {
		pos := a.positions[t.Code]
		if pos == nil {
			continue
		}
		a.adjustLocked(pos, t)
		if t.Price > 0 {
			pos.LastPrice = t.Price
			price := decimal.NewFromFloat(t.Price)
			if pos.High.LessThan(price) {
				pos.High = price
			}
		}
	}
}

// adjustLocked applies the ex-dividend/ex-rights factor when the
// tick's previous close disagrees with the stored one. The stored
// previous close is overwritten afterwards, so replaying the same
// slice cannot scale the position twice.
func (a *Account) adjustLocked(pos *Position, t schema.Tick) {
	if t.PreClose <= 0 {
		return
	}
	if pos.PreClose <= 0 {
		pos.PreClose = t.PreClose
		return
	}
	if pos.PreClose == t.PreClose {
		return
	}
	priceFactor := pos.PreClose / t.PreClose
	pos.adjust(priceFactor)
	pos.PreClose = t.PreClose
	a.metrics.IncAdjustment()
	a.queuePositionUpdate(pos)
}

// DayOpen starts a trading day: T+1 volume bought earlier becomes
// available, minus whatever open sell orders still lock.
func (a *Account) DayOpen() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, pos := range a.positions {
		locked := a.lockedVolumeLocked(pos.Code)
		pos.Available = pos.Total - locked
		if pos.Available < 0 {
			pos.Available = 0
		}
		pos.Synced = false
	}
}

// DayClose finalizes a trading day: zero-volume positions are evicted
// and holding counters advance.
func (a *Account) DayClose() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for code, pos := range a.positions {
		if pos.Total <= 0 {
			delete(a.positions, code)
			continue
		}
		pos.HoldingDays++
	}
}

// Sync marks every position as synchronized with the strategy's view
// and returns snapshot copies. The engine calls this once per replay
// slice so strategies always observe ledger-consistent positions.
func (a *Account) Sync() []Position {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Position, 0, len(a.positions))
	for _, pos := range a.positions {
		pos.Synced = true
		out = append(out, *pos)
	}
	return out
}

func (a *Account) lockedVolumeLocked(code string) int64 {
	var locked int64
	for _, o := range a.orders {
		if o.Code == code && o.Side == schema.OrderSideSell && !o.Terminal() {
			locked += o.Volume - o.Matched
		}
	}
	return locked
}
