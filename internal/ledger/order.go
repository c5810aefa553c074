package ledger

import (
	"github.com/shopspring/decimal"

	"main/internal/schema"
)

// Order is the ledger's record of a submitted trading intent.
// Filled tracks the broker's order-status feed; Matched tracks how much
// of that filled quantity has been accounted to fill records. The
// matcher maintains Matched <= Filled at all times.
type Order struct {
	ID       uint64
	BrokerID string
	Code     string
	Side     schema.OrderSide
	Price    float64
	Volume   int64
	Filled   int64
	Matched  int64
	Status   schema.OrderStatus

	// lockPerShare is the cash (buy) frozen per share at submission,
	// released as fills are matched or the order terminates.
	lockPerShare decimal.Decimal
}

// Terminal reports whether the order can receive no further updates.
func (o *Order) Terminal() bool { return o.Status.Terminal() }

// matchable reports whether the order can still absorb fill records.
// The status feed runs ahead of the fill feed, so a fully-filled
// status keeps the order matchable until its fills catch up; cancelled
// and rejected orders stay matchable only for the volume the status
// feed already reported filled.
func (o *Order) matchable() bool {
	switch o.Status {
	case schema.OrderStatusCancelled, schema.OrderStatusRejected:
		return o.Matched < o.Filled
	default:
		return o.Matched < o.Volume
	}
}

// Remaining is the unfilled volume according to the broker status feed.
func (o *Order) Remaining() int64 { return o.Volume - o.Filled }

func (o *Order) view() schema.OrderUpdate {
	return schema.OrderUpdate{
		OrderID:  o.ID,
		BrokerID: o.BrokerID,
		Code:     o.Code,
		Side:     o.Side,
		Status:   o.Status,
		Price:    o.Price,
		Volume:   o.Volume,
		Filled:   o.Filled,
	}
}
