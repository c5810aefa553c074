package schema

import "time"

// OrderSide describes order direction.
type OrderSide uint16

const (
	OrderSideUnknown OrderSide = iota
	OrderSideBuy
	OrderSideSell
)

func (s OrderSide) String() string {
	switch s {
	case OrderSideBuy:
		return "buy"
	case OrderSideSell:
		return "sell"
	default:
		return "unknown"
	}
}

// OrderStatus tracks the lifecycle of a submitted order.
type OrderStatus uint16

const (
	OrderStatusUnknown OrderStatus = iota
	OrderStatusNotFilled
	OrderStatusPartFilled
	OrderStatusFilled
	OrderStatusCancelled
	OrderStatusRejected
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// OrderUpdate is a broker-pushed order status record. BrokerID may be
// empty for orders the broker has not yet acknowledged.
type OrderUpdate struct {
	Broker   string
	OrderID  uint64
	BrokerID string
	Code     string
	Side     OrderSide
	Status   OrderStatus
	Price    float64
	Volume   int64
	Filled   int64
	Time     time.Time
}

// FillUpdate is a broker-pushed execution record. BrokerOrderID may be
// empty; the ledger then matches the fill heuristically.
type FillUpdate struct {
	Broker        string
	FillID        string
	BrokerOrderID string
	Code          string
	Side          OrderSide
	Price         float64
	Volume        int64
	Time          time.Time
}

// PositionUpdate notifies a strategy that one of its positions changed.
type PositionUpdate struct {
	Strategy  string
	Code      string
	Total     int64
	Available int64
	Cost      float64
}

// DayResult is the per-day back-test snapshot published for the
// presentation layer.
type DayResult struct {
	RunID     string
	Strategy  string
	Day       time.Time
	Cash      float64
	Positions []PositionUpdate
	FillCount int
}
