package ledger

import (
	"sync"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"

	"main/internal/obs"
	"main/internal/schema"
)

var (
	ErrInsufficientCash     = errors.New("ledger: insufficient free cash")
	ErrInsufficientPosition = errors.New("ledger: insufficient available position")
	ErrInvalidOrder         = errors.New("ledger: invalid order arguments")
	ErrUnknownOrder         = errors.New("ledger: order not found")
	ErrNoEligibleOrder      = errors.New("ledger: no eligible order for fill")
)

// Settlement selects when bought volume becomes sellable.
type Settlement uint16

const (
	// SettleT1 releases bought volume at the next day's open.
	SettleT1 Settlement = iota
	// SettleT0 releases bought volume immediately. Debug aid.
	SettleT0
)

// Config sizes a fresh account.
type Config struct {
	Broker      string
	InitialCash float64
	CostRate    float64
	Settlement  Settlement
	Metrics     *obs.Metrics
}

// Account is the per-strategy (or per-broker) order, fill and position
// ledger. A Position is mutated only by its owning Account; snapshot
// reads hand out copies.
type Account struct {
	mu sync.Mutex

	broker     string
	settlement Settlement
	costRate   decimal.Decimal
	metrics    *obs.Metrics

	cash   decimal.Decimal // total cash including frozen estimates
	frozen decimal.Decimal // provisionally locked by open buy orders

	nextID    uint64
	orders    []*Order // submission order, most recent last
	byID      map[uint64]*Order
	positions map[string]*Position
	unmatched []schema.FillUpdate

	pending []schema.Event // notifications queued for the next flush
}

// New creates an account with the given starting cash.
func New(cfg Config) *Account {
	return &Account{
		broker:     cfg.Broker,
		settlement: cfg.Settlement,
		costRate:   decimal.NewFromFloat(cfg.CostRate),
		metrics:    cfg.Metrics,
		cash:       decimal.NewFromFloat(cfg.InitialCash),
		byID:       make(map[uint64]*Order),
		positions:  make(map[string]*Position),
	}
}

// Broker names the broker account this ledger reconciles.
func (a *Account) Broker() string { return a.broker }

// Cash returns total cash including frozen estimates.
func (a *Account) Cash() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cash.InexactFloat64()
}

// FreeCash returns cash not locked by open buy orders.
func (a *Account) FreeCash() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cash.Sub(a.frozen).InexactFloat64()
}

// Buy validates free cash, freezes the estimated cost and records a
// not-filled order. Freezing up front keeps a strategy from committing
// the same capital to several orders within one replay slice.
func (a *Account) Buy(code string, price float64, volume int64) (uint64, error) {
	if code == "" || price <= 0 || volume <= 0 {
		return 0, ErrInvalidOrder
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	perShare := decimal.NewFromFloat(price).Mul(decimal.NewFromInt(1).Add(a.costRate))
	estimate := perShare.Mul(decimal.NewFromInt(volume))
	free := a.cash.Sub(a.frozen)
	if estimate.GreaterThan(free) {
		return 0, ErrInsufficientCash
	}
	a.frozen = a.frozen.Add(estimate)

	o := a.newOrder(code, schema.OrderSideBuy, price, volume)
	o.lockPerShare = perShare
	a.queueOrderUpdate(o)
	return o.ID, nil
}

// Sell validates and locks available position volume.
func (a *Account) Sell(code string, price float64, volume int64) (uint64, error) {
	if code == "" || price <= 0 || volume <= 0 {
		return 0, ErrInvalidOrder
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	pos := a.positions[code]
	if pos == nil || pos.Available < volume {
		return 0, ErrInsufficientPosition
	}
	pos.Available -= volume

	o := a.newOrder(code, schema.OrderSideSell, price, volume)
	a.queueOrderUpdate(o)
	a.queuePositionUpdate(pos)
	return o.ID, nil
}

func (a *Account) newOrder(code string, side schema.OrderSide, price float64, volume int64) *Order {
	a.nextID++
	o := &Order{
		ID:     a.nextID,
		Code:   code,
		Side:   side,
		Price:  price,
		Volume: volume,
		Status: schema.OrderStatusNotFilled,
	}
	a.orders = append(a.orders, o)
	a.byID[o.ID] = o
	return o
}

// ApplyOrderUpdate ingests a broker order-status push. The data feed
// contract requires status updates to arrive before the fills they
// cover; the matcher's eligibility rule depends on it.
func (a *Account) ApplyOrderUpdate(u schema.OrderUpdate) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	o := a.findOrderLocked(u)
	if o == nil {
		return ErrUnknownOrder
	}
	if u.BrokerID != "" {
		o.BrokerID = u.BrokerID
	}
	if u.Filled > o.Filled {
		o.Filled = u.Filled
	}
	if o.Terminal() {
		return nil
	}
	prev := o.Status
	if u.Status != schema.OrderStatusUnknown {
		o.Status = u.Status
	}
	if o.Terminal() && !prev.Terminal() {
		a.releaseLocked(o)
	}
	a.queueOrderUpdate(o)
	return nil
}

func (a *Account) findOrderLocked(u schema.OrderUpdate) *Order {
	if u.OrderID != 0 {
		return a.byID[u.OrderID]
	}
	if u.BrokerID == "" {
		return nil
	}
	for i := len(a.orders) - 1; i >= 0; i-- {
		if a.orders[i].BrokerID == u.BrokerID {
			return a.orders[i]
		}
	}
	// Fall back to the most recent unacknowledged order of the same
	// code and side, so the broker id gets attached on first push.
	for i := len(a.orders) - 1; i >= 0; i-- {
		o := a.orders[i]
		if o.BrokerID == "" && o.Code == u.Code && o.Side == u.Side && !o.Terminal() {
			return o
		}
	}
	return nil
}

// releaseLocked returns the part of an order's locks no pending fill
// will consume. Volume the status feed reported filled stays locked
// for the fills still in flight; settling them consumes it.
func (a *Account) releaseLocked(o *Order) {
	covered := o.Filled
	if o.Matched > covered {
		covered = o.Matched
	}
	remaining := o.Volume - covered
	if remaining <= 0 {
		return
	}
	switch o.Side {
	case schema.OrderSideBuy:
		a.frozen = a.frozen.Sub(o.lockPerShare.Mul(decimal.NewFromInt(remaining)))
		if a.frozen.IsNegative() {
			a.frozen = decimal.Zero
		}
	case schema.OrderSideSell:
		if pos := a.positions[o.Code]; pos != nil {
			pos.Available += remaining
			if pos.Available > pos.Total {
				pos.Available = pos.Total
			}
			a.queuePositionUpdate(pos)
		}
	}
}

// Cancel marks a non-terminal order cancelled and releases its locks.
func (a *Account) Cancel(orderID uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	o := a.byID[orderID]
	if o == nil {
		return ErrUnknownOrder
	}
	if o.Terminal() {
		return nil
	}
	o.Status = schema.OrderStatusCancelled
	a.releaseLocked(o)
	a.queueOrderUpdate(o)
	return nil
}

// Order returns a copy of the order record.
func (a *Account) Order(id uint64) (Order, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	o := a.byID[id]
	if o == nil {
		return Order{}, false
	}
	return *o, true
}

// Position returns a copy of the position for code.
func (a *Account) Position(code string) (Position, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := a.positions[code]
	if p == nil {
		return Position{}, false
	}
	return *p, true
}

// OpenOrders returns copies of all non-terminal orders, oldest first.
func (a *Account) OpenOrders() []Order {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Order
	for _, o := range a.orders {
		if !o.Terminal() {
			out = append(out, *o)
		}
	}
	return out
}

// Positions returns copies of all open positions.
func (a *Account) Positions() []Position {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Position, 0, len(a.positions))
	for _, p := range a.positions {
		out = append(out, *p)
	}
	return out
}

// Unmatched returns fills the matcher could not attribute to an order.
func (a *Account) Unmatched() []schema.FillUpdate {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]schema.FillUpdate, len(a.unmatched))
	copy(out, a.unmatched)
	return out
}

// Flush drains the queued order/fill/position notifications.
func (a *Account) Flush() []schema.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.pending
	a.pending = nil
	return out
}

func (a *Account) queueOrderUpdate(o *Order) {
	a.pending = append(a.pending, schema.Event{Kind: schema.KindOrderUpdate, Payload: o.view()})
}

func (a *Account) queuePositionUpdate(p *Position) {
	a.pending = append(a.pending, schema.Event{Kind: schema.KindPositionUpdate, Payload: schema.PositionUpdate{
		Strategy:  a.broker,
		Code:      p.Code,
		Total:     p.Total,
		Available: p.Available,
		Cost:      p.Cost.InexactFloat64(),
	}})
}
