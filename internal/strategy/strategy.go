package strategy

import (
	"time"

	"github.com/yanun0323/errors"

	"main/internal/ledger"
	"main/internal/risk"
	"main/internal/schema"
)

var ErrRiskRejected = errors.New("strategy: order rejected by risk limits")

// Context is handed to every strategy hook. The engine owns it; the
// strategy reads market state through it and places orders on the
// account. State survives across trading days through the document
// store and may hold any sonic-serializable values.
type Context struct {
	Strategy string
	Day      time.Time
	Account  *ledger.Account
	Params   map[string]float64
	State    map[string]any

	// Risk, when set, gates every order before it reaches the ledger.
	Risk *risk.Engine
}

// Buy submits a buy order on the owning account.
func (c *Context) Buy(code string, price float64, volume int64) (uint64, error) {
	if err := c.check(code, schema.OrderSideBuy, price, volume); err != nil {
		return 0, err
	}
	return c.Account.Buy(code, price, volume)
}

// Sell submits a sell order on the owning account.
func (c *Context) Sell(code string, price float64, volume int64) (uint64, error) {
	if err := c.check(code, schema.OrderSideSell, price, volume); err != nil {
		return 0, err
	}
	return c.Account.Sell(code, price, volume)
}

func (c *Context) check(code string, side schema.OrderSide, price float64, volume int64) error {
	if c.Risk == nil {
		return nil
	}
	view := risk.View{}
	if pos, ok := c.Account.Position(code); ok {
		view.PositionVolume = pos.Total
		view.ReferencePrice = pos.PreClose
	}
	decision := c.Risk.Evaluate(risk.Intent{Code: code, Side: side, Price: price, Volume: volume}, view)
	if !decision.Allowed {
		return errors.Wrap(ErrRiskRejected, decision.Reason.String())
	}
	return nil
}

// Positions returns snapshot copies, never live ledger references.
func (c *Context) Positions() []ledger.Position {
	return c.Account.Positions()
}

// Strategy is the extension-phase surface invoked by the simulation
// engine. The engine always runs its own framework phase (settlement
// release, mark-to-market, snapshot persistence) before each hook, so
// implementations never call back into lifecycle plumbing.
type Strategy interface {
	Name() string

	// Codes lists the instruments this strategy monitors. Replay
	// slices are filtered to this set before OnSlice runs.
	Codes() []string

	OnDayOpen(ctx *Context) error
	OnSlice(ctx *Context, s schema.Slice) error
	OnBar(ctx *Context, b schema.Bar) error
	OnDayClose(ctx *Context) error

	// OnNotify delivers queued order/fill/position notifications
	// after each replay slice.
	OnNotify(ctx *Context, ev schema.Event)
}

// Base provides no-op hooks so strategies implement only what they use.
type Base struct{}

func (Base) OnDayOpen(*Context) error             { return nil }
func (Base) OnSlice(*Context, schema.Slice) error { return nil }
func (Base) OnBar(*Context, schema.Bar) error     { return nil }
func (Base) OnDayClose(*Context) error            { return nil }
func (Base) OnNotify(*Context, schema.Event)      {}
