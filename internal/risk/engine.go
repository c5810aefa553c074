package risk

import (
	"time"

	"main/internal/schema"
)

// Reason explains a rejected order.
type Reason uint16

const (
	ReasonNone Reason = iota
	ReasonKillSwitch
	ReasonRateLimit
	ReasonMaxVolume
	ReasonMaxNotional
	ReasonPriceBand
	ReasonPositionLimit
)

func (r Reason) String() string {
	switch r {
	case ReasonKillSwitch:
		return "kill_switch"
	case ReasonRateLimit:
		return "rate_limit"
	case ReasonMaxVolume:
		return "max_volume"
	case ReasonMaxNotional:
		return "max_notional"
	case ReasonPriceBand:
		return "price_band"
	case ReasonPositionLimit:
		return "position_limit"
	default:
		return "none"
	}
}

// Config defines static pre-trade limits. Zero values disable the
// corresponding check.
type Config struct {
	KillSwitch        bool          `mapstructure:"killSwitch" json:"killSwitch"`
	MaxOrderVolume    int64         `mapstructure:"maxOrderVolume" json:"maxOrderVolume"`
	MaxOrderNotional  float64       `mapstructure:"maxOrderNotional" json:"maxOrderNotional"`
	MaxPositionVolume int64         `mapstructure:"maxPositionVolume" json:"maxPositionVolume"`
	OrderRateLimit    int           `mapstructure:"orderRateLimit" json:"orderRateLimit"`
	OrderRateWindow   time.Duration `mapstructure:"orderRateWindow" json:"orderRateWindow"`
	// MaxPriceDeviation is the allowed fraction away from the
	// reference price, e.g. 0.1 for ten percent.
	MaxPriceDeviation float64 `mapstructure:"maxPriceDeviation" json:"maxPriceDeviation"`
}

// Enabled reports whether any limit is configured.
func (c Config) Enabled() bool {
	return c != Config{}
}

// Intent is the order a strategy is about to place.
type Intent struct {
	Code   string
	Side   schema.OrderSide
	Price  float64
	Volume int64
}

// View provides the account state the checks run against.
type View struct {
	PositionVolume int64
	ReferencePrice float64
	Now            time.Time
}

// Decision is the evaluation outcome.
type Decision struct {
	Allowed bool
	Reason  Reason
}

// Engine applies static pre-trade limits. One engine guards one
// strategy session and is driven from that session's dispatch thread,
// so it keeps its rate window without locking.
type Engine struct {
	cfg             Config
	rateWindowStart time.Time
	rateCount       int
}

// NewEngine creates an engine with static limits.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Evaluate checks one intent. Checks run cheapest first; the first
// violated limit decides.
func (e *Engine) Evaluate(intent Intent, view View) Decision {
	if e.cfg.KillSwitch {
		return Decision{Reason: ReasonKillSwitch}
	}

	now := view.Now
	if now.IsZero() {
		now = time.Now()
	}
	if e.cfg.OrderRateLimit > 0 && e.cfg.OrderRateWindow > 0 {
		if e.rateWindowStart.IsZero() || now.Sub(e.rateWindowStart) >= e.cfg.OrderRateWindow {
			e.rateWindowStart = now
			e.rateCount = 0
		}
		e.rateCount++
		if e.rateCount > e.cfg.OrderRateLimit {
			return Decision{Reason: ReasonRateLimit}
		}
	}

	if e.cfg.MaxOrderVolume > 0 && intent.Volume > e.cfg.MaxOrderVolume {
		return Decision{Reason: ReasonMaxVolume}
	}

	if e.cfg.MaxOrderNotional > 0 && intent.Price*float64(intent.Volume) > e.cfg.MaxOrderNotional {
		return Decision{Reason: ReasonMaxNotional}
	}

	if e.cfg.MaxPriceDeviation > 0 && view.ReferencePrice > 0 {
		diff := intent.Price - view.ReferencePrice
		if diff < 0 {
			diff = -diff
		}
		if diff > view.ReferencePrice*e.cfg.MaxPriceDeviation {
			return Decision{Reason: ReasonPriceBand}
		}
	}

	next := view.PositionVolume
	switch intent.Side {
	case schema.OrderSideBuy:
		next += intent.Volume
	case schema.OrderSideSell:
		next -= intent.Volume
	}
	if next < 0 {
		next = -next
	}
	if e.cfg.MaxPositionVolume > 0 && next > e.cfg.MaxPositionVolume {
		return Decision{Reason: ReasonPositionLimit}
	}

	return Decision{Allowed: true}
}
