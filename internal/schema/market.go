package schema

import "time"

// Tick is one market data row. Volume and Turnover are cumulative for
// the trading day, as pushed by the vendor feed.
type Tick struct {
	Code     string
	Time     time.Time
	Price    float64
	PreClose float64
	Open     float64
	High     float64
	Low      float64
	Volume   int64
	Turnover float64
	BidPrice float64
	AskPrice float64
}

// Bar is an aggregated OHLCV bar. Volume is the delta over the bar's
// window, not the cumulative day volume.
type Bar struct {
	Code     string
	Start    time.Time
	End      time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	PreClose float64
	Volume   int64
}

// Slice groups the ticks observed at one replay time point.
type Slice struct {
	Time  time.Time
	Ticks []Tick
}

// Filter returns the subset of the slice restricted to the given codes.
// A nil or empty code set selects nothing.
func (s Slice) Filter(codes map[string]struct{}) Slice {
	if len(codes) == 0 || len(s.Ticks) == 0 {
		return Slice{Time: s.Time}
	}
	out := Slice{Time: s.Time}
	for _, t := range s.Ticks {
		if _, ok := codes[t.Code]; ok {
			out.Ticks = append(out.Ticks, t)
		}
	}
	return out
}
