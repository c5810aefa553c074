package replay

import (
	"time"

	"main/internal/schema"
)

// BarAggregator folds ticks into fixed-width bars. Windows are
// left-closed right-open on wall-clock boundaries; a bar is emitted
// only once a tick of the next window arrives. Feed volume is
// cumulative for the day, so the bar carries the delta since the
// previous bar's last tick.
type BarAggregator struct {
	period time.Duration
	open   map[string]*barState
}

type barState struct {
	bar     schema.Bar
	lastCum int64
	prevCum int64
}

// NewBarAggregator builds an aggregator; period defaults to one minute.
func NewBarAggregator(period time.Duration) *BarAggregator {
	if period <= 0 {
		period = time.Minute
	}
	return &BarAggregator{period: period, open: make(map[string]*barState)}
}

// Push folds one tick. When the tick opens a new window, the completed
// previous bar for that code is returned.
func (g *BarAggregator) Push(t schema.Tick) (schema.Bar, bool) {
	start := t.Time.Truncate(g.period)
	st := g.open[t.Code]
	if st == nil {
		g.open[t.Code] = newBarState(t, start, g.period)
		return schema.Bar{}, false
	}

	if !start.After(st.bar.Start) {
		st.fold(t)
		return schema.Bar{}, false
	}

	done := st.bar
	done.Volume = st.lastCum - st.prevCum
	prevCum := st.lastCum
	g.open[t.Code] = newBarState(t, start, g.period)
	g.open[t.Code].prevCum = prevCum
	return done, true
}

// Flush closes and returns all open bars, for end-of-day handling.
func (g *BarAggregator) Flush() []schema.Bar {
	out := make([]schema.Bar, 0, len(g.open))
	for code, st := range g.open {
		bar := st.bar
		bar.Volume = st.lastCum - st.prevCum
		out = append(out, bar)
		delete(g.open, code)
	}
	return out
}

func newBarState(t schema.Tick, start time.Time, period time.Duration) *barState {
	return &barState{
		bar: schema.Bar{
			Code:     t.Code,
			Start:    start,
			End:      start.Add(period),
			Open:     t.Price,
			High:     t.Price,
			Low:      t.Price,
			Close:    t.Price,
			PreClose: t.PreClose,
		},
		lastCum: t.Volume,
	}
}

func (st *barState) fold(t schema.Tick) {
	if t.Price > st.bar.High {
		st.bar.High = t.Price
	}
	if t.Price < st.bar.Low {
		st.bar.Low = t.Price
	}
	st.bar.Close = t.Price
	if t.Volume > st.lastCum {
		st.lastCum = t.Volume
	}
}
