package strategy

import (
	"main/internal/schema"
)

func init() {
	Register("sma-cross", func(params map[string]float64, codes []string) Strategy {
		return NewSMACross(params, codes)
	})
}

// SMACross is a simple moving-average crossover strategy used as the
// built-in reference strategy and in tests: buy when the short average
// crosses above the long one, flatten on the opposite cross.
type SMACross struct {
	Base
	codes  []string
	short  int
	long   int
	volume int64

	closes map[string][]float64
}

func NewSMACross(params map[string]float64, codes []string) *SMACross {
	s := &SMACross{
		codes:  codes,
		short:  5,
		long:   20,
		volume: 100,
		closes: make(map[string][]float64),
	}
	if v, ok := params["short"]; ok && v > 0 {
		s.short = int(v)
	}
	if v, ok := params["long"]; ok && v > 0 {
		s.long = int(v)
	}
	if v, ok := params["volume"]; ok && v > 0 {
		s.volume = int64(v)
	}
	return s
}

func (s *SMACross) Name() string    { return "sma-cross" }
func (s *SMACross) Codes() []string { return s.codes }

func (s *SMACross) OnBar(ctx *Context, b schema.Bar) error {
	window := append(s.closes[b.Code], b.Close)
	if len(window) > s.long+1 {
		window = window[len(window)-s.long-1:]
	}
	s.closes[b.Code] = window
	if len(window) <= s.long {
		return nil
	}

	shortNow := mean(window[len(window)-s.short:])
	longNow := mean(window[len(window)-s.long:])
	shortPrev := mean(window[len(window)-s.short-1 : len(window)-1])
	longPrev := mean(window[len(window)-s.long-1 : len(window)-1])

	crossedUp := shortPrev <= longPrev && shortNow > longNow
	crossedDown := shortPrev >= longPrev && shortNow < longNow

	pos, held := ctx.Account.Position(b.Code)
	switch {
	case crossedUp && !held:
		_, err := ctx.Buy(b.Code, b.Close, s.volume)
		return err
	case crossedDown && held && pos.Available > 0:
		_, err := ctx.Sell(b.Code, b.Close, pos.Available)
		return err
	}
	return nil
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
