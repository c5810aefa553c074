package replay

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/docstore"
	"main/internal/ledger"
	"main/internal/obs"
	"main/internal/schema"
	"main/internal/store"
	"main/internal/strategy"
)

var ErrStopped = errors.New("replay: stopped")

// savedDoc is the closing document persisted per (strategy, day).
type savedDoc struct {
	Day       string                  `json:"day"`
	Cash      float64                 `json:"cash"`
	Positions []schema.PositionUpdate `json:"positions"`
	State     map[string]any          `json:"state"`
}

// preparedDoc captures the strategy's state right after its day-open
// hook, before any slice replays. Indicators precomputed there can be
// audited without rerunning the day.
type preparedDoc struct {
	Day   string         `json:"day"`
	State map[string]any `json:"state"`
}

// preparedPosDoc is the open-time account snapshot for the held codes.
type preparedPosDoc struct {
	Day       string                  `json:"day"`
	Cash      float64                 `json:"cash"`
	Positions []schema.PositionUpdate `json:"positions"`
}

const savedStateMaxBack = 30

// Config wires one engine instance. The value is fixed at construction
// and never mutated afterwards; workers receive it at spawn time.
type Config struct {
	RunID     string
	Strategy  strategy.Strategy
	Account   *ledger.Account
	Source    store.Source
	Docs      *docstore.Store
	Publish   func(schema.Event)
	BarPeriod time.Duration
	Metrics   *obs.Metrics

	// Params are the sweep parameters this run was spawned with,
	// exposed to the strategy through its context.
	Params map[string]float64

	// SimulateFills makes the engine act as a paper broker: open
	// orders are confirmed and filled at their limit price after the
	// slice that created them. Back-test workers enable this; live
	// trading leaves it off and lets broker pushes drive the ledger.
	SimulateFills bool
}

// Engine replays one trading day at a time through a strategy and its
// ledger. The same machinery serves back-testing and live trading; in
// back-tests the worker loop calls RunDay per day of its period.
type Engine struct {
	cfg     Config
	codes   map[string]struct{}
	bars    *BarAggregator
	stopped atomic.Bool

	dayFills int
}

// New builds an engine. Publish may be nil for silent runs.
func New(cfg Config) *Engine {
	codes := make(map[string]struct{}, len(cfg.Strategy.Codes()))
	for _, c := range cfg.Strategy.Codes() {
		codes[c] = struct{}{}
	}
	if cfg.Publish == nil {
		cfg.Publish = func(schema.Event) {}
	}
	return &Engine{
		cfg:   cfg,
		codes: codes,
		bars:  NewBarAggregator(cfg.BarPeriod),
	}
}

// Stop requests a cooperative stop. The flag is checked at every slice
// boundary; the slice already being replayed finishes normally.
func (e *Engine) Stop() { e.stopped.Store(true) }

// RunDay drives the day state machine:
// Initialize -> LoadData -> Replay -> PushAccountEvents -> Close.
// Strategy callback errors and panics propagate to the caller and
// abort only this engine's run.
func (e *Engine) RunDay(ctx context.Context, day time.Time) error {
	if e.stopped.Load() {
		return ErrStopped
	}
	started := time.Now()
	defer func() { e.cfg.Metrics.ObserveDay(time.Since(started)) }()
	sctx, err := e.initialize(day)
	if err != nil {
		return err
	}
	slices, err := e.loadData(day)
	if err != nil {
		return err
	}
	e.checkAdjustments(day, slices)
	if err := e.replay(ctx, sctx, slices); err != nil {
		return err
	}
	e.pushAccountEvents(sctx)
	return e.close(sctx)
}

// initialize is the framework phase of day open: restore carry-over
// state, release T+1 settlement, then hand off to the strategy's
// extension hook.
func (e *Engine) initialize(day time.Time) (*strategy.Context, error) {
	sctx := &strategy.Context{
		Strategy: e.cfg.Strategy.Name(),
		Day:      day,
		Account:  e.cfg.Account,
		Params:   e.cfg.Params,
		State:    make(map[string]any),
	}
	if e.cfg.Docs != nil {
		var saved savedDoc
		_, err := e.cfg.Docs.LoadLatest(sctx.Strategy, day.AddDate(0, 0, -1), docstore.DocSaved, savedStateMaxBack, &saved)
		if err != nil && !errors.Is(err, docstore.ErrNotFound) {
			return nil, errors.Wrap(err, "load saved state")
		}
		if saved.State != nil {
			sctx.State = saved.State
		}
	}
	e.cfg.Account.DayOpen()
	e.dayFills = 0
	if err := e.cfg.Strategy.OnDayOpen(sctx); err != nil {
		return nil, errors.Wrap(err, "strategy day open")
	}
	if e.cfg.Docs != nil {
		prep := preparedDoc{Day: day.Format("20060102"), State: sctx.State}
		if err := e.cfg.Docs.Save(sctx.Strategy, day, docstore.DocPrepared, prep); err != nil {
			return nil, errors.Wrap(err, "save prepared document")
		}
		pos := preparedPosDoc{
			Day:       day.Format("20060102"),
			Cash:      e.cfg.Account.Cash(),
			Positions: positionViews(sctx),
		}
		if err := e.cfg.Docs.Save(sctx.Strategy, day, docstore.DocPreparedPos, pos); err != nil {
			return nil, errors.Wrap(err, "save prepared position document")
		}
	}
	return sctx, nil
}

// checkAdjustments cross-checks the factor implied by the feed's
// previous close against the stored adjustment-factor table for every
// held code. The ledger follows the feed either way; disagreement is
// reported as a warning so the data source can be audited.
func (e *Engine) checkAdjustments(day time.Time, slices []schema.Slice) {
	if len(slices) == 0 {
		return
	}
	for _, t := range slices[0].Ticks {
		pos, ok := e.cfg.Account.Position(t.Code)
		if !ok || t.PreClose <= 0 || pos.PreClose <= 0 || pos.PreClose == t.PreClose {
			continue
		}
		implied := pos.PreClose / t.PreClose
		stored, err := e.cfg.Source.LoadAdjustmentFactor(t.Code, day)
		if err != nil || stored <= 0 {
			continue
		}
		if diff := implied/stored - 1; diff > 1e-6 || diff < -1e-6 {
			logs.Warnf("replay: %s adjustment factor mismatch, feed implies %.6f, store has %.6f", t.Code, implied, stored)
			e.cfg.Publish(schema.Event{Kind: schema.KindLog, Payload: schema.LogEntry{
				Severity: schema.SeverityWarn,
				Source:   "replay",
				Message:  "adjustment factor mismatch for " + t.Code,
			}})
		}
	}
}

// loadData pulls the day's ticks for every monitored code and merges
// them into a strictly increasing time grid.
func (e *Engine) loadData(day time.Time) ([]schema.Slice, error) {
	grid := make(map[int64][]schema.Tick)
	for code := range e.codes {
		ticks, err := e.cfg.Source.LoadTicks(code, day)
		if err != nil {
			return nil, errors.Wrap(err, "load ticks")
		}
		for _, t := range ticks {
			key := t.Time.UnixNano()
			grid[key] = append(grid[key], t)
		}
	}
	keys := make([]int64, 0, len(grid))
	for k := range grid {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	out := make([]schema.Slice, 0, len(keys))
	for _, k := range keys {
		ticks := grid[k]
		out = append(out, schema.Slice{Time: ticks[0].Time, Ticks: ticks})
	}
	return out, nil
}

func (e *Engine) replay(ctx context.Context, sctx *strategy.Context, slices []schema.Slice) error {
	for _, s := range slices {
		if e.stopped.Load() {
			return ErrStopped
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		e.cfg.Account.MarkToMarket(s)
		e.cfg.Account.Sync()

		filtered := s.Filter(e.codes)
		if len(filtered.Ticks) == 0 {
			continue
		}
		if err := e.cfg.Strategy.OnSlice(sctx, filtered); err != nil {
			return errors.Wrap(err, "strategy slice")
		}
		for _, t := range filtered.Ticks {
			if bar, ok := e.bars.Push(t); ok {
				e.cfg.Publish(schema.Event{Kind: schema.KindBar, Payload: bar})
				if err := e.cfg.Strategy.OnBar(sctx, bar); err != nil {
					return errors.Wrap(err, "strategy bar")
				}
			}
		}
		if e.cfg.SimulateFills {
			e.simulateFills(s)
		}
		e.flush(sctx)
	}
	return nil
}

// simulateFills plays paper broker: every open order is reported
// filled at its limit price, status push first so the matcher's
// ordering contract holds.
func (e *Engine) simulateFills(s schema.Slice) {
	for _, o := range e.cfg.Account.OpenOrders() {
		update := schema.OrderUpdate{
			OrderID: o.ID,
			Code:    o.Code,
			Side:    o.Side,
			Status:  schema.OrderStatusFilled,
			Price:   o.Price,
			Volume:  o.Volume,
			Filled:  o.Volume,
			Time:    s.Time,
		}
		if err := e.cfg.Account.ApplyOrderUpdate(update); err != nil {
			continue
		}
		_, _ = e.cfg.Account.ApplyFill(schema.FillUpdate{
			FillID: uuid.NewString(),
			Code:   o.Code,
			Side:   o.Side,
			Price:  o.Price,
			Volume: o.Volume - o.Matched,
			Time:   s.Time,
		})
	}
}

// flush drains queued order/fill/position notifications to the
// strategy and the bus.
func (e *Engine) flush(sctx *strategy.Context) {
	for _, ev := range e.cfg.Account.Flush() {
		if ev.Kind == schema.KindFillUpdate {
			e.dayFills++
		}
		e.cfg.Strategy.OnNotify(sctx, ev)
		e.cfg.Publish(ev)
	}
}

func (e *Engine) pushAccountEvents(sctx *strategy.Context) {
	e.flush(sctx)
	e.cfg.Publish(schema.Event{Kind: schema.KindDayResult, Payload: e.dayResult(sctx)})
}

// close finalizes the day: framework phase first (bar flush, position
// eviction), then the strategy extension, then snapshot persistence.
func (e *Engine) close(sctx *strategy.Context) error {
	for _, bar := range e.bars.Flush() {
		if err := e.cfg.Strategy.OnBar(sctx, bar); err != nil {
			return errors.Wrap(err, "strategy bar")
		}
	}
	e.cfg.Account.DayClose()
	if err := e.cfg.Strategy.OnDayClose(sctx); err != nil {
		return errors.Wrap(err, "strategy day close")
	}
	if e.cfg.Docs == nil {
		return nil
	}
	doc := savedDoc{
		Day:       sctx.Day.Format("20060102"),
		Cash:      e.cfg.Account.Cash(),
		Positions: positionViews(sctx),
		State:     sctx.State,
	}
	if err := e.cfg.Docs.Save(sctx.Strategy, sctx.Day, docstore.DocSaved, doc); err != nil {
		return errors.Wrap(err, "save closing document")
	}
	return nil
}

func (e *Engine) dayResult(sctx *strategy.Context) schema.DayResult {
	return schema.DayResult{
		RunID:     e.cfg.RunID,
		Strategy:  sctx.Strategy,
		Day:       sctx.Day,
		Cash:      e.cfg.Account.Cash(),
		Positions: positionViews(sctx),
		FillCount: e.dayFills,
	}
}

func positionViews(sctx *strategy.Context) []schema.PositionUpdate {
	positions := sctx.Account.Positions()
	out := make([]schema.PositionUpdate, 0, len(positions))
	for _, p := range positions {
		out = append(out, schema.PositionUpdate{
			Strategy:  sctx.Strategy,
			Code:      p.Code,
			Total:     p.Total,
			Available: p.Available,
			Cost:      p.Cost.InexactFloat64(),
		})
	}
	return out
}
