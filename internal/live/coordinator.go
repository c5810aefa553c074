package live

import (
	"sync"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/bus"
	"main/internal/docstore"
	"main/internal/ledger"
	"main/internal/obs"
	"main/internal/replay"
	"main/internal/risk"
	"main/internal/schema"
	"main/internal/strategy"
)

var (
	ErrDuplicateBroker = errors.New("live: broker already attached")
	ErrNotAttached     = errors.New("live: no session for broker")
)

const handlerName = "live-coordinator"

const savedStateMaxBack = 30

// savedDoc mirrors the replay engine's closing document layout so a
// strategy can move between back-testing and live trading without
// losing its carry-over state.
type savedDoc struct {
	Day       string                  `json:"day"`
	Cash      float64                 `json:"cash"`
	Positions []schema.PositionUpdate `json:"positions"`
	State     map[string]any          `json:"state"`
}

// Config wires a coordinator to the bus.
type Config struct {
	Bus  *bus.Bus
	Docs *docstore.Store

	// Reference names the two codes whose tick timestamps drive the
	// session clock.
	Reference [2]string

	Schedule  Schedule
	BarPeriod time.Duration
	Lane      int
	Metrics   *obs.Metrics

	// Risk limits are applied per attached session. The zero value
	// disables pre-trade checks.
	Risk risk.Config
}

func (c Config) withDefaults() Config {
	if c.Schedule == (Schedule{}) {
		c.Schedule = DefaultSchedule()
	}
	return c
}

// session binds one strategy to its broker ledger. The strategy only
// ever sees slices filtered to its own codes and snapshot copies of
// its own account.
type session struct {
	strat   strategy.Strategy
	account *ledger.Account
	codes   map[string]struct{}
	params  map[string]float64
	bars    *replay.BarAggregator
	sctx    *strategy.Context
}

// Coordinator fans live market data out to the attached strategies,
// gated by the session clock, and routes broker pushes to the owning
// ledger. All event handling runs on one bus lane, which preserves the
// order-status-before-fill ordering the ledger's matcher depends on.
type Coordinator struct {
	cfg   Config
	clock *Clock

	mu       sync.Mutex
	sessions map[string]*session
	dayOpen  bool
	day      time.Time
}

// New builds a coordinator. Attach strategies before Start.
func New(cfg Config) *Coordinator {
	cfg = cfg.withDefaults()
	return &Coordinator{
		cfg:      cfg,
		clock:    NewClock(cfg.Schedule),
		sessions: make(map[string]*session),
	}
}

// Attach registers a strategy trading through the account's broker.
// One broker carries at most one strategy. Params are exposed to the
// strategy through its context, mirroring back-test runs.
func (c *Coordinator) Attach(strat strategy.Strategy, account *ledger.Account, params map[string]float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	broker := account.Broker()
	if _, ok := c.sessions[broker]; ok {
		return errors.Wrap(ErrDuplicateBroker, broker)
	}
	codes := make(map[string]struct{}, len(strat.Codes()))
	for _, code := range strat.Codes() {
		codes[code] = struct{}{}
	}
	c.sessions[broker] = &session{
		strat:   strat,
		account: account,
		codes:   codes,
		params:  params,
		bars:    replay.NewBarAggregator(c.cfg.BarPeriod),
	}
	return nil
}

// Detach removes a broker's session. Its account keeps any queued
// notifications until the caller flushes them.
func (c *Coordinator) Detach(broker string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sessions[broker]; !ok {
		return errors.Wrap(ErrNotAttached, broker)
	}
	delete(c.sessions, broker)
	return nil
}

// Start subscribes the coordinator to market, order and fill events.
// Everything lands on the same lane so broker pushes are never
// reordered against each other.
func (c *Coordinator) Start() error {
	h := bus.Func(handlerName, c.onEvent)
	for _, kind := range []schema.Kind{schema.KindMarketTick, schema.KindOrderUpdate, schema.KindFillUpdate} {
		if err := c.cfg.Bus.Subscribe(kind, h, c.cfg.Lane); err != nil {
			return err
		}
	}
	return nil
}

// Stop unsubscribes the coordinator. A day left open stays open; call
// again after the closing slice has been delivered.
func (c *Coordinator) Stop() {
	for _, kind := range []schema.Kind{schema.KindMarketTick, schema.KindOrderUpdate, schema.KindFillUpdate} {
		if err := c.cfg.Bus.Unsubscribe(kind, handlerName, c.cfg.Lane); err != nil {
			logs.Warnf("live: unsubscribe %v: %+v", kind, err)
		}
	}
}

func (c *Coordinator) onEvent(ev schema.Event) {
	switch ev.Kind {
	case schema.KindMarketTick:
		if s, ok := ev.Payload.(schema.Slice); ok {
			c.onSlice(s)
		}
	case schema.KindOrderUpdate:
		if u, ok := ev.Payload.(schema.OrderUpdate); ok {
			c.onOrderUpdate(u)
		}
	case schema.KindFillUpdate:
		if f, ok := ev.Payload.(schema.FillUpdate); ok {
			c.onFill(f)
		}
	}
}

// onSlice advances the session clock from the reference feeds, then
// forwards the slice to every attached strategy when the market is
// trading.
func (c *Coordinator) onSlice(s schema.Slice) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.clock.State()
	state := prev
	for _, t := range s.Ticks {
		for feed, code := range c.cfg.Reference {
			if t.Code != code {
				continue
			}
			next, changed := c.clock.Observe(feed, t.Time)
			if changed {
				state = next
			}
		}
	}
	if state != prev {
		c.transition(prev, state, s.Time)
	}
	if !state.Trading() || !c.dayOpen {
		return
	}

	for _, sess := range c.sessions {
		sess.account.MarkToMarket(s)
		sess.account.Sync()
		filtered := s.Filter(sess.codes)
		if len(filtered.Ticks) > 0 {
			if err := sess.strat.OnSlice(sess.sctx, filtered); err != nil {
				logs.Errorf("live: strategy %s slice: %+v", sess.strat.Name(), err)
			}
			for _, t := range filtered.Ticks {
				bar, ok := sess.bars.Push(t)
				if !ok {
					continue
				}
				c.cfg.Bus.Publish(schema.Event{Kind: schema.KindBar, Payload: bar})
				if err := sess.strat.OnBar(sess.sctx, bar); err != nil {
					logs.Errorf("live: strategy %s bar: %+v", sess.strat.Name(), err)
				}
			}
		}
		c.flushLocked(sess)
	}
}

func (c *Coordinator) transition(prev, state schema.SessionState, ts time.Time) {
	c.cfg.Bus.Publish(schema.Event{Kind: schema.KindSessionState, Payload: schema.SessionUpdate{
		State: state,
		Prev:  prev,
		Time:  ts,
	}})
	logs.Infof("live: session %s -> %s", prev, state)

	switch {
	case !c.dayOpen && state != schema.SessionClosed:
		c.openDayLocked(ts)
	case c.dayOpen && state == schema.SessionClosed:
		c.closeDayLocked()
	}
}

// openDayLocked is the framework phase of live day open: restore each
// strategy's carry-over state, release settlement, then run the
// strategy extension hook.
func (c *Coordinator) openDayLocked(ts time.Time) {
	c.day = time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, ts.Location())
	c.dayOpen = true
	for _, sess := range c.sessions {
		sctx := &strategy.Context{
			Strategy: sess.strat.Name(),
			Day:      c.day,
			Account:  sess.account,
			Params:   sess.params,
			State:    make(map[string]any),
		}
		if c.cfg.Risk.Enabled() {
			sctx.Risk = risk.NewEngine(c.cfg.Risk)
		}
		if c.cfg.Docs != nil {
			var saved savedDoc
			_, err := c.cfg.Docs.LoadLatest(sctx.Strategy, c.day.AddDate(0, 0, -1), docstore.DocSaved, savedStateMaxBack, &saved)
			if err != nil && !errors.Is(err, docstore.ErrNotFound) {
				logs.Warnf("live: load saved state for %s: %+v", sctx.Strategy, err)
			}
			if saved.State != nil {
				sctx.State = saved.State
			}
		}
		sess.sctx = sctx
		sess.account.DayOpen()
		if err := sess.strat.OnDayOpen(sctx); err != nil {
			logs.Errorf("live: strategy %s day open: %+v", sctx.Strategy, err)
		}
		c.flushLocked(sess)
	}
}

// closeDayLocked finalizes the day once both reference feeds have
// crossed the closing boundary: flush pending bars, evict flat
// positions, run the strategy extension, persist carry-over state.
func (c *Coordinator) closeDayLocked() {
	c.dayOpen = false
	for _, sess := range c.sessions {
		for _, bar := range sess.bars.Flush() {
			if err := sess.strat.OnBar(sess.sctx, bar); err != nil {
				logs.Errorf("live: strategy %s bar: %+v", sess.strat.Name(), err)
			}
		}
		sess.account.DayClose()
		if err := sess.strat.OnDayClose(sess.sctx); err != nil {
			logs.Errorf("live: strategy %s day close: %+v", sess.strat.Name(), err)
		}
		if c.cfg.Docs != nil {
			doc := savedDoc{
				Day:   c.day.Format("20060102"),
				Cash:  sess.account.Cash(),
				State: sess.sctx.State,
			}
			for _, p := range sess.account.Positions() {
				doc.Positions = append(doc.Positions, schema.PositionUpdate{
					Strategy:  sess.sctx.Strategy,
					Code:      p.Code,
					Total:     p.Total,
					Available: p.Available,
					Cost:      p.Cost.InexactFloat64(),
				})
			}
			if err := c.cfg.Docs.Save(sess.sctx.Strategy, c.day, docstore.DocSaved, doc); err != nil {
				logs.Errorf("live: save closing document for %s: %+v", sess.sctx.Strategy, err)
			}
		}
		c.flushLocked(sess)
		sess.sctx = nil
	}
}

// onOrderUpdate routes a broker status push to the owning ledger.
// Partial and duplicate pushes are expected, so routing misses are
// warnings, never fatal.
func (c *Coordinator) onOrderUpdate(u schema.OrderUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[u.Broker]
	if !ok {
		logs.Warnf("live: order update for unattached broker %q", u.Broker)
		return
	}
	if err := sess.account.ApplyOrderUpdate(u); err != nil {
		logs.Warnf("live: order update %d on %s: %+v", u.OrderID, u.Broker, err)
	}
	c.flushLocked(sess)
}

func (c *Coordinator) onFill(f schema.FillUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[f.Broker]
	if !ok {
		logs.Warnf("live: fill for unattached broker %q", f.Broker)
		return
	}
	if _, err := sess.account.ApplyFill(f); err != nil {
		c.cfg.Metrics.IncUnmatchedFill()
		logs.Warnf("live: fill %s on %s left unmatched: %+v", f.FillID, f.Broker, err)
	}
	c.flushLocked(sess)
}

// flushLocked drains queued account notifications to the strategy and
// republishes them for the presentation layer.
func (c *Coordinator) flushLocked(sess *session) {
	for _, ev := range sess.account.Flush() {
		if sess.sctx != nil {
			sess.strat.OnNotify(sess.sctx, ev)
		}
		c.cfg.Bus.Publish(ev)
	}
}
