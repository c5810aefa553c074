package live

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/yanun0323/errors"

	"main/internal/bus"
	"main/internal/docstore"
	"main/internal/ledger"
	"main/internal/schema"
	"main/internal/strategy"
)

func at(hh, mm, ss int) time.Time {
	return time.Date(2025, 6, 2, hh, mm, ss, 0, time.UTC)
}

func TestClockForwardTransitionsFollowFasterFeed(t *testing.T) {
	c := NewClock(DefaultSchedule())
	require.Equal(t, schema.SessionClosed, c.State())

	state, changed := c.Observe(0, at(9, 16, 0))
	require.True(t, changed)
	require.Equal(t, schema.SessionPreOpenAuction, state)

	state, changed = c.Observe(0, at(9, 26, 0))
	require.True(t, changed)
	require.Equal(t, schema.SessionPostAuctionSettle, state)

	state, changed = c.Observe(0, at(9, 31, 0))
	require.True(t, changed)
	require.Equal(t, schema.SessionMorning, state)

	state, changed = c.Observe(1, at(11, 45, 0))
	require.True(t, changed)
	require.Equal(t, schema.SessionMiddayBreak, state)

	state, changed = c.Observe(1, at(13, 5, 0))
	require.True(t, changed)
	require.Equal(t, schema.SessionAfternoon, state)
}

func TestClockCloseWaitsForBothFeeds(t *testing.T) {
	c := NewClock(DefaultSchedule())
	c.Observe(0, at(13, 5, 0))
	c.Observe(1, at(13, 5, 0))
	require.Equal(t, schema.SessionAfternoon, c.State())

	// One feed crossing the boundary is not enough.
	state, changed := c.Observe(0, at(15, 1, 0))
	require.False(t, changed)
	require.Equal(t, schema.SessionAfternoon, state)

	state, changed = c.Observe(1, at(15, 2, 0))
	require.True(t, changed)
	require.Equal(t, schema.SessionClosed, state)
}

func TestClockIgnoresStaleTimestamps(t *testing.T) {
	c := NewClock(DefaultSchedule())
	c.Observe(0, at(9, 31, 0))
	c.Observe(1, at(9, 31, 0))
	require.Equal(t, schema.SessionMorning, c.State())

	state, changed := c.Observe(0, at(9, 20, 0))
	require.False(t, changed)
	require.Equal(t, schema.SessionMorning, state)
}

// liveStrategy records hook invocations and buys once.
type liveStrategy struct {
	strategy.Base
	codes  []string
	bought bool
	opened int
	closed int
	slices int
	notifs []schema.Event
	params map[string]float64
}

func (s *liveStrategy) Name() string    { return "live-script" }
func (s *liveStrategy) Codes() []string { return s.codes }

func (s *liveStrategy) OnDayOpen(ctx *strategy.Context) error {
	s.opened++
	s.params = ctx.Params
	return nil
}

func (s *liveStrategy) OnDayClose(ctx *strategy.Context) error {
	s.closed++
	ctx.State["closedAt"] = ctx.Day.Format("20060102")
	return nil
}

func (s *liveStrategy) OnSlice(ctx *strategy.Context, sl schema.Slice) error {
	s.slices++
	if !s.bought {
		s.bought = true
		_, err := ctx.Buy(sl.Ticks[0].Code, sl.Ticks[0].Price, 100)
		return err
	}
	return nil
}

func (s *liveStrategy) OnNotify(_ *strategy.Context, ev schema.Event) {
	s.notifs = append(s.notifs, ev)
}

func refTicks(ts time.Time) []schema.Tick {
	return []schema.Tick{
		{Code: "IDX0", Time: ts, Price: 100, PreClose: 100},
		{Code: "IDX1", Time: ts, Price: 100, PreClose: 100},
	}
}

func newCoordinator(t *testing.T) (*Coordinator, *liveStrategy, *ledger.Account, *docstore.Store) {
	t.Helper()
	b := bus.New(bus.Config{Lanes: 2})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, b.Start(ctx))
	t.Cleanup(func() {
		cancel()
		b.Close()
	})

	docs, err := docstore.New(t.TempDir())
	require.NoError(t, err)
	strat := &liveStrategy{codes: []string{"X"}}
	account := ledger.New(ledger.Config{Broker: "b1", InitialCash: 100_000, Settlement: ledger.SettleT1})

	c := New(Config{Bus: b, Docs: docs, Reference: [2]string{"IDX0", "IDX1"}})
	require.NoError(t, c.Attach(strat, account, map[string]float64{"volume": 100}))
	return c, strat, account, docs
}

func TestCoordinatorRunsFullDay(t *testing.T) {
	c, strat, account, docs := newCoordinator(t)

	// Pre-open auction opens the day but forwards nothing.
	c.onEvent(schema.Event{Kind: schema.KindMarketTick, Payload: schema.Slice{
		Time: at(9, 16, 0), Ticks: refTicks(at(9, 16, 0)),
	}})
	require.Equal(t, 1, strat.opened)
	require.Zero(t, strat.slices)
	require.Equal(t, map[string]float64{"volume": 100}, strat.params)

	// Morning session forwards the filtered slice; the strategy buys.
	open := at(9, 31, 0)
	c.onEvent(schema.Event{Kind: schema.KindMarketTick, Payload: schema.Slice{
		Time:  open,
		Ticks: append(refTicks(open), schema.Tick{Code: "X", Time: open, Price: 10, PreClose: 10, Volume: 100}),
	}})
	require.Equal(t, 1, strat.slices)
	o, ok := account.Order(1)
	require.True(t, ok)
	require.Equal(t, schema.OrderStatusNotFilled, o.Status)

	// Broker pushes arrive status first, then the fill.
	c.onEvent(schema.Event{Kind: schema.KindOrderUpdate, Payload: schema.OrderUpdate{
		Broker: "b1", OrderID: 1, BrokerID: "E-9", Code: "X", Side: schema.OrderSideBuy,
		Status: schema.OrderStatusFilled, Price: 10, Volume: 100, Filled: 100, Time: at(9, 31, 5),
	}})
	c.onEvent(schema.Event{Kind: schema.KindFillUpdate, Payload: schema.FillUpdate{
		Broker: "b1", FillID: "F-1", BrokerOrderID: "E-9", Code: "X", Side: schema.OrderSideBuy,
		Price: 10, Volume: 100, Time: at(9, 31, 5),
	}})
	o, _ = account.Order(1)
	require.Equal(t, o.Volume, o.Matched)

	kinds := map[schema.Kind]int{}
	for _, ev := range strat.notifs {
		kinds[ev.Kind]++
	}
	require.NotZero(t, kinds[schema.KindOrderUpdate])
	require.NotZero(t, kinds[schema.KindFillUpdate])
	require.NotZero(t, kinds[schema.KindPositionUpdate])

	// One feed crossing the close keeps the day open.
	c.onEvent(schema.Event{Kind: schema.KindMarketTick, Payload: schema.Slice{
		Time:  at(15, 1, 0),
		Ticks: []schema.Tick{{Code: "IDX0", Time: at(15, 1, 0), Price: 100, PreClose: 100}},
	}})
	require.Zero(t, strat.closed)

	// The slower feed crossing finishes the day and persists state.
	c.onEvent(schema.Event{Kind: schema.KindMarketTick, Payload: schema.Slice{
		Time:  at(15, 2, 0),
		Ticks: []schema.Tick{{Code: "IDX1", Time: at(15, 2, 0), Price: 100, PreClose: 100}},
	}})
	require.Equal(t, 1, strat.closed)

	var saved savedDoc
	day := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	require.NoError(t, docs.Load("live-script", day, docstore.DocSaved, &saved))
	require.Equal(t, "20250602", saved.State["closedAt"])
	require.Len(t, saved.Positions, 1)
}

func TestCoordinatorIgnoresUnattachedBroker(t *testing.T) {
	c, strat, _, _ := newCoordinator(t)

	c.onEvent(schema.Event{Kind: schema.KindFillUpdate, Payload: schema.FillUpdate{
		Broker: "ghost", FillID: "F-1", Code: "X", Side: schema.OrderSideBuy, Price: 10, Volume: 100,
	}})
	require.Empty(t, strat.notifs)
}

func TestCoordinatorDetach(t *testing.T) {
	c, _, _, _ := newCoordinator(t)
	require.NoError(t, c.Detach("b1"))
	require.True(t, errors.Is(c.Detach("b1"), ErrNotAttached))
}
