package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"main/internal/schema"
)

type countingHandler struct {
	name string
	mu   sync.Mutex
	got  []schema.Event
}

func (h *countingHandler) Name() string { return h.name }

func (h *countingHandler) OnEvent(ev schema.Event) {
	h.mu.Lock()
	h.got = append(h.got, ev)
	h.mu.Unlock()
}

func (h *countingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.got)
}

func startBus(t *testing.T, cfg Config) *Bus {
	t.Helper()
	b := New(cfg)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(b.Close)
	return b
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestSubscribeIdempotent(t *testing.T) {
	b := startBus(t, Config{Lanes: 2})
	h := &countingHandler{name: "dup"}

	require.NoError(t, b.Subscribe(schema.KindMarketTick, h, 0))
	require.NoError(t, b.Subscribe(schema.KindMarketTick, h, 0))
	require.NoError(t, b.Sync())

	b.Publish(schema.Event{Kind: schema.KindMarketTick})
	waitFor(t, func() bool { return h.count() >= 1 })
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, h.count(), "duplicate registration must deliver once")
}

func TestUnsubscribeUnknownIsNoop(t *testing.T) {
	b := startBus(t, Config{Lanes: 1})
	require.NoError(t, b.Unsubscribe(schema.KindBar, "never-registered", 0))
	require.NoError(t, b.Sync())
}

func TestLaneOrderingPreserved(t *testing.T) {
	b := startBus(t, Config{Lanes: 1})
	h := &countingHandler{name: "ordered"}
	require.NoError(t, b.Subscribe(schema.KindBar, h, 0))
	require.NoError(t, b.Sync())

	const n = 200
	for i := 0; i < n; i++ {
		b.Publish(schema.Event{Kind: schema.KindBar, Payload: i})
	}
	waitFor(t, func() bool { return h.count() == n })

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, ev := range h.got {
		require.Equal(t, i, ev.Payload)
	}
}

func TestPublishWithoutSubscriberDrops(t *testing.T) {
	b := startBus(t, Config{Lanes: 1})
	b.Publish(schema.Event{Kind: schema.KindProgress})
	require.Equal(t, uint64(1), b.Dropped())
}

func TestTimerFiresEveryInterval(t *testing.T) {
	b := startBus(t, Config{Lanes: 2, BaseTick: 10 * time.Millisecond})
	h := &countingHandler{name: "tick"}

	require.NoError(t, b.AddTimer(h, 1, 2))
	require.NoError(t, b.AddTimer(h, 1, 2)) // dedup
	require.NoError(t, b.Sync())

	waitFor(t, func() bool { return h.count() >= 3 })

	h.mu.Lock()
	for i, ev := range h.got {
		tick, ok := ev.Payload.(schema.TimerTick)
		require.True(t, ok)
		require.Equal(t, "tick", tick.Handler)
		require.Equal(t, 2, tick.Interval)
		require.Equal(t, uint64(i+1), tick.Count)
	}
	h.mu.Unlock()

	require.NoError(t, b.RemoveTimer("tick", 1, 2))
	require.NoError(t, b.Sync())
	settled := h.count()
	time.Sleep(60 * time.Millisecond)
	require.LessOrEqual(t, h.count(), settled+1, "timer must stop after removal")
}

func TestDistinctIntervalsAreIndependent(t *testing.T) {
	b := startBus(t, Config{Lanes: 1, BaseTick: 10 * time.Millisecond})
	h := &countingHandler{name: "multi"}

	require.NoError(t, b.AddTimer(h, 0, 1))
	require.NoError(t, b.AddTimer(h, 0, 3))
	require.NoError(t, b.Sync())

	waitFor(t, func() bool { return h.count() >= 8 })

	seen := map[int]bool{}
	h.mu.Lock()
	for _, ev := range h.got {
		seen[ev.Payload.(schema.TimerTick).Interval] = true
	}
	h.mu.Unlock()
	require.True(t, seen[1] && seen[3], "both intervals must fire")
}
