package replay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"main/internal/schema"
)

func tick(code string, at time.Time, price float64, cumVolume int64) schema.Tick {
	return schema.Tick{Code: code, Time: at, Price: price, Volume: cumVolume}
}

func TestBarEmittedOnNextWindow(t *testing.T) {
	g := NewBarAggregator(time.Minute)
	base := time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC)

	_, ok := g.Push(tick("X", base, 10, 100))
	require.False(t, ok)
	_, ok = g.Push(tick("X", base.Add(20*time.Second), 12, 250))
	require.False(t, ok)
	_, ok = g.Push(tick("X", base.Add(40*time.Second), 9, 400))
	require.False(t, ok)

	// The 09:31 tick closes the 09:30 bar.
	bar, ok := g.Push(tick("X", base.Add(70*time.Second), 11, 500))
	require.True(t, ok)
	require.Equal(t, base, bar.Start)
	require.Equal(t, base.Add(time.Minute), bar.End)
	require.Equal(t, 10.0, bar.Open)
	require.Equal(t, 12.0, bar.High)
	require.Equal(t, 9.0, bar.Low)
	require.Equal(t, 9.0, bar.Close)
	require.Equal(t, int64(400), bar.Volume, "first bar volume is the day-cumulative value at its last tick")
}

func TestBarVolumeIsDeltaOfCumulativeFeed(t *testing.T) {
	g := NewBarAggregator(time.Minute)
	base := time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC)

	g.Push(tick("X", base, 10, 400))
	g.Push(tick("X", base.Add(time.Minute), 11, 700))
	bar, ok := g.Push(tick("X", base.Add(2*time.Minute), 12, 900))
	require.True(t, ok)
	require.Equal(t, int64(300), bar.Volume, "second bar carries 700-400, not the raw cumulative")
}

func TestBarWindowIsLeftClosedRightOpen(t *testing.T) {
	g := NewBarAggregator(time.Minute)
	base := time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC)

	g.Push(tick("X", base.Add(59*time.Second), 10, 10))
	// Exactly on the boundary belongs to the next window.
	bar, ok := g.Push(tick("X", base.Add(time.Minute), 11, 20))
	require.True(t, ok)
	require.Equal(t, base, bar.Start)
}

func TestFlushClosesOpenBars(t *testing.T) {
	g := NewBarAggregator(time.Minute)
	base := time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC)

	g.Push(tick("X", base, 10, 100))
	g.Push(tick("Y", base, 20, 50))
	bars := g.Flush()
	require.Len(t, bars, 2)
	require.Empty(t, g.Flush())
}

func TestCodesAggregateIndependently(t *testing.T) {
	g := NewBarAggregator(time.Minute)
	base := time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC)

	g.Push(tick("X", base, 10, 100))
	_, ok := g.Push(tick("Y", base.Add(90*time.Second), 20, 10))
	require.False(t, ok, "Y's first tick must not close X's bar")

	bar, ok := g.Push(tick("X", base.Add(2*time.Minute), 11, 300))
	require.True(t, ok)
	require.Equal(t, "X", bar.Code)
}
