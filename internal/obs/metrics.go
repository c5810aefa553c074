package obs

import (
	"sync/atomic"
	"time"

	"main/internal/schema"
)

// Metrics collects lightweight counters for the bus, the ledger
// reconciliation path and the back-test workers. All methods are safe
// for concurrent use and tolerate a nil receiver so call sites never
// need a guard.
type Metrics struct {
	eventCounts [schema.KindCount]uint64
	laneDrops   uint64

	unmatchedFills uint64
	adjustments    uint64
	feedRotations  uint64

	dayLatency    LatencyStats
	workerLatency LatencyStats
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	EventCounts    map[schema.Kind]uint64
	LaneDrops      uint64
	UnmatchedFills uint64
	Adjustments    uint64
	FeedRotations  uint64
	DayLatency     LatencySnapshot
	WorkerLatency  LatencySnapshot
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// ObserveEvent counts one published event by kind.
func (m *Metrics) ObserveEvent(kind schema.Kind) {
	if m == nil {
		return
	}
	idx := int(kind)
	if idx >= 0 && idx < len(m.eventCounts) {
		atomic.AddUint64(&m.eventCounts[idx], 1)
	}
}

// IncLaneDrop records an event dropped by a full lane queue.
func (m *Metrics) IncLaneDrop() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.laneDrops, 1)
}

// IncUnmatchedFill records a fill the ledger could not match to any
// order. Expected under partial or duplicate broker pushes.
func (m *Metrics) IncUnmatchedFill() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.unmatchedFills, 1)
}

// IncAdjustment records one corporate-action adjustment application.
func (m *Metrics) IncAdjustment() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.adjustments, 1)
}

// IncFeedRotation records a feed failover to a redundant source.
func (m *Metrics) IncFeedRotation() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.feedRotations, 1)
}

// ObserveDay measures one replayed trading day.
func (m *Metrics) ObserveDay(d time.Duration) {
	if m == nil {
		return
	}
	m.dayLatency.Observe(d)
}

// ObserveWorker measures one back-test worker from spawn to terminal
// completion event.
func (m *Metrics) ObserveWorker(d time.Duration) {
	if m == nil {
		return
	}
	m.workerLatency.Observe(d)
}

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	eventCounts := make(map[schema.Kind]uint64)
	for i := range m.eventCounts {
		if v := atomic.LoadUint64(&m.eventCounts[i]); v > 0 {
			eventCounts[schema.Kind(i)] = v
		}
	}
	return Snapshot{
		EventCounts:    eventCounts,
		LaneDrops:      atomic.LoadUint64(&m.laneDrops),
		UnmatchedFills: atomic.LoadUint64(&m.unmatchedFills),
		Adjustments:    atomic.LoadUint64(&m.adjustments),
		FeedRotations:  atomic.LoadUint64(&m.feedRotations),
		DayLatency:     m.dayLatency.Snapshot(),
		WorkerLatency:  m.workerLatency.Snapshot(),
	}
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		min := atomic.LoadUint64(&l.min)
		if min != 0 && nanos >= min {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, min, nanos) {
			break
		}
	}

	for {
		max := atomic.LoadUint64(&l.max)
		if nanos <= max {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, max, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	sum := atomic.LoadUint64(&l.sum)
	min := atomic.LoadUint64(&l.min)
	max := atomic.LoadUint64(&l.max)
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(min),
		Max:   time.Duration(max),
		Avg:   time.Duration(sum / count),
	}
}
