package store

import (
	"sync"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/schema"
)

var ErrNoSource = errors.New("store: no data source configured")

// FailoverConfig controls retry and source rotation.
type FailoverConfig struct {
	// Retries is the bounded per-call retry count on the active source.
	Retries int
	// RotateAfter is the number of consecutive failed calls after
	// which the next redundant source becomes active.
	RotateAfter int
}

func (c FailoverConfig) withDefaults() FailoverConfig {
	if c.Retries <= 0 {
		c.Retries = 3
	}
	if c.RotateAfter <= 0 {
		c.RotateAfter = 3
	}
	return c
}

// Failover multiplexes redundant data sources behind the Source
// interface: bounded retries per call, rotation after repeated
// consecutive failures. Transient vendor errors never surface to the
// replay loop until every source has been exhausted.
type Failover struct {
	cfg     FailoverConfig
	sources []Source

	mu     sync.Mutex
	active int
	consec int
}

// NewFailover wraps the given sources. At least one is required.
func NewFailover(cfg FailoverConfig, sources ...Source) (*Failover, error) {
	if len(sources) == 0 {
		return nil, ErrNoSource
	}
	return &Failover{cfg: cfg.withDefaults(), sources: sources}, nil
}

// Active returns the index of the currently selected source.
func (f *Failover) Active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *Failover) LoadTradingDays(from, to time.Time) ([]time.Time, error) {
	return call(f, func(s Source) ([]time.Time, error) { return s.LoadTradingDays(from, to) })
}

func (f *Failover) LoadOhlcv(code string, from, to time.Time) ([]schema.Bar, error) {
	return call(f, func(s Source) ([]schema.Bar, error) { return s.LoadOhlcv(code, from, to) })
}

func (f *Failover) LoadTicks(code string, day time.Time) ([]schema.Tick, error) {
	return call(f, func(s Source) ([]schema.Tick, error) { return s.LoadTicks(code, day) })
}

func (f *Failover) LoadAdjustmentFactor(code string, day time.Time) (float64, error) {
	return call(f, func(s Source) (float64, error) { return s.LoadAdjustmentFactor(code, day) })
}

func call[T any](f *Failover, fn func(Source) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt < len(f.sources); attempt++ {
		src := f.current()
		for retry := 0; retry < f.cfg.Retries; retry++ {
			out, err := fn(src)
			if err == nil {
				f.recordSuccess()
				return out, nil
			}
			lastErr = err
			if f.recordFailure() {
				logs.Warnf("rotating to data source %d after repeated failures: %v", f.Active(), err)
				break
			}
		}
	}
	return zero, errors.Wrap(lastErr, "all data sources failed")
}

func (f *Failover) current() Source {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sources[f.active]
}

func (f *Failover) recordSuccess() {
	f.mu.Lock()
	f.consec = 0
	f.mu.Unlock()
}

// recordFailure returns true when the failure triggered a rotation.
func (f *Failover) recordFailure() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consec++
	if f.consec >= f.cfg.RotateAfter {
		f.consec = 0
		f.active = (f.active + 1) % len(f.sources)
		return true
	}
	return false
}
