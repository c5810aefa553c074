package bus

import (
	"context"
	"time"

	"main/internal/schema"
)

type ctrlOp uint16

const (
	opSubscribe ctrlOp = iota
	opUnsubscribe
	opAddTimer
	opRemoveTimer
	opBarrier
)

type ctrlRequest struct {
	op       ctrlOp
	kind     schema.Kind
	handler  Handler
	name     string
	lane     int
	interval int
	done     chan struct{}
}

type timerKey struct {
	name     string
	lane     int
	interval int
}

type timerEntry struct {
	handler   Handler
	remaining int
	count     uint64
}

// Subscribe routes a registration request through the control lane.
// Registering an identical (kind, handler name, lane) key again is a
// no-op. The call returns once the request is queued, not applied; use
// Sync to wait for application.
func (b *Bus) Subscribe(kind schema.Kind, h Handler, laneIdx int) error {
	if laneIdx < 0 || laneIdx >= len(b.lanes) {
		return ErrInvalidLane
	}
	return b.sendCtrl(ctrlRequest{op: opSubscribe, kind: kind, handler: h, name: h.Name(), lane: laneIdx})
}

// Unsubscribe removes a registration. Unknown keys are ignored.
func (b *Bus) Unsubscribe(kind schema.Kind, name string, laneIdx int) error {
	if laneIdx < 0 || laneIdx >= len(b.lanes) {
		return ErrInvalidLane
	}
	return b.sendCtrl(ctrlRequest{op: opUnsubscribe, kind: kind, name: name, lane: laneIdx})
}

// AddTimer registers a periodic timer. The interval is expressed in
// base-clock ticks (seconds by default). Distinct intervals for the
// same handler and lane are independent registrations; the same
// interval twice is deduplicated.
func (b *Bus) AddTimer(h Handler, laneIdx, intervalSec int) error {
	if laneIdx < 0 || laneIdx >= len(b.lanes) {
		return ErrInvalidLane
	}
	if intervalSec <= 0 {
		intervalSec = 1
	}
	return b.sendCtrl(ctrlRequest{op: opAddTimer, handler: h, name: h.Name(), lane: laneIdx, interval: intervalSec})
}

// RemoveTimer drops a timer registration. Unknown keys are ignored.
func (b *Bus) RemoveTimer(name string, laneIdx, intervalSec int) error {
	return b.sendCtrl(ctrlRequest{op: opRemoveTimer, name: name, lane: laneIdx, interval: intervalSec})
}

// Sync blocks until every control request queued before it has been
// applied. Intended for startup sequencing and tests.
func (b *Bus) Sync() error {
	done := make(chan struct{})
	if err := b.sendCtrl(ctrlRequest{op: opBarrier, done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-b.stopped:
		return ErrClosed
	}
}

func (b *Bus) sendCtrl(req ctrlRequest) error {
	select {
	case b.ctrl <- req:
		return nil
	case <-b.stopped:
		return ErrClosed
	}
}

// runControl applies subscription changes and drives timer countdowns
// off one base ticker. A single loop serves both so no separate OS
// timer per registration is needed.
func (b *Bus) runControl(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.BaseTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopped:
			return
		case req := <-b.ctrl:
			b.applyCtrl(req)
		case <-ticker.C:
			b.tickTimers()
		}
	}
}

func (b *Bus) applyCtrl(req ctrlRequest) {
	switch req.op {
	case opSubscribe:
		b.mu.Lock()
		byLane := b.table[req.kind]
		if byLane == nil {
			byLane = make(map[int][]Handler)
			b.table[req.kind] = byLane
		}
		exists := false
		for _, h := range byLane[req.lane] {
			if h.Name() == req.name {
				exists = true
				break
			}
		}
		if !exists {
			byLane[req.lane] = append(byLane[req.lane], req.handler)
		}
		b.mu.Unlock()
	case opUnsubscribe:
		b.mu.Lock()
		if byLane := b.table[req.kind]; byLane != nil {
			handlers := byLane[req.lane]
			for i, h := range handlers {
				if h.Name() == req.name {
					byLane[req.lane] = append(handlers[:i:i], handlers[i+1:]...)
					break
				}
			}
			if len(byLane[req.lane]) == 0 {
				delete(byLane, req.lane)
			}
			if len(byLane) == 0 {
				delete(b.table, req.kind)
			}
		}
		b.mu.Unlock()
	case opAddTimer:
		key := timerKey{name: req.name, lane: req.lane, interval: req.interval}
		b.mu.Lock()
		if _, ok := b.timers[key]; !ok {
			b.timers[key] = &timerEntry{handler: req.handler, remaining: req.interval}
		}
		b.mu.Unlock()
	case opRemoveTimer:
		key := timerKey{name: req.name, lane: req.lane, interval: req.interval}
		b.mu.Lock()
		delete(b.timers, key)
		b.mu.Unlock()
	case opBarrier:
		if req.done != nil {
			close(req.done)
		}
	}
}

func (b *Bus) tickTimers() {
	type firing struct {
		key   timerKey
		entry *timerEntry
	}
	var due []firing
	b.mu.Lock()
	for key, entry := range b.timers {
		entry.remaining--
		if entry.remaining <= 0 {
			entry.remaining = key.interval
			entry.count++
			due = append(due, firing{key: key, entry: entry})
		}
	}
	b.mu.Unlock()

	for _, f := range due {
		ev := schema.Event{Kind: schema.KindTimer, Payload: schema.TimerTick{
			Handler:  f.key.name,
			Lane:     f.key.lane,
			Interval: f.key.interval,
			Count:    f.entry.count,
		}}
		b.lanes[f.key.lane].enqueue(b.stopped, delivery{ev: ev, direct: f.entry.handler})
	}
}
