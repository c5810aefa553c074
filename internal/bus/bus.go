package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/errors"

	"main/internal/obs"
	"main/internal/schema"
)

var (
	ErrAlreadyStarted = errors.New("bus already started")
	ErrNotStarted     = errors.New("bus not started")
	ErrClosed         = errors.New("bus closed")
	ErrInvalidLane    = errors.New("invalid lane index")
)

// Handler consumes events delivered on a lane. Handlers on the same
// lane run sequentially; lanes run in parallel.
type Handler interface {
	Name() string
	OnEvent(schema.Event)
}

type funcHandler struct {
	name string
	fn   func(schema.Event)
}

func (h funcHandler) Name() string            { return h.name }
func (h funcHandler) OnEvent(ev schema.Event) { h.fn(ev) }

// Func wraps a function as a named handler. The name is the
// deduplication identity, so two Func handlers with the same name are
// the same subscription.
func Func(name string, fn func(schema.Event)) Handler {
	return funcHandler{name: name, fn: fn}
}

// Config controls bus sizing. Metrics may be nil.
type Config struct {
	Lanes     int
	QueueSize int
	BaseTick  time.Duration
	Metrics   *obs.Metrics
}

func (c Config) withDefaults() Config {
	if c.Lanes <= 0 {
		c.Lanes = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.BaseTick <= 0 {
		c.BaseTick = time.Second
	}
	return c
}

// Bus is the in-process typed broker. Data events are copied onto every
// lane that holds a subscription for their kind; subscription changes
// travel through a dedicated control lane so they are applied in the
// same total order as the control lane observes them.
type Bus struct {
	cfg   Config
	lanes []*lane
	ctrl  chan ctrlRequest

	mu     sync.RWMutex
	table  map[schema.Kind]map[int][]Handler
	timers map[timerKey]*timerEntry

	dropped uint64
	started uint32
	stopped chan struct{}
	wg      sync.WaitGroup
}

// New allocates a bus with cfg defaults applied. Lanes are not running
// until Start is called.
func New(cfg Config) *Bus {
	cfg = cfg.withDefaults()
	b := &Bus{
		cfg:     cfg,
		ctrl:    make(chan ctrlRequest, cfg.QueueSize),
		table:   make(map[schema.Kind]map[int][]Handler),
		timers:  make(map[timerKey]*timerEntry),
		stopped: make(chan struct{}),
	}
	for i := 0; i < cfg.Lanes; i++ {
		b.lanes = append(b.lanes, newLane(i, cfg.QueueSize))
	}
	return b
}

// Lanes returns the number of data lanes.
func (b *Bus) Lanes() int { return len(b.lanes) }

// Dropped returns the number of events published with no subscriber.
func (b *Bus) Dropped() uint64 { return atomic.LoadUint64(&b.dropped) }

// Start launches the lane dispatch loops and the control loop.
func (b *Bus) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapUint32(&b.started, 0, 1) {
		return ErrAlreadyStarted
	}
	for _, ln := range b.lanes {
		b.wg.Add(1)
		go func(ln *lane) {
			defer b.wg.Done()
			ln.run(ctx, b)
		}(ln)
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.runControl(ctx)
	}()
	return nil
}

// Close stops the bus and waits for the lanes to drain their loops.
func (b *Bus) Close() {
	select {
	case <-b.stopped:
	default:
		close(b.stopped)
	}
	b.wg.Wait()
}

// Publish routes an event to every lane subscribed to its kind. It
// blocks only while a target lane's bounded queue is full. Events with
// no subscriber are dropped silently.
func (b *Bus) Publish(ev schema.Event) {
	b.mu.RLock()
	byLane := b.table[ev.Kind]
	targets := make([]int, 0, len(byLane))
	for idx := range byLane {
		targets = append(targets, idx)
	}
	b.mu.RUnlock()

	b.cfg.Metrics.ObserveEvent(ev.Kind)
	if len(targets) == 0 {
		atomic.AddUint64(&b.dropped, 1)
		b.cfg.Metrics.IncLaneDrop()
		return
	}
	for _, idx := range targets {
		b.lanes[idx].enqueue(b.stopped, delivery{ev: ev})
	}
}

// handlersFor is called by a lane at dispatch time, so a subscription
// applied before the event was enqueued is always observed.
func (b *Bus) handlersFor(kind schema.Kind, laneIdx int) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	byLane := b.table[kind]
	if byLane == nil {
		return nil
	}
	return byLane[laneIdx]
}
