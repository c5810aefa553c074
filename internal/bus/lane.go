package bus

import (
	"context"

	"main/internal/schema"
)

// delivery is one queued unit on a lane. Timer deliveries carry the
// target handler directly; data deliveries resolve handlers at
// dispatch time through the routing table.
type delivery struct {
	ev     schema.Event
	direct Handler
}

type lane struct {
	idx int
	ch  chan delivery
}

func newLane(idx, queueSize int) *lane {
	return &lane{idx: idx, ch: make(chan delivery, queueSize)}
}

func (l *lane) enqueue(stopped <-chan struct{}, d delivery) {
	select {
	case l.ch <- d:
	case <-stopped:
	}
}

// run dispatches queued deliveries sequentially. Handlers on this lane
// never run concurrently with each other.
func (l *lane) run(ctx context.Context, b *Bus) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopped:
			return
		case d := <-l.ch:
			if d.direct != nil {
				d.direct.OnEvent(d.ev)
				continue
			}
			for _, h := range b.handlersFor(d.ev.Kind, l.idx) {
				h.OnEvent(d.ev)
			}
		}
	}
}
