package live

import (
	"time"

	"main/internal/schema"
)

// Schedule holds the session boundaries as offsets from midnight of
// the trading day, in exchange-local time.
type Schedule struct {
	PreOpen   time.Duration
	Settle    time.Duration
	Morning   time.Duration
	Break     time.Duration
	Afternoon time.Duration
	Close     time.Duration
}

// DefaultSchedule is the mainland A-share session layout.
func DefaultSchedule() Schedule {
	return Schedule{
		PreOpen:   9*time.Hour + 15*time.Minute,
		Settle:    9*time.Hour + 25*time.Minute,
		Morning:   9*time.Hour + 30*time.Minute,
		Break:     11*time.Hour + 30*time.Minute,
		Afternoon: 13 * time.Hour,
		Close:     15 * time.Hour,
	}
}

func (s Schedule) stateAt(ts time.Time) schema.SessionState {
	if ts.IsZero() {
		return schema.SessionClosed
	}
	day := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, ts.Location())
	off := ts.Sub(day)
	switch {
	case off < s.PreOpen:
		return schema.SessionClosed
	case off < s.Settle:
		return schema.SessionPreOpenAuction
	case off < s.Morning:
		return schema.SessionPostAuctionSettle
	case off < s.Break:
		return schema.SessionMorning
	case off < s.Afternoon:
		return schema.SessionMiddayBreak
	case off < s.Close:
		return schema.SessionAfternoon
	default:
		return schema.SessionClosed
	}
}

// Clock derives the session state from the timestamps of two
// independent reference feeds. Forward transitions follow the faster
// feed, but the end-of-day close is reported only once both feeds have
// crossed the closing boundary, so a lagging feed cannot be cut off
// early.
type Clock struct {
	sched Schedule
	seen  [2]time.Time
	state schema.SessionState
}

// NewClock starts in the closed state.
func NewClock(sched Schedule) *Clock {
	return &Clock{sched: sched}
}

// State returns the current session state.
func (c *Clock) State() schema.SessionState { return c.state }

// Observe feeds one reference timestamp and returns the resulting
// state plus whether it changed. Timestamps may arrive out of order
// within a feed; only the high-water mark counts.
func (c *Clock) Observe(feed int, ts time.Time) (schema.SessionState, bool) {
	if feed < 0 || feed >= len(c.seen) {
		return c.state, false
	}
	if ts.After(c.seen[feed]) {
		c.seen[feed] = ts
	}

	fast, slow := c.seen[0], c.seen[1]
	if slow.After(fast) {
		fast, slow = slow, fast
	}
	next := c.sched.stateAt(fast)
	if next == schema.SessionClosed && c.state != schema.SessionClosed {
		// Slowest feed wins at the closing boundary.
		if s := c.sched.stateAt(slow); s != schema.SessionClosed {
			next = s
		}
	}
	if next == c.state {
		return c.state, false
	}
	c.state = next
	return c.state, true
}
