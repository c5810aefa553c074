package schema

import "time"

// SessionState is the trading-day time state reported by the live
// coordinator. Transitions are driven only by observed feed timestamps,
// never by the local wall clock.
type SessionState uint16

const (
	SessionClosed SessionState = iota
	SessionPreOpenAuction
	SessionPostAuctionSettle
	SessionMorning
	SessionMiddayBreak
	SessionAfternoon
)

func (s SessionState) String() string {
	switch s {
	case SessionPreOpenAuction:
		return "pre_open_auction"
	case SessionPostAuctionSettle:
		return "post_auction_settle"
	case SessionMorning:
		return "morning_session"
	case SessionMiddayBreak:
		return "midday_break"
	case SessionAfternoon:
		return "afternoon_session"
	default:
		return "closed"
	}
}

// Trading reports whether slices observed in this state are forwarded
// to strategies.
func (s SessionState) Trading() bool {
	return s == SessionMorning || s == SessionAfternoon
}

// SessionUpdate is the payload of KindSessionState events.
type SessionUpdate struct {
	State SessionState
	Prev  SessionState
	Time  time.Time
}
