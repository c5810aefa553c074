package schema

// SchemaVersion is the current event schema version.
const SchemaVersion uint16 = 1

// Kind is the closed set of event categories routed through the bus.
type Kind uint16

const (
	KindUnknown Kind = iota
	KindControl
	KindTimer
	KindMarketTick
	KindBar
	KindOrderUpdate
	KindFillUpdate
	KindPositionUpdate
	KindProgress
	KindLog
	KindDayResult
	KindGroupStarted
	KindGroupFinished
	KindPeriodFinished
	KindWorkerFinished
	KindBacktestFinished
	KindStopRequest
	KindSessionState
)

// KindCount is the number of defined kinds, for indexed counters.
const KindCount = int(KindSessionState) + 1

// Event is the unit passed through the in-memory bus. The payload is
// immutable once published; ownership passes to the delivering lane.
type Event struct {
	Kind    Kind
	Payload any
}

// TimerTick is the payload of KindTimer events. It carries the
// registration key so a lane delivers it to exactly one handler.
type TimerTick struct {
	Handler  string
	Lane     int
	Interval int
	Count    uint64
}

// Severity tags log events so the presentation layer can filter.
type Severity uint16

const (
	SeverityInfo Severity = iota
	SeverityWarn
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityWarn:
		return "warn"
	case SeverityError:
		return "error"
	default:
		return "info"
	}
}

// LogEntry is the payload of KindLog events.
type LogEntry struct {
	Severity Severity
	Source   string
	Message  string
}

// Progress is the payload of KindProgress events.
type Progress struct {
	RunID         string
	SinglePercent float64
	TotalPercent  float64
}
