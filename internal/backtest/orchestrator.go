package backtest

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/docstore"
	"main/internal/ledger"
	"main/internal/obs"
	"main/internal/schema"
	"main/internal/store"
)

var (
	ErrEmptyRange     = errors.New("backtest: zero-length trading range")
	ErrBadPolicy      = errors.New("backtest: policy does not fit parameter spec")
	ErrAlreadyRunning = errors.New("backtest: orchestrator already running")
)

// Policy selects which axis of the grid runs in parallel. The two are
// mutually exclusive.
type Policy uint16

const (
	// PolicyParallelGroups runs parameter groups in parallel, one
	// period (the whole range) each.
	PolicyParallelGroups Policy = iota
	// PolicyParallelPeriods runs one parameter group with its periods
	// in parallel.
	PolicyParallelPeriods
)

// Request is one back-test submission.
type Request struct {
	RunID       string
	Strategy    string
	Codes       []string
	Start       time.Time
	End         time.Time
	Spec        ParamSpec
	Policy      Policy
	PeriodCount int
	Concurrency int

	InitialCash float64
	CostRate    float64
	Settlement  ledger.Settlement
	BarPeriod   time.Duration
}

func (r Request) withDefaults() Request {
	if r.RunID == "" {
		r.RunID = uuid.NewString()
	}
	if r.PeriodCount <= 0 {
		r.PeriodCount = 1
	}
	if r.Concurrency <= 0 {
		r.Concurrency = 1
	}
	if r.InitialCash <= 0 {
		r.InitialCash = 1_000_000
	}
	return r
}

// Period is one contiguous sub-range of trading days.
type Period struct {
	Index int
	Days  []time.Time
}

// Summary reports the outcome of a run.
type Summary struct {
	RunID     string
	Units     int
	Completed int
	Failed    int
	Stopped   int
	Groups    int
}

// Orchestrator fans one request out across the parameter-group ×
// period grid and keeps at most Concurrency workers in flight.
type Orchestrator struct {
	source  store.Source
	docs    *docstore.Store
	publish func(schema.Event)
	metrics *obs.Metrics

	running uint32
	stop    atomic.Bool
}

// New builds an orchestrator. publish and metrics may be nil.
func New(source store.Source, docs *docstore.Store, publish func(schema.Event), metrics *obs.Metrics) *Orchestrator {
	if publish == nil {
		publish = func(schema.Event) {}
	}
	return &Orchestrator{source: source, docs: docs, publish: publish, metrics: metrics}
}

// Stop requests a cooperative stop: pending units are acknowledged
// without running, in-flight workers finish their current day and
// drain. Workers are never killed.
func (o *Orchestrator) Stop() { o.stop.Store(true) }

// Run executes the request to completion. Fatal configuration errors
// are published as an error-severity log event and returned; they
// abort only this run.
func (o *Orchestrator) Run(ctx context.Context, req Request) (Summary, error) {
	if !atomic.CompareAndSwapUint32(&o.running, 0, 1) {
		return Summary{}, ErrAlreadyRunning
	}
	defer atomic.StoreUint32(&o.running, 0)
	o.stop.Store(false)

	req = req.withDefaults()
	summary := Summary{RunID: req.RunID}

	units, err := o.plan(req)
	if err != nil {
		o.publishLog(schema.SeverityError, "backtest request rejected: "+err.Error())
		return summary, err
	}
	if len(units) == 0 {
		// Zero trading days: finish immediately, no workers.
		o.publish(schema.Event{Kind: schema.KindBacktestFinished, Payload: summary})
		return summary, nil
	}

	summary.Units = len(units)
	groupRunning := make(map[int]map[int]struct{})
	for _, u := range units {
		if groupRunning[u.group.Index] == nil {
			groupRunning[u.group.Index] = make(map[int]struct{})
		}
		groupRunning[u.group.Index][u.period.Index] = struct{}{}
	}
	summary.Groups = len(groupRunning)

	results := make(chan workerResult, len(units))
	next := 0
	inFlight := 0
	remaining := len(units)

	start := func() {
		u := units[next]
		next++
		inFlight++
		o.publish(schema.Event{Kind: schema.KindGroupStarted, Payload: schema.Progress{RunID: req.RunID}})
		if o.stop.Load() {
			// Drain without running: acknowledged, not reprocessed.
			go func(u unit) { results <- workerResult{unit: u, stopped: true} }(u)
			return
		}
		w := newWorker(req, u, o.source, o.docs, o.publish, &o.stop, o.metrics)
		go w.run(ctx, results)
	}

	for next < len(units) && inFlight < req.Concurrency {
		start()
	}

	for remaining > 0 {
		res := <-results
		inFlight--
		remaining--

		switch {
		case res.stopped:
			summary.Stopped++
		case res.err != nil:
			summary.Failed++
			logs.Errorf("backtest worker failed: %+v", res.err)
			o.publishLog(schema.SeverityWarn, "worker failed: "+res.err.Error())
		default:
			summary.Completed++
		}

		o.publish(schema.Event{Kind: schema.KindPeriodFinished, Payload: res.unit.period.Index})
		running := groupRunning[res.unit.group.Index]
		delete(running, res.unit.period.Index)
		if len(running) == 0 {
			delete(groupRunning, res.unit.group.Index)
			o.publish(schema.Event{Kind: schema.KindGroupFinished, Payload: res.unit.group.Index})
		}
		o.publish(schema.Event{Kind: schema.KindProgress, Payload: schema.Progress{
			RunID:        req.RunID,
			TotalPercent: 100 * float64(len(units)-remaining) / float64(len(units)),
		}})

		// Refill the window immediately.
		if next < len(units) && inFlight < req.Concurrency {
			start()
		}
	}

	o.publish(schema.Event{Kind: schema.KindBacktestFinished, Payload: summary})
	return summary, nil
}

type unit struct {
	group  Group
	period Period
}

// plan expands the sweep and splits the day range into the unit grid.
func (o *Orchestrator) plan(req Request) ([]unit, error) {
	if req.Start.After(req.End) {
		return nil, ErrEmptyRange
	}
	groups, err := req.Spec.Expand(req.Codes)
	if err != nil {
		return nil, err
	}
	days, err := o.source.LoadTradingDays(req.Start, req.End)
	if err != nil {
		return nil, errors.Wrap(err, "load trading days")
	}
	if len(days) == 0 {
		return nil, nil
	}

	switch req.Policy {
	case PolicyParallelGroups:
		// One period per group covering the whole range.
		units := make([]unit, 0, len(groups))
		for _, g := range groups {
			units = append(units, unit{group: g, period: Period{Index: 0, Days: days}})
		}
		return units, nil
	case PolicyParallelPeriods:
		if len(groups) != 1 {
			return nil, errors.Wrap(ErrBadPolicy, "parallel periods require exactly one parameter group")
		}
		periods := splitPeriods(days, req.PeriodCount)
		units := make([]unit, 0, len(periods))
		for _, p := range periods {
			units = append(units, unit{group: groups[0], period: p})
		}
		return units, nil
	default:
		return nil, ErrBadPolicy
	}
}

// splitPeriods cuts the day list into up to n contiguous sub-ranges.
func splitPeriods(days []time.Time, n int) []Period {
	if n > len(days) {
		n = len(days)
	}
	out := make([]Period, 0, n)
	size := len(days) / n
	extra := len(days) % n
	idx := 0
	for i := 0; i < n; i++ {
		take := size
		if i < extra {
			take++
		}
		out = append(out, Period{Index: i, Days: days[idx : idx+take]})
		idx += take
	}
	return out
}

func (o *Orchestrator) publishLog(sev schema.Severity, msg string) {
	o.publish(schema.Event{Kind: schema.KindLog, Payload: schema.LogEntry{
		Severity: sev,
		Source:   "backtest",
		Message:  msg,
	}})
}
