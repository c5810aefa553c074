package backtest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/yanun0323/errors"

	"main/internal/docstore"
	"main/internal/schema"
	"main/internal/strategy"
)

func fakeDays(n int) []time.Time {
	base := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	days := make([]time.Time, n)
	for i := range days {
		days[i] = base.AddDate(0, 0, i)
	}
	return days
}

type gridSource struct {
	days []time.Time
}

func (s *gridSource) LoadTradingDays(from, to time.Time) ([]time.Time, error) { return s.days, nil }
func (s *gridSource) LoadOhlcv(string, time.Time, time.Time) ([]schema.Bar, error) {
	return nil, nil
}
func (s *gridSource) LoadTicks(code string, day time.Time) ([]schema.Tick, error) {
	open := day.Add(9*time.Hour + 30*time.Minute)
	return []schema.Tick{
		{Code: code, Time: open, Price: 10, PreClose: 10, Volume: 100},
		{Code: code, Time: open.Add(3 * time.Second), Price: 10.2, PreClose: 10, Volume: 250},
	}, nil
}
func (s *gridSource) LoadAdjustmentFactor(string, time.Time) (float64, error) { return 1, nil }

// recorder collects published events; workers publish concurrently.
type recorder struct {
	mu     sync.Mutex
	events []schema.Event
	hook   func(schema.Event)
}

func (r *recorder) publish(ev schema.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	if r.hook != nil {
		r.hook(ev)
	}
}

func (r *recorder) count(kind schema.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) lastProgress() schema.Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	var last schema.Progress
	for _, ev := range r.events {
		if ev.Kind == schema.KindProgress {
			if p, ok := ev.Payload.(schema.Progress); ok && p.TotalPercent > 0 {
				last = p
			}
		}
	}
	return last
}

// gaugeStrategy measures how many workers are inside OnSlice at once.
type gaugeStrategy struct {
	strategy.Base
	codes []string
	cur   *atomic.Int32
	max   *atomic.Int32
	delay time.Duration
	fail  bool
}

func (s *gaugeStrategy) Name() string    { return "gauge" }
func (s *gaugeStrategy) Codes() []string { return s.codes }

func (s *gaugeStrategy) OnDayOpen(*strategy.Context) error {
	if s.fail {
		return errors.New("scripted worker failure")
	}
	return nil
}

func (s *gaugeStrategy) OnSlice(*strategy.Context, schema.Slice) error {
	n := s.cur.Add(1)
	for {
		m := s.max.Load()
		if n <= m || s.max.CompareAndSwap(m, n) {
			break
		}
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.cur.Add(-1)
	return nil
}

func registerGauge(t *testing.T, name string, delay time.Duration, failWhen func(params map[string]float64) bool) (*atomic.Int32, *atomic.Int32) {
	t.Helper()
	var cur, max atomic.Int32
	strategy.Register(name, func(params map[string]float64, codes []string) strategy.Strategy {
		fail := failWhen != nil && failWhen(params)
		return &gaugeStrategy{codes: codes, cur: &cur, max: &max, delay: delay, fail: fail}
	})
	return &cur, &max
}

func newOrchestrator(t *testing.T, src *gridSource, rec *recorder) *Orchestrator {
	t.Helper()
	docs, err := docstore.New(t.TempDir())
	require.NoError(t, err)
	return New(src, docs, rec.publish, nil)
}

func TestRunCompletesEveryGroupPeriodUnit(t *testing.T) {
	registerGauge(t, "bt-complete", 0, nil)
	src := &gridSource{days: fakeDays(2)}
	rec := &recorder{}
	orc := newOrchestrator(t, src, rec)

	summary, err := orc.Run(context.Background(), Request{
		Strategy: "bt-complete",
		Codes:    []string{"X"},
		Start:    src.days[0],
		End:      src.days[1],
		Spec: ParamSpec{Ranges: []ParamRange{
			{Name: "p", Start: 1, End: 3, Step: 1},
		}},
		Policy:      PolicyParallelGroups,
		Concurrency: 3,
	})
	require.NoError(t, err)

	require.Equal(t, 3, summary.Units)
	require.Equal(t, 3, summary.Completed)
	require.Equal(t, 3, summary.Groups)
	require.Zero(t, summary.Failed)
	require.Zero(t, summary.Stopped)

	require.Equal(t, 3, rec.count(schema.KindWorkerFinished))
	require.Equal(t, 3, rec.count(schema.KindGroupFinished))
	require.Equal(t, 1, rec.count(schema.KindBacktestFinished))
	require.InDelta(t, 100, rec.lastProgress().TotalPercent, 1e-9)
}

func TestRunParallelPeriodsCoverEveryDay(t *testing.T) {
	registerGauge(t, "bt-periods", 0, nil)
	src := &gridSource{days: fakeDays(6)}
	rec := &recorder{}
	orc := newOrchestrator(t, src, rec)

	summary, err := orc.Run(context.Background(), Request{
		Strategy:    "bt-periods",
		Codes:       []string{"X"},
		Start:       src.days[0],
		End:         src.days[5],
		Policy:      PolicyParallelPeriods,
		PeriodCount: 3,
		Concurrency: 3,
	})
	require.NoError(t, err)
	require.Equal(t, 3, summary.Units)
	require.Equal(t, 3, summary.Completed)
	require.Equal(t, 1, summary.Groups)
	require.Equal(t, 3, rec.count(schema.KindPeriodFinished))
}

func TestConcurrencyWindowIsBounded(t *testing.T) {
	_, max := registerGauge(t, "bt-window", 5*time.Millisecond, nil)
	src := &gridSource{days: fakeDays(5)}
	rec := &recorder{}
	orc := newOrchestrator(t, src, rec)

	summary, err := orc.Run(context.Background(), Request{
		Strategy:    "bt-window",
		Codes:       []string{"X"},
		Start:       src.days[0],
		End:         src.days[4],
		Policy:      PolicyParallelPeriods,
		PeriodCount: 5,
		Concurrency: 2,
	})
	require.NoError(t, err)
	require.Equal(t, 5, summary.Completed)
	require.LessOrEqual(t, max.Load(), int32(2), "never more than two workers in flight")
}

func TestWorkerFailureLeavesSiblingsRunning(t *testing.T) {
	registerGauge(t, "bt-partial", 0, func(params map[string]float64) bool {
		return params["p"] == 2
	})
	src := &gridSource{days: fakeDays(2)}
	rec := &recorder{}
	orc := newOrchestrator(t, src, rec)

	summary, err := orc.Run(context.Background(), Request{
		Strategy: "bt-partial",
		Codes:    []string{"X"},
		Start:    src.days[0],
		End:      src.days[1],
		Spec: ParamSpec{Ranges: []ParamRange{
			{Name: "p", Start: 1, End: 3, Step: 1},
		}},
		Policy:      PolicyParallelGroups,
		Concurrency: 3,
	})
	require.NoError(t, err)
	require.Equal(t, 2, summary.Completed)
	require.Equal(t, 1, summary.Failed)
	require.Equal(t, 3, summary.Groups, "failed group still finishes")
}

func TestStopDrainsPendingUnitsWithoutRunning(t *testing.T) {
	registerGauge(t, "bt-stop", 0, nil)
	src := &gridSource{days: fakeDays(3)}
	rec := &recorder{}
	orc := newOrchestrator(t, src, rec)
	rec.hook = func(ev schema.Event) {
		if ev.Kind == schema.KindPeriodFinished {
			orc.Stop()
		}
	}

	summary, err := orc.Run(context.Background(), Request{
		Strategy:    "bt-stop",
		Codes:       []string{"X"},
		Start:       src.days[0],
		End:         src.days[2],
		Policy:      PolicyParallelPeriods,
		PeriodCount: 3,
		Concurrency: 1,
	})
	require.NoError(t, err)
	require.Equal(t, 3, summary.Units, "stopped units are acknowledged, not dropped")
	require.Equal(t, 1, summary.Completed)
	require.Equal(t, 2, summary.Stopped)
}

func TestZeroTradingDaysFinishesImmediately(t *testing.T) {
	registerGauge(t, "bt-empty", 0, nil)
	src := &gridSource{}
	rec := &recorder{}
	orc := newOrchestrator(t, src, rec)

	summary, err := orc.Run(context.Background(), Request{
		Strategy: "bt-empty",
		Codes:    []string{"X"},
		Start:    time.Date(2025, 6, 7, 0, 0, 0, 0, time.UTC),
		End:      time.Date(2025, 6, 8, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Zero(t, summary.Units)
	require.Zero(t, rec.count(schema.KindWorkerFinished))
	require.Equal(t, 1, rec.count(schema.KindBacktestFinished))
}

func TestMalformedSweepRejectsRun(t *testing.T) {
	src := &gridSource{days: fakeDays(2)}
	rec := &recorder{}
	orc := newOrchestrator(t, src, rec)

	_, err := orc.Run(context.Background(), Request{
		Strategy: "bt-complete",
		Codes:    []string{"X"},
		Start:    src.days[0],
		End:      src.days[1],
		Spec: ParamSpec{Ranges: []ParamRange{
			{Name: "p", Start: 1, End: 3, Step: 0},
		}},
	})
	require.True(t, errors.Is(err, ErrBadParamSpec))
	require.Equal(t, 1, rec.count(schema.KindLog))
}

func TestReversedRangeRejectsRun(t *testing.T) {
	src := &gridSource{days: fakeDays(2)}
	orc := newOrchestrator(t, src, &recorder{})

	_, err := orc.Run(context.Background(), Request{
		Strategy: "bt-complete",
		Codes:    []string{"X"},
		Start:    src.days[1],
		End:      src.days[0],
	})
	require.ErrorIs(t, err, ErrEmptyRange)
}

func TestParallelPeriodsRequireSingleGroup(t *testing.T) {
	src := &gridSource{days: fakeDays(2)}
	orc := newOrchestrator(t, src, &recorder{})

	_, err := orc.Run(context.Background(), Request{
		Strategy: "bt-complete",
		Codes:    []string{"X"},
		Start:    src.days[0],
		End:      src.days[1],
		Spec: ParamSpec{Ranges: []ParamRange{
			{Name: "p", Start: 1, End: 2, Step: 1},
		}},
		Policy: PolicyParallelPeriods,
	})
	require.True(t, errors.Is(err, ErrBadPolicy))
}
