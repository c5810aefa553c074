package backtest

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/yanun0323/errors"

	"main/internal/docstore"
	"main/internal/ledger"
	"main/internal/obs"
	"main/internal/replay"
	"main/internal/schema"
	"main/internal/store"
	"main/internal/strategy"
)

type workerResult struct {
	unit    unit
	err     error
	stopped bool
}

// worker runs one (group, period) unit in isolation: its own strategy
// instance, its own ledger, and a spawn-time configuration value that
// is never mutated. Nothing but result events crosses the boundary.
type worker struct {
	req     Request
	unit    unit
	source  store.Source
	docs    *docstore.Store
	publish func(schema.Event)
	stop    *atomic.Bool
	metrics *obs.Metrics
}

func newWorker(req Request, u unit, source store.Source, docs *docstore.Store, publish func(schema.Event), stop *atomic.Bool, metrics *obs.Metrics) *worker {
	return &worker{req: req, unit: u, source: source, docs: docs, publish: publish, stop: stop, metrics: metrics}
}

func (w *worker) run(ctx context.Context, results chan<- workerResult) {
	started := time.Now()
	err := w.simulate(ctx)
	w.metrics.ObserveWorker(time.Since(started))
	res := workerResult{unit: w.unit, err: err}
	if errors.Is(err, replay.ErrStopped) || errors.Is(err, context.Canceled) {
		res.err = nil
		res.stopped = true
	}
	w.publish(schema.Event{Kind: schema.KindWorkerFinished, Payload: w.unit.period.Index})
	results <- res
}

func (w *worker) simulate(ctx context.Context) error {
	strat, err := strategy.New(w.req.Strategy, w.unit.group.Params, w.unit.group.Codes)
	if err != nil {
		return err
	}
	account := ledger.New(ledger.Config{
		Broker:      w.req.Strategy,
		InitialCash: w.req.InitialCash,
		CostRate:    w.req.CostRate,
		Settlement:  w.req.Settlement,
		Metrics:     w.metrics,
	})
	docs := w.docs
	if docs != nil {
		// Each grid cell persists under its own scope so siblings
		// never read or clobber each other's carry-over state.
		scope := fmt.Sprintf("%s/g%03d-p%03d", w.req.RunID, w.unit.group.Index, w.unit.period.Index)
		docs, err = docs.Scoped(scope)
		if err != nil {
			return err
		}
	}
	engine := replay.New(replay.Config{
		RunID:         w.req.RunID,
		Strategy:      strat,
		Account:       account,
		Source:        w.source,
		Docs:          docs,
		Publish:       w.publish,
		BarPeriod:     w.req.BarPeriod,
		Metrics:       w.metrics,
		Params:        w.unit.group.Params,
		SimulateFills: true,
	})

	days := w.unit.period.Days
	for i, day := range days {
		if w.stop != nil && w.stop.Load() {
			return replay.ErrStopped
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		// A failed day aborts this worker's remaining days only;
		// sibling workers keep running.
		if err := engine.RunDay(ctx, day); err != nil {
			return errors.Wrap(err, day.Format("20060102"))
		}
		w.publish(schema.Event{Kind: schema.KindProgress, Payload: schema.Progress{
			RunID:         w.req.RunID,
			SinglePercent: 100 * float64(i+1) / float64(len(days)),
		}})
	}
	return nil
}
