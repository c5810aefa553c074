package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/yanun0323/logs"

	"main/internal/backtest"
	"main/internal/bus"
	"main/internal/docstore"
	"main/internal/obs"
	"main/internal/ops"
	"main/internal/schema"
	"main/internal/store"
	_ "main/internal/strategy"
)

const dateLayout = "2006-01-02"

func main() {
	configPath := flag.String("config", "configs/trader.yaml", "Path to YAML config")
	strategyName := flag.String("strategy", "", "Registered strategy name")
	codes := flag.String("codes", "", "Comma-separated instrument codes")
	start := flag.String("start", "", "Range start (YYYY-MM-DD)")
	end := flag.String("end", "", "Range end (YYYY-MM-DD)")
	sweep := flag.String("sweep", "", "Parameter sweep, e.g. short=5:15:5;long=20:60:10")
	policy := flag.String("policy", "groups", "Concurrency policy: groups | periods")
	periods := flag.Int("periods", 0, "Period count for the periods policy")
	concurrency := flag.Int("concurrency", 0, "Max workers in flight (overrides config)")
	runID := flag.String("run-id", "", "Run identifier (default: random)")
	flag.Parse()

	cfg, err := ops.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	if *strategyName == "" || *codes == "" || *start == "" || *end == "" {
		log.Fatal("strategy, codes, start and end are required")
	}

	stop := startProfiler(cfg.Profile, "backtester")
	defer stop()

	req, err := buildRequest(cfg, *strategyName, *codes, *start, *end, *sweep, *policy, *periods, *concurrency, *runID)
	if err != nil {
		log.Fatalf("bad request: %v", err)
	}

	source, err := openSource(cfg.Store)
	if err != nil {
		log.Fatalf("open market store failed: %v", err)
	}
	docs, err := docstore.New(cfg.Docs.Dir)
	if err != nil {
		log.Fatalf("open docstore failed: %v", err)
	}

	metrics := obs.NewMetrics()
	b := bus.New(bus.Config{Lanes: cfg.Bus.Lanes, QueueSize: cfg.Bus.QueueSize, Metrics: metrics})
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := b.Start(ctx); err != nil {
		log.Fatalf("start bus failed: %v", err)
	}
	defer b.Close()
	if err := b.Subscribe(schema.KindProgress, bus.Func("progress-log", logProgress), 0); err != nil {
		log.Fatalf("subscribe progress failed: %v", err)
	}
	if err := b.Subscribe(schema.KindLog, bus.Func("log-relay", relayLog), 0); err != nil {
		log.Fatalf("subscribe log failed: %v", err)
	}

	orc := backtest.New(source, docs, b.Publish, metrics)
	go func() {
		<-ctx.Done()
		orc.Stop()
	}()

	summary, err := orc.Run(ctx, req)
	if err != nil {
		log.Fatalf("backtest failed: %v", err)
	}
	logs.Infof("backtest %s done: units=%d completed=%d failed=%d stopped=%d",
		summary.RunID, summary.Units, summary.Completed, summary.Failed, summary.Stopped)

	snap := metrics.Snapshot()
	logs.Infof("metrics: events=%v drops=%d days=%+v workers=%+v",
		snap.EventCounts, snap.LaneDrops, snap.DayLatency, snap.WorkerLatency)
}

func buildRequest(cfg ops.Config, strategyName, codes, start, end, sweep, policy string, periods, concurrency int, runID string) (backtest.Request, error) {
	from, err := time.Parse(dateLayout, start)
	if err != nil {
		return backtest.Request{}, fmt.Errorf("parse start: %w", err)
	}
	to, err := time.Parse(dateLayout, end)
	if err != nil {
		return backtest.Request{}, fmt.Errorf("parse end: %w", err)
	}
	spec, err := parseSweep(sweep)
	if err != nil {
		return backtest.Request{}, err
	}

	req := backtest.Request{
		RunID:       runID,
		Strategy:    strategyName,
		Codes:       strings.Split(codes, ","),
		Start:       from,
		End:         to,
		Spec:        spec,
		PeriodCount: periods,
		Concurrency: concurrency,
		InitialCash: cfg.Backtest.InitialCash,
		CostRate:    cfg.Backtest.CostRate,
		Settlement:  cfg.Backtest.SettlementRule(),
		BarPeriod:   cfg.Backtest.BarPeriod,
	}
	if req.PeriodCount <= 0 {
		req.PeriodCount = cfg.Backtest.PeriodCount
	}
	if req.Concurrency <= 0 {
		req.Concurrency = cfg.Backtest.Concurrency
	}
	switch policy {
	case "groups":
		req.Policy = backtest.PolicyParallelGroups
	case "periods":
		req.Policy = backtest.PolicyParallelPeriods
	default:
		return backtest.Request{}, fmt.Errorf("unknown policy %q", policy)
	}
	return req, nil
}

// parseSweep reads "name=start:end:step" clauses separated by ';'.
func parseSweep(s string) (backtest.ParamSpec, error) {
	var spec backtest.ParamSpec
	if s == "" {
		return spec, nil
	}
	for _, clause := range strings.Split(s, ";") {
		name, rng, ok := strings.Cut(clause, "=")
		if !ok {
			return spec, fmt.Errorf("malformed sweep clause %q", clause)
		}
		parts := strings.Split(rng, ":")
		if len(parts) != 3 {
			return spec, fmt.Errorf("malformed sweep range %q", rng)
		}
		vals := make([]float64, 3)
		for i, p := range parts {
			v, err := strconv.ParseFloat(p, 64)
			if err != nil {
				return spec, fmt.Errorf("parse sweep range %q: %w", rng, err)
			}
			vals[i] = v
		}
		spec.Ranges = append(spec.Ranges, backtest.ParamRange{
			Name:  strings.TrimSpace(name),
			Start: vals[0],
			End:   vals[1],
			Step:  vals[2],
		})
	}
	return spec, nil
}

// openSource wraps every configured replica behind the failover proxy.
func openSource(cfg ops.StoreConfig) (store.Source, error) {
	sources := make([]store.Source, 0, len(cfg.DSNs))
	for _, dsn := range cfg.DSNs {
		g, err := store.Open(store.Config{Driver: cfg.Driver, DSN: dsn})
		if err != nil {
			return nil, err
		}
		sources = append(sources, g)
	}
	return store.NewFailover(store.FailoverConfig{
		Retries:     cfg.Retries,
		RotateAfter: cfg.RotateAfter,
	}, sources...)
}

func logProgress(ev schema.Event) {
	p, ok := ev.Payload.(schema.Progress)
	if !ok || p.TotalPercent == 0 {
		return
	}
	logs.Infof("progress %s: %.1f%%", p.RunID, p.TotalPercent)
}

func relayLog(ev schema.Event) {
	entry, ok := ev.Payload.(schema.LogEntry)
	if !ok {
		return
	}
	switch entry.Severity {
	case schema.SeverityError:
		logs.Errorf("%s: %s", entry.Source, entry.Message)
	case schema.SeverityWarn:
		logs.Warnf("%s: %s", entry.Source, entry.Message)
	default:
		logs.Infof("%s: %s", entry.Source, entry.Message)
	}
}

func startProfiler(cfg ops.ProfileConfig, app string) func() {
	if !cfg.Enabled {
		return func() {}
	}
	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: app,
		ServerAddress:   cfg.Server,
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
		},
	})
	if err != nil {
		log.Fatalf("pyroscope start failed: %v", err)
	}
	return func() { _ = profiler.Stop() }
}
