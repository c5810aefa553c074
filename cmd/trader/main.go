package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/yanun0323/logs"

	"main/internal/bus"
	"main/internal/docstore"
	"main/internal/feed"
	"main/internal/ledger"
	"main/internal/live"
	"main/internal/obs"
	"main/internal/ops"
	"main/internal/schema"
	"main/internal/strategy"
)

func main() {
	configPath := flag.String("config", "configs/trader.yaml", "Path to YAML config")
	metricsInterval := flag.Duration("metrics-interval", time.Minute, "Metrics log interval (0=disable)")
	flag.Parse()

	cfg, err := ops.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	if len(cfg.Strategies) == 0 {
		log.Fatal("no strategies configured")
	}
	if len(cfg.Live.Reference) != 2 {
		log.Fatal("live.reference needs exactly two codes")
	}
	if len(cfg.Feed.Sources) == 0 {
		log.Fatal("feed.sources is empty")
	}

	stopProfiler := startProfiler(cfg.Profile)
	defer stopProfiler()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	metrics := obs.NewMetrics()
	b := bus.New(bus.Config{Lanes: cfg.Bus.Lanes, QueueSize: cfg.Bus.QueueSize, Metrics: metrics})
	if err := b.Start(ctx); err != nil {
		log.Fatalf("start bus failed: %v", err)
	}
	defer b.Close()

	docs, err := docstore.New(cfg.Docs.Dir)
	if err != nil {
		log.Fatalf("open docstore failed: %v", err)
	}

	coordinator := live.New(live.Config{
		Bus:       b,
		Docs:      docs,
		Reference: [2]string{cfg.Live.Reference[0], cfg.Live.Reference[1]},
		BarPeriod: cfg.Live.BarPeriod,
		Lane:      cfg.Live.Lane,
		Metrics:   metrics,
		Risk:      cfg.Risk,
	})

	watched := make(map[string]struct{})
	for _, sc := range cfg.Strategies {
		strat, err := strategy.New(sc.Name, sc.Params, sc.Codes)
		if err != nil {
			log.Fatalf("build strategy %s failed: %v", sc.Name, err)
		}
		account := ledger.New(ledger.Config{
			Broker:      sc.Broker,
			InitialCash: sc.InitialCash,
			CostRate:    sc.CostRate,
			Settlement:  cfg.Backtest.SettlementRule(),
			Metrics:     metrics,
		})
		if err := coordinator.Attach(strat, account, sc.Params); err != nil {
			log.Fatalf("attach strategy %s failed: %v", sc.Name, err)
		}
		for _, code := range sc.Codes {
			watched[code] = struct{}{}
		}
		logs.Infof("attached strategy %s on broker %s (%d codes)", sc.Name, sc.Broker, len(sc.Codes))
	}
	for _, code := range cfg.Live.Reference {
		watched[code] = struct{}{}
	}

	if err := coordinator.Start(); err != nil {
		log.Fatalf("start coordinator failed: %v", err)
	}
	defer coordinator.Stop()

	codes := make([]string, 0, len(watched))
	for code := range watched {
		codes = append(codes, code)
	}
	client, err := feed.New(feed.Config{
		Sources:     cfg.Feed.Sources,
		Codes:       codes,
		Broker:      cfg.Feed.Broker,
		Publish:     b.Publish,
		Metrics:     metrics,
		RotateAfter: cfg.Feed.RotateAfter,
	})
	if err != nil {
		log.Fatalf("build feed failed: %v", err)
	}
	client.Start(ctx)
	defer client.Close()

	if *metricsInterval > 0 {
		go logMetrics(ctx, metrics, *metricsInterval)
	}

	logs.Info("trader running")
	select {
	case <-ctx.Done():
	case <-client.Done():
		logs.Warn("feed stream ended")
	}
	logs.Info("trader shutting down")
}

func logMetrics(ctx context.Context, metrics *obs.Metrics, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := metrics.Snapshot()
			logs.Infof("metrics: ticks=%d orders=%d fills=%d unmatched=%d drops=%d rotations=%d",
				snap.EventCounts[schema.KindMarketTick],
				snap.EventCounts[schema.KindOrderUpdate],
				snap.EventCounts[schema.KindFillUpdate],
				snap.UnmatchedFills,
				snap.LaneDrops,
				snap.FeedRotations)
		}
	}
}

func startProfiler(cfg ops.ProfileConfig) func() {
	if !cfg.Enabled {
		return func() {}
	}
	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: "trader",
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
