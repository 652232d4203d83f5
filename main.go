package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"defiflow/adapter"
	"defiflow/adapter/aave"
	"defiflow/adapter/compound"
	"defiflow/adapter/manual"
	"defiflow/adapter/uniswap"
	"defiflow/aggregator"
	"defiflow/analytics"
	"defiflow/config"
	"defiflow/internal/chain"
	"defiflow/internal/metrics"
	"defiflow/internal/resilience"
	"defiflow/logger"
	"defiflow/optimizer"
	"defiflow/oracle"
	"defiflow/performance"
	"defiflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Defiflow.Name,
		"version": cfg.Defiflow.Version,
	}).Info("starting defiflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}
	if cfg.Storage.S3.Region != "" && cfg.Logging.DashboardName != "" {
		logger.InitCloudWatch(cfg.Storage.S3.Region, "Defiflow", cfg.Logging.DashboardName)
	}
	if cfg.Metrics.Enabled {
		metrics.Init(cfg.Metrics.Listen)
	}

	demoMode := cfg.Chain.RPCURL == ""
	if demoMode {
		if env := config.AppEnvironment(); config.IsProductionLike(env) {
			log.WithComponent("main").WithFields(logger.Fields{"env": env}).Error("RPC endpoint is required outside development")
			os.Exit(1)
		}
		log.WithComponent("main").Warn("no RPC endpoint configured, serving demo data")
	}

	breakers := resilience.NewRegistry(
		cfg.Resilience.FailureThreshold,
		cfg.Resilience.FailureWindow,
		cfg.Resilience.RecoveryTimeout,
	)

	priceOracle := oracle.NewClient(cfg.Oracle)
	if stream := priceOracle.Stream(); stream != nil {
		stream.Start(ctx)
	}

	adapters := buildAdapters(ctx, cfg, priceOracle, breakers, demoMode, log)

	agg := aggregator.New(adapters, cfg.Aggregator.MinPositionValue, cfg.Aggregator.AdapterTimeout, demoMode)
	tracker := performance.NewTracker()
	engine := optimizer.New(cfg.Optimizer)

	var snapshotWriter *writer.SnapshotWriter
	if cfg.Storage.S3.Enabled {
		snapshotWriter, err = writer.NewSnapshotWriter(cfg)
		if err != nil {
			log.WithError(err).Error("failed to create snapshot writer")
			os.Exit(1)
		}
		if err := snapshotWriter.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start snapshot writer")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("S3 storage disabled; snapshots stay in memory")
	}

	var wg sync.WaitGroup
	for _, wallet := range cfg.Aggregator.Wallets {
		wg.Add(1)
		go func(w string) {
			defer wg.Done()
			runWalletWorker(ctx, cfg, w, agg, tracker, engine, snapshotWriter, log)
		}(wallet)
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	if snapshotWriter != nil {
		log.Info("stopping snapshot writer")
		snapshotWriter.Stop()
	}
	if stream := priceOracle.Stream(); stream != nil {
		log.Info("stopping price stream")
		stream.Stop()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("defiflow stopped")
}

// buildAdapters wires the enabled protocol adapters. On-chain adapters are
// skipped in demo mode since the aggregator never calls them there.
func buildAdapters(ctx context.Context, cfg *config.Config, priceOracle *oracle.Client, breakers *resilience.Registry, demoMode bool, log *logger.Log) []adapter.Adapter {
	var adapters []adapter.Adapter

	if !demoMode {
		caller, err := chain.Dial(ctx, cfg.Chain.RPCURL)
		if err != nil {
			log.WithError(err).Error("failed to connect to RPC endpoint")
			os.Exit(1)
		}
		tokens := chain.NewTokenCache(caller)
		minValue := cfg.Aggregator.MinPositionValue

		if cfg.Adapters.Aave.Enabled {
			adapters = append(adapters, aave.New(caller, tokens, priceOracle, breakers, cfg.Adapters.Aave.Pool, cfg.Chain.Network, minValue))
		}
		if cfg.Adapters.Compound.Enabled {
			adapters = append(adapters, compound.New(caller, tokens, priceOracle, breakers, cfg.Adapters.Compound.Markets, cfg.Chain.Network, minValue))
		}
		if cfg.Adapters.Uniswap.Enabled {
			adapters = append(adapters, uniswap.New(caller, tokens, priceOracle, breakers, cfg.Adapters.Uniswap.PositionManager, cfg.Adapters.Uniswap.Factory, cfg.Chain.Network, minValue))
		}
	}

	if cfg.Adapters.Manual.Enabled && cfg.Adapters.Manual.File != "" {
		adapters = append(adapters, manual.New(manual.NewFileStore(cfg.Adapters.Manual.File), cfg.Aggregator.MinPositionValue))
	}

	log.WithComponent("main").WithFields(logger.Fields{
		"adapters": len(adapters),
		"demo":     demoMode,
	}).Info("adapters initialized")
	return adapters
}

// runWalletWorker refreshes one wallet on the configured interval: aggregate,
// analyze, track performance, evaluate optimizations and archive a snapshot.
func runWalletWorker(ctx context.Context, cfg *config.Config, wallet string, agg *aggregator.Aggregator, tracker *performance.Tracker, engine *optimizer.Engine, snapshotWriter *writer.SnapshotWriter, log *logger.Log) {
	wlog := log.WithComponent("refresh").WithFields(logger.Fields{"wallet": wallet})
	wlog.Info("starting wallet worker")

	ticker := time.NewTicker(cfg.Aggregator.RefreshInterval)
	defer ticker.Stop()

	refresh := func() {
		response := agg.Aggregate(ctx, wallet)
		analysis := analytics.Analyze(wallet, response.Positions, cfg.Analytics, response.UsingMockData)
		performances := tracker.Record(wallet, response.Positions)
		suggestions := engine.Evaluate(response.Positions, analysis.Metrics)

		fields := logger.Fields{
			"positions":   len(response.Positions),
			"total_value": response.Summary.TotalValue,
			"risk_score":  analysis.Metrics.RiskScore,
			"suggestions": len(suggestions),
			"tracked":     len(performances),
		}
		if abs, pct, ok := tracker.DailyChange(wallet); ok {
			fields["daily_change"] = abs
			fields["daily_change_pct"] = pct
		}
		wlog.WithFields(fields).Info("wallet refreshed")

		if snapshotWriter != nil && cfg.Performance.ArchiveSnapshots {
			if snaps := tracker.Snapshots(wallet); len(snaps) > 0 {
				snapshotWriter.Send(snaps[len(snaps)-1])
			}
		}
	}

	refresh()
	for {
		select {
		case <-ctx.Done():
			wlog.Info("wallet worker stopped")
			return
		case <-ticker.C:
			refresh()
		}
	}
}
