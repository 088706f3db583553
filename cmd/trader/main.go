package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"

	"tri_trader/internal/bootstrap"
	"tri_trader/internal/config"
	"tri_trader/internal/core"
	"tri_trader/internal/dispatch"
	"tri_trader/internal/evaluate"
	"tri_trader/internal/execute"
	"tri_trader/internal/ledger"
	"tri_trader/internal/market"
	"tri_trader/internal/reactor"
	"tri_trader/internal/venue"
	"tri_trader/pkg/telemetry"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

const (
	tickerLane  = "ticker"
	utilityLane = "util"

	// Queue priorities, highest first: order placement and cancels preempt
	// the startup/refresh fetch, which preempts the rolling ticker.
	legPriority     = 11
	primePriority   = 10
	tickerPriority  = 5
	utilityPriority = 0
)

func main() {
	configPath := flag.String("config", "configs/trader.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("trader version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	app, err := bootstrap.NewApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bootstrap failed: %v\n", err)
		os.Exit(1)
	}
	if err := run(app); err != nil {
		os.Exit(1)
	}
}

func run(app *bootstrap.App) error {
	cfg := app.Cfg
	logger := app.Logger
	metrics := telemetry.Get()

	logger.Info("starting trader",
		"version", version,
		"paper", cfg.System.Paper,
		"triangle", strings.Join(cfg.Triangle.Assets, "/"))

	assets := make([]core.Asset, len(cfg.Triangle.Assets))
	for i, a := range cfg.Triangle.Assets {
		assets[i] = core.Asset(a)
	}
	pairs := make([]core.Pair, len(cfg.Triangle.Pairs))
	for i, symbol := range cfg.Triangle.Pairs {
		pair, err := core.ParsePair(symbol)
		if err != nil {
			logger.Error("invalid pair symbol", "symbol", symbol, "error", err)
			return err
		}
		pairs[i] = pair
	}

	queue := dispatch.New(dispatch.Config{
		RatePerSecond: cfg.Queue.RatePerSecond,
		PoolWorkers:   cfg.Queue.PoolWorkers,
		PoolCapacity:  cfg.Queue.PoolCapacity,
	}, logger, metrics)
	defer queue.Stop()

	lanes := make(map[core.Asset]string, len(assets))
	for _, asset := range assets {
		lanes[asset] = string(asset)
		if err := queue.AddLane(dispatch.LaneConfig{Name: string(asset), Concurrency: 1}); err != nil {
			return err
		}
	}
	if err := queue.AddLane(dispatch.LaneConfig{Name: utilityLane, Concurrency: 1}); err != nil {
		return err
	}
	if err := queue.AddLane(dispatch.LaneConfig{
		Name:        tickerLane,
		Concurrency: 1,
		MinInterval: cfg.TickerInterval(),
	}); err != nil {
		return err
	}

	exchange, feed, err := buildVenue(cfg, assets, logger)
	if err != nil {
		logger.Error("venue setup failed", "error", err)
		return err
	}

	cache, err := market.NewCache(assets, pairs)
	if err != nil {
		logger.Error("price cache setup failed", "error", err)
		return err
	}
	status := market.NewStatusBoard(assets)
	balances := market.NewBalanceTracker(exchange, queue, utilityLane, assets, logger)
	auditLog := ledger.New(logger, 4096)

	evaluator := evaluate.New(evaluate.Config{
		FeeFactor:        decimal.NewFromInt(1).Sub(decimal.NewFromFloat(cfg.Trading.TakerFee)),
		FullThreshold:    decimal.NewFromFloat(cfg.Trading.FullThreshold),
		PartialThreshold: decimal.NewFromFloat(cfg.Trading.PartialThreshold),
		PartialCap:       decimal.NewFromFloat(cfg.Trading.PartialCap),
		MinNotional:      decimal.NewFromFloat(cfg.Trading.MinNotional),
		ReferenceAsset:   core.Asset(cfg.Trading.ReferenceAsset),
	}, status, logger, metrics)

	deps := reactor.Deps{
		Exchange:    exchange,
		Queue:       queue,
		Cache:       cache,
		Balances:    balances,
		Status:      status,
		Evaluator:   evaluator,
		Ledger:      auditLog,
		Logger:      logger,
		Metrics:     metrics,
		Pairs:       pairs,
		Lanes:       lanes,
		UtilityLane: utilityLane,
		ExecutorConfig: execute.Config{
			PollInterval:       cfg.PollInterval(),
			FillWindow:         cfg.FillWindow(),
			MaxReconcileRounds: cfg.Timing.MaxReconcileRounds,
			LegPriority:        legPriority,
			CallTimeout:        cfg.CallTimeout(),
			SizeScale:          decimal.NewFromFloat(cfg.Trading.SizeScale),
			FeeFactor:          decimal.NewFromInt(1).Sub(decimal.NewFromFloat(cfg.Trading.TakerFee)),
		},
	}
	if feed != nil {
		deps.Quotes = feed.Quotes()
	}

	engine := reactor.New(reactor.Config{
		TickerLane:       tickerLane,
		TickerPriority:   tickerPriority,
		PrimePriority:    primePriority,
		TickerTimeout:    cfg.TickerTimeout(),
		MaxTradesSession: cfg.Trading.MaxTradesSession,
	}, deps)

	runners := []bootstrap.Runner{engine}
	if feed != nil {
		runners = append(runners, feed)
	}
	if cfg.Telemetry.EnableMetrics {
		runners = append(runners, telemetry.NewServer(cfg.Telemetry.MetricsAddr))
	}

	err = app.Run(runners...)
	logger.Info("session finished", "trades_completed", engine.TradesCompleted())
	return err
}

// buildVenue returns the exchange implementation and, in live mode with a
// websocket endpoint configured, the streaming quote feed.
func buildVenue(cfg *config.Config, assets []core.Asset, logger core.Logger) (core.Exchange, *venue.Feed, error) {
	accounts := make(map[string]venue.Credentials, len(cfg.Venue.Accounts))
	for name, acct := range cfg.Venue.Accounts {
		accounts[name] = venue.Credentials{
			Key:    acct.APIKey.FromEnv("TRADER_" + strings.ToUpper(name) + "_API_KEY"),
			Secret: acct.APISecret.FromEnv("TRADER_" + strings.ToUpper(name) + "_API_SECRET"),
		}
	}
	client := venue.NewClient(cfg.Venue.BaseURL, accounts, logger)

	if cfg.System.Paper {
		// Nominal starting balances; real prices, simulated fills.
		seed := make(map[core.Asset]decimal.Decimal, len(assets))
		for _, a := range assets {
			seed[a] = decimal.NewFromInt(1)
		}
		feeFactor := decimal.NewFromInt(1).Sub(decimal.NewFromFloat(cfg.Trading.TakerFee))
		return venue.NewPaper(client, seed, feeFactor), nil, nil
	}

	var feed *venue.Feed
	if cfg.Venue.WsURL != "" {
		feed = venue.NewFeed(cfg.Venue.WsURL, logger)
	}
	return client, feed, nil
}
