package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"solana-yield-agent/internal/api"
	"solana-yield-agent/internal/balance"
	"solana-yield-agent/internal/chain"
	"solana-yield-agent/internal/config"
	"solana-yield-agent/internal/health"
	"solana-yield-agent/internal/ledger"
	"solana-yield-agent/internal/maintenance"
	"solana-yield-agent/internal/notify"
	"solana-yield-agent/internal/prices"
	"solana-yield-agent/internal/queue"
	"solana-yield-agent/internal/ranker"
	"solana-yield-agent/internal/scheduler"
	"solana-yield-agent/internal/storage"
	"solana-yield-agent/internal/strategy"
	"solana-yield-agent/internal/tui"
	"solana-yield-agent/internal/wallet"
)

func main() {
	_ = godotenv.Load()

	configPath := os.Getenv("AGENT_CONFIG")
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	if os.Getenv("HEADLESS") == "1" {
		runHeadless(configPath)
	} else {
		runWithDashboard(configPath)
	}
}

// agent bundles everything main owns so shutdown ordering lives in one
// place.
type agent struct {
	cfg     *config.Manager
	db      *storage.DB
	wallets *wallet.Store
	oracle  *balance.Oracle
	prices  *prices.Cache
	feed    *prices.Feed
	queue   *queue.Queue
	sched   *scheduler.Scheduler
	server  *api.Server
	checker *health.Checker
	jobs    *maintenance.Jobs

	healthCancel context.CancelFunc
}

func buildAgent(configPath string) *agent {
	cfg, err := config.NewManager(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
	}
	c := cfg.Get()

	secret := cfg.GetStoreSecret()
	if secret == "" {
		log.Fatal().Str("env", c.Wallets.StoreSecretEnv).Msg("wallet store secret is not set")
	}

	db, err := storage.NewDB(c.Storage.SQLitePath)
	if err != nil {
		log.Fatal().Err(err).Str("path", c.Storage.SQLitePath).Msg("failed to open database")
	}
	if err := db.Ping(); err != nil {
		log.Fatal().Err(err).Msg("database unreachable")
	}

	wallets, err := wallet.NewStore(db, c.Wallets.Dir, secret, c.Wallets.MnemonicWords)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open wallet store")
	}
	// Decrypt handles up front so no first-request latency is paid
	// mid-cycle.
	if err := wallets.LoadAll(); err != nil {
		log.Fatal().Err(err).Msg("failed to load wallets")
	}

	rpc := chain.NewClient(cfg.GetPrimaryRPCURL(), cfg.GetFallbackRPCURL(), "")
	gate := chain.NewGate(c.RPC.RequestsPerSecond, c.RPC.Burst)

	var snapDB *storage.DB
	if c.Balances.PersistSnapshots {
		snapDB = db
	}
	oracle := balance.NewOracle(rpc, gate, wallets, snapDB, cfg.GetBalanceTTL(), c.Balances.BatchSize, c.Balances.BatchWorkers)
	if err := oracle.LoadSnapshots(); err != nil {
		log.Warn().Err(err).Msg("could not restore balance snapshots")
	}

	priceCache := prices.NewCache(c.Prices.CacheSize, cfg.GetPriceCacheTTL())
	feed := prices.NewFeed(cfg.GetPricesWSURL(), priceCache,
		time.Duration(c.Prices.ReconnectDelayMs)*time.Millisecond,
		time.Duration(c.Prices.PingIntervalMs)*time.Millisecond)

	led := ledger.New(db)

	notifier := buildNotifier(c, db)

	q := queue.New(rpc, wallets, oracle, gate, led, notifier, queue.Config{
		Size:           c.Queue.Size,
		ConfirmTimeout: cfg.GetConfirmTimeout(),
		PollInterval:   time.Duration(c.Queue.PollIntervalMs) * time.Millisecond,
		DrainTimeout:   time.Duration(c.Queue.DrainTimeoutSeconds) * time.Second,
		Retention:      time.Duration(c.Queue.RetentionSeconds) * time.Second,
	})

	// Strategy plug-ins link in here; the engine runs fine with none
	// registered and simply scans an empty set.
	strategies := []strategy.Strategy{}
	scanner := strategy.NewScanner(strategies, db)

	engine := ranker.NewClient(c.Engine.BaseURL, cfg.GetEngineAPIKey(),
		time.Duration(c.Engine.TimeoutSeconds)*time.Second, c.Engine.LocalFallback)

	sched := scheduler.New(wallets, oracle, scanner, engine, q, notifier, priceCache, gate.Throttled(), schedulerConfig(cfg))
	cfg.SetOnChange(func(updated *config.Config) {
		sched.UpdateConfig(schedulerConfig(cfg))
	})

	checker := health.NewChecker([]health.Probe{
		{Name: "database", Check: func(ctx context.Context) error { return db.Ping() }},
		{Name: "rpc", Check: func(ctx context.Context) error {
			if rpc.LatencyMs() < 0 {
				return fmt.Errorf("rpc unreachable")
			}
			return nil
		}},
		{Name: "scheduler", Check: func(ctx context.Context) error {
			if sched.State() == scheduler.StateStopped {
				return fmt.Errorf("scheduler stopped")
			}
			return nil
		}},
	}, 10*time.Second)

	server := api.NewServer(c.API.ListenHost, c.API.ListenPort, wallets, oracle, led, db, checker, api.Providers{
		Scheduler: sched.Stats,
		Queue:     q.Stats,
		Gate:      gate.Stats,
		Balances:  oracle.Stats,
		Prices:    priceCache.Stats,
		Ledger:    led.Stats,
		Tx:        rpc.CheckTransaction,
	})

	jobs := maintenance.New(q, db, db)

	return &agent{
		cfg:     cfg,
		db:      db,
		wallets: wallets,
		oracle:  oracle,
		prices:  priceCache,
		feed:    feed,
		queue:   q,
		sched:   sched,
		server:  server,
		checker: checker,
		jobs:    jobs,
	}
}

func buildNotifier(c *config.Config, db *storage.DB) notify.Notifier {
	sinks := []notify.Notifier{notify.LogNotifier{}}
	if c.Notify.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookNotifier(c.Notify.WebhookURL,
			time.Duration(c.Notify.TimeoutSeconds)*time.Second))
	}
	return notify.NewFilter(notify.NewFanout(sinks...), db)
}

func schedulerConfig(cfg *config.Manager) scheduler.Config {
	c := cfg.Get()
	return scheduler.Config{
		ScanInterval:     cfg.GetScanInterval(),
		MinInterval:      cfg.GetMinInterval(),
		MinLamports:      cfg.GetMinTradingBalance(),
		StaggerThreshold: c.Scheduler.StaggerThreshold,
		StaggerWindow:    cfg.GetStaggerWindow(),
		EmptyThreshold:   c.Scheduler.EmptyScanThreshold,
		EmptyExtra:       time.Duration(c.Scheduler.EmptyScanExtraSecs) * time.Second,
		RateLimitBackoff: c.Scheduler.RateLimitBackoff,
		ScanWorkers:      c.Scheduler.ScanWorkers,
	}
}

// start brings components up in dependency order.
func (a *agent) start() {
	if err := a.feed.Start(); err != nil {
		log.Warn().Err(err).Msg("price feed unavailable, scans rely on loader fetches")
	}

	healthCtx, cancel := context.WithCancel(context.Background())
	a.healthCancel = cancel
	a.checker.Start(healthCtx)

	if err := a.jobs.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to schedule maintenance")
	}

	a.queue.Start()
	a.sched.Start()

	go func() {
		if err := a.server.Start(); err != nil {
			log.Fatal().Err(err).Msg("command API failed")
		}
	}()

	log.Info().Int("wallets", a.wallets.Count()).Msg("agent running")
}

// shutdown drains in reverse order: no new cycles, then no new trades,
// then flush state.
func (a *agent) shutdown() {
	log.Info().Msg("shutting down...")

	a.sched.Stop()
	a.queue.Stop()
	a.feed.Stop()
	a.jobs.Stop()
	if a.healthCancel != nil {
		a.healthCancel()
	}
	a.server.Shutdown()

	if err := a.oracle.SaveSnapshots(); err != nil {
		log.Error().Err(err).Msg("failed to persist balance snapshots")
	}
	if err := a.db.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close database")
	}

	log.Info().Msg("goodbye")
}

func runHeadless(configPath string) {
	setupLogger()
	log.Info().Msg("solana-yield-agent starting (headless)")

	a := buildAgent(configPath)
	a.start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	a.shutdown()
}

func runWithDashboard(configPath string) {
	// Logs go to a file so they don't fight the dashboard for the
	// terminal.
	logFile, err := os.OpenFile("data/agent.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err == nil {
		log.Logger = zerolog.New(logFile).With().Timestamp().Logger()
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	} else {
		log.Logger = zerolog.Nop()
	}

	a := buildAgent(configPath)
	a.start()

	c := a.cfg.Get()
	baseURL := fmt.Sprintf("http://%s:%d", c.API.ListenHost, c.API.ListenPort)
	model := tui.NewModel(baseURL, time.Duration(c.TUI.RefreshRateMs)*time.Millisecond)

	p := tea.NewProgram(model, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "dashboard error: %v\n", err)
	}

	a.shutdown()
}

func setupLogger() {
	log.Logger = zerolog.New(
		zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"},
	).With().Timestamp().Logger()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "1" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}
