package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"aitrade/api"
	"aitrade/config"
	"aitrade/events"
	"aitrade/logger"
	"aitrade/manager"
	"aitrade/store"
)

func main() {
	fmt.Println("╔════════════════════════════════════════════════════════════╗")
	fmt.Println("║        🤖 AI Trading Simulation: A-Shares & Crypto         ║")
	fmt.Println("╚════════════════════════════════════════════════════════════╝")
	fmt.Println()

	// Load configuration file
	configFile := "config.json"
	if len(os.Args) > 1 {
		configFile = os.Args[1]
	}

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		log.Fatalf("❌ Failed to load configuration: %v", err)
	}

	zl, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("❌ Failed to build logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	if err := run(cfg, zl); err != nil {
		zl.Error("shutdown with error", zap.Error(err))
		_ = zl.Sync()
		os.Exit(1)
	}
	fmt.Println()
	fmt.Println("👋 Thank you for using the AI Trading Simulation!")
}

func run(cfg *config.Config, zl *zap.Logger) error {
	zl.Info("configuration loaded", zap.Int("traders", len(cfg.Traders)))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Database, zl)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	// Event fan-out: websocket clients always, NATS when configured
	hub := events.NewHub(zl)
	publishers := events.Multi{hub, events.Logging{Log: zl.Named("events")}}
	if cfg.NATSURL != "" {
		np, err := events.ConnectNATS(cfg.NATSURL, zl)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer np.Close()
		publishers = append(publishers, np)
	}

	traderManager := manager.NewTraderManager(zl)
	deps := manager.Deps{
		Store:     st,
		Publisher: publishers,
		Providers: manager.NewProviders(cfg.MarketData, zl),
		Config:    cfg,
		Log:       zl,
	}

	// Add all enabled traders
	enabledCount := 0
	for i, traderCfg := range cfg.Traders {
		if !traderCfg.Enabled {
			zl.Info("skipping disabled trader", zap.String("trader_id", traderCfg.ID))
			continue
		}
		enabledCount++
		zl.Info(fmt.Sprintf("📦 [%d/%d] initializing %s (%s model, %s)",
			i+1, len(cfg.Traders), traderCfg.Name, strings.ToUpper(traderCfg.AIModel), traderCfg.Market))
		if err := traderManager.AddTrader(ctx, traderCfg, deps); err != nil {
			return fmt.Errorf("initialize trader %s: %w", traderCfg.ID, err)
		}
	}
	if enabledCount == 0 {
		return fmt.Errorf("no enabled traders found, set at least one trader's enabled=true")
	}

	fmt.Println()
	fmt.Println("🏁 Competition Participants:")
	for _, traderCfg := range cfg.Traders {
		if !traderCfg.Enabled {
			continue
		}
		fmt.Printf("  • %s (%s, %s) - Initial Capital: %.0f, every %s\n",
			traderCfg.Name, strings.ToUpper(traderCfg.AIModel), traderCfg.Market, traderCfg.InitialBalance, traderCfg.GetScanInterval())
	}
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println(strings.Repeat("=", 60))
	fmt.Println()

	apiServer := api.NewServer(traderManager, st, hub, cfg.APIServerPort, zl)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- apiServer.Start()
	}()

	// in-flight cycles finish on shutdown; StopAll waits for them
	traderManager.StartAll(context.WithoutCancel(ctx))

	// Wait for shutdown signal or a dead API server
	select {
	case <-ctx.Done():
		zl.Info("📛 received shutdown signal, stopping all traders...")
	case err := <-serverErr:
		if err != nil {
			zl.Error("API server error", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		zl.Warn("API server shutdown", zap.Error(err))
	}
	return traderManager.StopAll(shutdownCtx)
}
