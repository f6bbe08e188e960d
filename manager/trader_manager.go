// Package manager owns the set of traders and their schedule.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"aitrade/config"
	"aitrade/decision"
	"aitrade/events"
	"aitrade/ledger"
	"aitrade/market"
	"aitrade/mcp"
	"aitrade/rules"
	"aitrade/trader"
)

// Store persistence needed to build traders
type Store interface {
	ledger.Store
	trader.Journal
}

// Deps collaborators shared by every trader
type Deps struct {
	Store     Store
	Publisher events.Publisher
	Providers map[rules.Market]market.Provider
	Config    *config.Config
	Log       *zap.Logger
}

// NewProviders market data per regime: A-shares are synthetic, crypto reads
// Binance with a synthetic fallback unless configured fully synthetic.
func NewProviders(cfg config.MarketDataConfig, log *zap.Logger) map[rules.Market]market.Provider {
	synthetic := market.NewSyntheticProvider()
	crypto := market.Provider(synthetic)
	if cfg.CryptoSource == "binance" {
		var opts []market.BinanceOption
		if cfg.BinanceBaseURL != "" {
			opts = append(opts, market.WithBaseURL(cfg.BinanceBaseURL))
		}
		crypto = market.NewFallbackProvider(market.NewBinanceProvider(log, opts...), synthetic, log)
	}
	return map[rules.Market]market.Provider{
		rules.MarketAShare: synthetic,
		rules.MarketCrypto: crypto,
	}
}

type managed struct {
	engine   *trader.Engine
	interval time.Duration
}

// TraderManager manages multiple trader instances
type TraderManager struct {
	traders   map[string]*managed // key: trader ID
	mu        sync.RWMutex
	scheduler *Scheduler
	log       *zap.Logger
}

// NewTraderManager creates trader manager
func NewTraderManager(log *zap.Logger, opts ...SchedulerOption) *TraderManager {
	tm := &TraderManager{
		traders: make(map[string]*managed),
		log:     log.Named("manager"),
	}
	opts = append([]SchedulerOption{WithOnDeactivate(tm.persistDeactivation)}, opts...)
	tm.scheduler = NewScheduler(log, opts...)
	return tm
}

// AddTrader builds a trader from its configuration: ledger, AI client,
// decision engine and trading engine.
func (tm *TraderManager) AddTrader(ctx context.Context, cfg config.TraderConfig, deps Deps) error {
	tm.mu.RLock()
	_, exists := tm.traders[cfg.ID]
	tm.mu.RUnlock()
	if exists {
		return fmt.Errorf("trader ID '%s': %w", cfg.ID, ErrTraderExists)
	}

	log := deps.Log
	mk := rules.Market(cfg.Market)
	rs, err := deps.Config.RuleSet(mk)
	if err != nil {
		return err
	}
	provider, ok := deps.Providers[mk]
	if !ok {
		return fmt.Errorf("no market data provider for %s", mk)
	}

	l, err := ledger.Open(ctx, deps.Store, rs, ledger.Seed{
		TraderID:        cfg.ID,
		InitialCapital:  decimal.NewFromFloat(cfg.InitialBalance),
		LeverageCeiling: cfg.MaxLeverage,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}

	client, err := mcp.New(cfg.MCPConfig(), log)
	if err != nil {
		return fmt.Errorf("failed to create AI client: %w", err)
	}

	decOpts := []decision.Option{decision.WithTimeout(time.Duration(cfg.AITimeoutSeconds) * time.Second)}
	if cfg.MaxQuantity > 0 {
		decOpts = append(decOpts, decision.WithMaxQuantity(decimal.NewFromFloat(cfg.MaxQuantity)))
	}
	decider := decision.NewEngine(client, rs, log, decOpts...)

	publisher := deps.Publisher
	if publisher == nil {
		publisher = events.Nop{}
	}
	engine := trader.NewEngine(trader.Config{
		TraderID:        cfg.ID,
		Name:            cfg.Name,
		Model:           client.Model(),
		Symbols:         cfg.Symbols,
		FetchTimeout:    time.Duration(deps.Config.MarketData.FetchTimeoutSeconds) * time.Second,
		MarketHoursOnly: cfg.MarketHoursOnly,
	}, l, decider, provider, deps.Store, log, trader.WithPublisher(publisher))

	if err := tm.Add(engine, cfg.GetScanInterval()); err != nil {
		return err
	}
	tm.log.Info("trader added",
		zap.String("trader_id", cfg.ID),
		zap.String("name", cfg.Name),
		zap.String("ai_model", cfg.AIModel),
		zap.String("market", cfg.Market))
	return nil
}

// Add registers a built engine. Halted or deactivated portfolios are kept
// for reads but not scheduled until ResetTrader.
func (tm *TraderManager) Add(engine *trader.Engine, interval time.Duration) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	id := engine.ID()
	if _, exists := tm.traders[id]; exists {
		return fmt.Errorf("trader ID '%s': %w", id, ErrTraderExists)
	}

	p := engine.Ledger().Snapshot()
	if p.Halted || !p.Active {
		tm.log.Warn("trader not scheduled until reset",
			zap.String("trader_id", id), zap.Bool("halted", p.Halted), zap.Bool("active", p.Active))
	} else if err := tm.scheduler.Register(engine, interval); err != nil {
		return err
	}
	tm.traders[id] = &managed{engine: engine, interval: interval}
	return nil
}

// GetTrader gets trader with specified ID
func (tm *TraderManager) GetTrader(id string) (*trader.Engine, error) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	t, exists := tm.traders[id]
	if !exists {
		return nil, fmt.Errorf("trader ID '%s': %w", id, ErrTraderNotFound)
	}
	return t.engine, nil
}

// GetAllTraders gets all traders
func (tm *TraderManager) GetAllTraders() map[string]*trader.Engine {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	result := make(map[string]*trader.Engine, len(tm.traders))
	for id, t := range tm.traders {
		result[id] = t.engine
	}
	return result
}

// GetTraderIDs gets all trader IDs, sorted
func (tm *TraderManager) GetTraderIDs() []string {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	ids := make([]string, 0, len(tm.traders))
	for id := range tm.traders {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Scheduler access for status listings.
func (tm *TraderManager) Scheduler() *Scheduler { return tm.scheduler }

// StartAll starts all scheduled traders
func (tm *TraderManager) StartAll(ctx context.Context) {
	tm.scheduler.Start(ctx)
}

// StopAll stops all traders, waiting for in-flight cycles
func (tm *TraderManager) StopAll(ctx context.Context) error {
	return tm.scheduler.StopAll(ctx)
}

// Deactivate removes a trader from the schedule; its history stays readable.
func (tm *TraderManager) Deactivate(ctx context.Context, id string) error {
	if _, err := tm.GetTrader(id); err != nil {
		return err
	}
	return tm.scheduler.Deactivate(ctx, id)
}

// ResetTrader clears a halt and schedules the trader again.
func (tm *TraderManager) ResetTrader(ctx context.Context, id string) error {
	tm.mu.RLock()
	t, exists := tm.traders[id]
	tm.mu.RUnlock()
	if !exists {
		return fmt.Errorf("trader ID '%s': %w", id, ErrTraderNotFound)
	}

	if err := t.engine.Reset(ctx); err != nil {
		return err
	}
	if err := tm.scheduler.Register(t.engine, t.interval); err != nil && !errors.Is(err, ErrTraderExists) {
		return err
	}
	return nil
}

func (tm *TraderManager) persistDeactivation(ctx context.Context, id string, cause error) {
	engine, err := tm.GetTrader(id)
	if err != nil {
		return
	}
	if err := engine.Deactivate(ctx); err != nil {
		tm.log.Error("persist deactivation", zap.String("trader_id", id), zap.Error(err))
	}
}

// Standing one leaderboard row
type Standing struct {
	Rank          int     `json:"rank"`
	TraderID      string  `json:"trader_id"`
	TraderName    string  `json:"trader_name"`
	AIModel       string  `json:"ai_model"`
	Market        string  `json:"market"`
	InitialEquity float64 `json:"initial_balance"`
	TotalEquity   float64 `json:"total_equity"`
	TotalPnL      float64 `json:"total_pnl"`
	TotalPnLPct   float64 `json:"total_pnl_pct"`
	FeesPaid      float64 `json:"fees_paid"`
	PositionCount int     `json:"position_count"`
	MarginUsedPct float64 `json:"margin_used_pct"`
	CallCount     int64   `json:"call_count"`
	IsRunning     bool    `json:"is_running"`
	Scheduled     bool    `json:"scheduled"`
	Halted        bool    `json:"halted"`
}

// MarketTotals aggregated view of every trader in one market
type MarketTotals struct {
	Market        string  `json:"market"`
	Traders       int     `json:"traders"`
	InitialEquity float64 `json:"initial_balance"`
	TotalEquity   float64 `json:"total_equity"`
	TotalPnL      float64 `json:"total_pnl"`
	TotalPnLPct   float64 `json:"total_pnl_pct"`
}

// Comparison leaderboard across traders, ranked by return
type Comparison struct {
	Traders []Standing     `json:"traders"`
	Markets []MarketTotals `json:"markets"`
	Count   int            `json:"count"`
}

// GetComparisonData gets comparison data from ledger snapshots only
func (tm *TraderManager) GetComparisonData() Comparison {
	tm.mu.RLock()
	engines := make([]*trader.Engine, 0, len(tm.traders))
	for _, t := range tm.traders {
		engines = append(engines, t.engine)
	}
	tm.mu.RUnlock()

	standings := make([]Standing, 0, len(engines))
	totals := make(map[string]*MarketTotals)
	for _, e := range engines {
		p := e.Ledger().Snapshot()
		status := e.Status()

		equity := p.Equity()
		pnl := equity.Sub(p.InitialCapital)
		var marginUsedPct float64
		if equity.IsPositive() {
			marginUsedPct, _ = p.PositionValue().Div(equity).Mul(decimal.NewFromInt(100)).Float64()
		}
		s := Standing{
			TraderID:      e.ID(),
			TraderName:    e.Name(),
			AIModel:       status.Model,
			Market:        string(p.Market),
			InitialEquity: p.InitialCapital.InexactFloat64(),
			TotalEquity:   equity.InexactFloat64(),
			TotalPnL:      pnl.InexactFloat64(),
			TotalPnLPct:   p.ReturnPct(),
			FeesPaid:      p.FeesPaid.InexactFloat64(),
			PositionCount: len(p.Positions),
			MarginUsedPct: marginUsedPct,
			CallCount:     status.Cycles,
			IsRunning:     status.Running,
			Scheduled:     tm.scheduler.Registered(e.ID()),
			Halted:        status.Halted,
		}
		standings = append(standings, s)

		mt, ok := totals[s.Market]
		if !ok {
			mt = &MarketTotals{Market: s.Market}
			totals[s.Market] = mt
		}
		mt.Traders++
		mt.InitialEquity += s.InitialEquity
		mt.TotalEquity += s.TotalEquity
		mt.TotalPnL += s.TotalPnL
	}

	sort.SliceStable(standings, func(i, j int) bool {
		if standings[i].TotalPnLPct != standings[j].TotalPnLPct {
			return standings[i].TotalPnLPct > standings[j].TotalPnLPct
		}
		return standings[i].TraderID < standings[j].TraderID
	})
	for i := range standings {
		standings[i].Rank = i + 1
	}

	markets := make([]MarketTotals, 0, len(totals))
	for _, mt := range totals {
		if mt.InitialEquity > 0 {
			mt.TotalPnLPct = mt.TotalPnL / mt.InitialEquity * 100
		}
		markets = append(markets, *mt)
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].Market < markets[j].Market })

	return Comparison{Traders: standings, Markets: markets, Count: len(standings)}
}
