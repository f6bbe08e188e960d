// Package api serves read-only trader views, the leaderboard, operator
// controls, the event stream and Prometheus metrics over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"aitrade/ledger"
	"aitrade/manager"
	"aitrade/report"
	"aitrade/trader"
)

// History read access to the persisted trader history
type History interface {
	ListTrades(ctx context.Context, traderID string, limit int) ([]ledger.Trade, error)
	ListRejections(ctx context.Context, traderID string, limit int) ([]trader.RejectionRecord, error)
	ListDecisions(ctx context.Context, traderID string, limit int) ([]trader.DecisionRecord, error)
	ListEquity(ctx context.Context, traderID string, limit int) ([]trader.EquityPoint, error)
}

const defaultLimit = 100

// Server HTTP API server
type Server struct {
	router        *gin.Engine
	traderManager *manager.TraderManager
	history       History
	stream        http.Handler
	port          int
	log           *zap.Logger
	httpServer    *http.Server
}

// NewServer creates API server. stream serves /ws and may be nil.
func NewServer(traderManager *manager.TraderManager, history History, stream http.Handler, port int, log *zap.Logger) *Server {
	// Set to Release mode (reduces log output)
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		router:        router,
		traderManager: traderManager,
		history:       history,
		stream:        stream,
		port:          port,
		log:           log.Named("api"),
	}

	router.Use(s.requestLogger())
	// Enable CORS
	router.Use(corsMiddleware())

	s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client", c.ClientIP()))
	}
}

// corsMiddleware CORS middleware
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Cache-Control")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusOK)
			return
		}

		c.Next()
	}
}

// setupRoutes sets up routes
func (s *Server) setupRoutes() {
	s.router.Any("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if s.stream != nil {
		s.router.GET("/ws", gin.WrapH(s.stream))
	}

	api := s.router.Group("/api")
	{
		// Competition overview and aggregated view
		api.GET("/competition", s.handleCompetition)
		api.GET("/portfolio", s.handlePortfolio)
		api.GET("/traders", s.handleTraderList)
		api.GET("/scheduler", s.handleScheduler)

		// Trader-specific data (use query parameter ?trader_id=xxx)
		api.GET("/status", s.handleStatus)
		api.GET("/account", s.handleAccount)
		api.GET("/positions", s.handlePositions)
		api.GET("/trades", s.handleTrades)
		api.GET("/rejections", s.handleRejections)
		api.GET("/decisions", s.handleDecisions)
		api.GET("/decisions/latest", s.handleLatestDecision)
		api.GET("/equity-history", s.handleEquityHistory)
		api.GET("/statistics", s.handleStatistics)

		// Operator controls
		api.POST("/traders/:id/reset", s.handleReset)
		api.POST("/traders/:id/deactivate", s.handleDeactivate)
	}

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": fmt.Sprintf("route not found: %s %s", c.Request.Method, c.Request.URL.Path),
		})
	})
}

// handleHealth health check
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"time":    time.Now().UTC(),
		"traders": len(s.traderManager.GetTraderIDs()),
	})
}

// traderFromQuery resolves ?trader_id, defaulting to the first trader.
// It writes the error response itself.
func (s *Server) traderFromQuery(c *gin.Context) (*trader.Engine, bool) {
	traderID := c.Query("trader_id")
	if traderID == "" {
		ids := s.traderManager.GetTraderIDs()
		if len(ids) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "no available trader"})
			return nil, false
		}
		traderID = ids[0]
	}
	t, err := s.traderManager.GetTrader(traderID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return nil, false
	}
	return t, true
}

func limitFrom(c *gin.Context) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return n, nil
}

// handleCompetition leaderboard ranked by return
func (s *Server) handleCompetition(c *gin.Context) {
	c.JSON(http.StatusOK, s.traderManager.GetComparisonData())
}

// handlePortfolio per-market totals across every trader
func (s *Server) handlePortfolio(c *gin.Context) {
	cmp := s.traderManager.GetComparisonData()
	c.JSON(http.StatusOK, gin.H{"markets": cmp.Markets, "count": cmp.Count})
}

func (s *Server) handleTraderList(c *gin.Context) {
	ids := s.traderManager.GetTraderIDs()
	result := make([]trader.Status, 0, len(ids))
	for _, id := range ids {
		t, err := s.traderManager.GetTrader(id)
		if err != nil {
			continue
		}
		result = append(result, t.Status())
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleScheduler(c *gin.Context) {
	c.JSON(http.StatusOK, s.traderManager.Scheduler().Entries())
}

// handleStatus system status
func (s *Server) handleStatus(c *gin.Context) {
	t, ok := s.traderFromQuery(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, t.Status())
}

// AccountView portfolio snapshot with derived values
type AccountView struct {
	TraderID        string          `json:"trader_id"`
	Market          string          `json:"market"`
	Cash            decimal.Decimal `json:"cash"`
	InitialCapital  decimal.Decimal `json:"initial_capital"`
	PositionValue   decimal.Decimal `json:"position_value"`
	Liabilities     decimal.Decimal `json:"liabilities"`
	TotalEquity     decimal.Decimal `json:"total_equity"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL   decimal.Decimal `json:"unrealized_pnl"`
	FeesPaid        decimal.Decimal `json:"fees_paid"`
	TotalPnLPct     float64         `json:"total_pnl_pct"`
	PositionCount   int             `json:"position_count"`
	LeverageCeiling int             `json:"leverage_ceiling"`
	TradingDay      string          `json:"trading_day"`
	Active          bool            `json:"active"`
	Halted          bool            `json:"halted"`
	HaltReason      string          `json:"halt_reason,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// handleAccount account information
func (s *Server) handleAccount(c *gin.Context) {
	t, ok := s.traderFromQuery(c)
	if !ok {
		return
	}
	p := t.Ledger().Snapshot()
	c.JSON(http.StatusOK, AccountView{
		TraderID:        p.TraderID,
		Market:          string(p.Market),
		Cash:            p.Cash,
		InitialCapital:  p.InitialCapital,
		PositionValue:   p.PositionValue(),
		Liabilities:     p.Liabilities(),
		TotalEquity:     p.Equity(),
		RealizedPnL:     p.RealizedPnL,
		UnrealizedPnL:   p.UnrealizedPnL(),
		FeesPaid:        p.FeesPaid,
		TotalPnLPct:     p.ReturnPct(),
		PositionCount:   len(p.Positions),
		LeverageCeiling: p.LeverageCeiling,
		TradingDay:      p.TradingDay,
		Active:          p.Active,
		Halted:          p.Halted,
		HaltReason:      p.HaltReason,
		UpdatedAt:       p.UpdatedAt,
	})
}

// PositionView position with its sellable quantity
type PositionView struct {
	ledger.Position
	Sellable    decimal.Decimal `json:"sellable"`
	MarketValue decimal.Decimal `json:"market_value"`
}

func (s *Server) handlePositions(c *gin.Context) {
	t, ok := s.traderFromQuery(c)
	if !ok {
		return
	}
	p := t.Ledger().Snapshot()
	positions := p.SortedPositions()
	result := make([]PositionView, 0, len(positions))
	for _, pos := range positions {
		result = append(result, PositionView{Position: pos, Sellable: pos.Sellable(), MarketValue: pos.MarketValue()})
	}
	c.JSON(http.StatusOK, result)
}

// listHandler serves one history list for the trader in ?trader_id.
func listHandler[T any](s *Server, what string, list func(ctx context.Context, traderID string, limit int) ([]T, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, ok := s.traderFromQuery(c)
		if !ok {
			return
		}
		limit, err := limitFrom(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		items, err := list(c.Request.Context(), t.ID(), limit)
		if err != nil {
			s.log.Error("list "+what, zap.String("trader_id", t.ID()), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to get %s: %v", what, err)})
			return
		}
		if items == nil {
			items = []T{}
		}
		c.JSON(http.StatusOK, items)
	}
}

func (s *Server) handleTrades(c *gin.Context) {
	listHandler(s, "trades", s.history.ListTrades)(c)
}

func (s *Server) handleRejections(c *gin.Context) {
	listHandler(s, "rejections", s.history.ListRejections)(c)
}

func (s *Server) handleDecisions(c *gin.Context) {
	listHandler(s, "decision logs", s.history.ListDecisions)(c)
}

func (s *Server) handleEquityHistory(c *gin.Context) {
	listHandler(s, "equity history", s.history.ListEquity)(c)
}

// handleLatestDecision most recent decision record
func (s *Server) handleLatestDecision(c *gin.Context) {
	t, ok := s.traderFromQuery(c)
	if !ok {
		return
	}
	records, err := s.history.ListDecisions(c.Request.Context(), t.ID(), 1)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to get decision logs: %v", err)})
		return
	}
	if len(records) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no decisions yet"})
		return
	}
	c.JSON(http.StatusOK, records[0])
}

// handleStatistics performance summary over the full history
func (s *Server) handleStatistics(c *gin.Context) {
	t, ok := s.traderFromQuery(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	trades, err := s.history.ListTrades(ctx, t.ID(), 0)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to get trades: %v", err)})
		return
	}
	equity, err := s.history.ListEquity(ctx, t.ID(), 0)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to get equity history: %v", err)})
		return
	}
	c.JSON(http.StatusOK, report.Summarize(t.Ledger().Snapshot(), trades, equity))
}

// handleReset operator clears a halt and reschedules the trader
func (s *Server) handleReset(c *gin.Context) {
	id := c.Param("id")
	if err := s.traderManager.ResetTrader(c.Request.Context(), id); err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	s.log.Info("trader reset", zap.String("trader_id", id))
	t, _ := s.traderManager.GetTrader(id)
	c.JSON(http.StatusOK, gin.H{"success": true, "status": t.Status()})
}

// handleDeactivate operator removes the trader from the schedule
func (s *Server) handleDeactivate(c *gin.Context) {
	id := c.Param("id")
	if err := s.traderManager.Deactivate(c.Request.Context(), id); err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	s.log.Info("trader deactivated", zap.String("trader_id", id))
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func statusOf(err error) int {
	if errors.Is(err, manager.ErrTraderNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// Start starts the server and blocks until Shutdown
func (s *Server) Start() error {
	addr := s.httpServer.Addr
	s.log.Info("API server started", zap.String("addr", "http://localhost"+addr))
	s.log.Info("API documentation",
		zap.Strings("endpoints", []string{
			"GET  /api/competition",
			"GET  /api/portfolio",
			"GET  /api/traders",
			"GET  /api/scheduler",
			"GET  /api/status?trader_id=xxx",
			"GET  /api/account?trader_id=xxx",
			"GET  /api/positions?trader_id=xxx",
			"GET  /api/trades?trader_id=xxx&limit=n",
			"GET  /api/rejections?trader_id=xxx&limit=n",
			"GET  /api/decisions?trader_id=xxx&limit=n",
			"GET  /api/decisions/latest?trader_id=xxx",
			"GET  /api/equity-history?trader_id=xxx&limit=n",
			"GET  /api/statistics?trader_id=xxx",
			"POST /api/traders/:id/reset",
			"POST /api/traders/:id/deactivate",
			"GET  /ws?trader_id=xxx",
			"GET  /metrics",
			"GET  /health",
		}))

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and drains open ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
