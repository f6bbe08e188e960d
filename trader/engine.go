// Package trader runs the per-trader decision cycle: fetch market data, ask
// the AI for intents, validate them against the rule set and execute them on
// the trader's own ledger.
package trader

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"aitrade/decision"
	"aitrade/events"
	"aitrade/ledger"
	"aitrade/market"
	"aitrade/metrics"
	"aitrade/rules"
)

// ErrHalted the trader stopped on a ledger inconsistency and needs Reset
var ErrHalted = errors.New("trader halted")

// Outcome how a cycle ended
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeHalted    Outcome = "halted"
)

// State position in the cycle state machine
type State int32

const (
	StateIdle State = iota
	StateFetchingMarket
	StateDeciding
	StateValidating
	StateExecuting
	StateRecorded
	StateHalted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetchingMarket:
		return "fetching_market"
	case StateDeciding:
		return "deciding"
	case StateValidating:
		return "validating"
	case StateExecuting:
		return "executing"
	case StateRecorded:
		return "recorded"
	case StateHalted:
		return "halted"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config static settings of one trader
type Config struct {
	TraderID        string
	Name            string
	Model           string
	Symbols         []string
	FetchTimeout    time.Duration // bound on the whole market fetch
	MarketHoursOnly bool          // skip cycles outside the regime's session
	TradeWindow     int           // trades shown to the decision engine
}

// Decider produces intents for a cycle (decision.Engine).
type Decider interface {
	Decide(ctx context.Context, in decision.Input) *decision.Decision
}

// Policy validates one intent; rules.Validate by default.
type Policy func(in rules.Intent, acct rules.Account, snap *market.Snapshot, rs rules.RuleSet) (rules.ValidatedOrder, *rules.Rejection)

// CycleResult summary of one RunCycle call
type CycleResult struct {
	TraderID     string            `json:"trader_id"`
	Cycle        int64             `json:"cycle"`
	Outcome      Outcome           `json:"outcome"`
	SkipReason   string            `json:"skip_reason,omitempty"`
	Trades       []ledger.Trade    `json:"trades"`
	Rejections   []RejectionRecord `json:"rejections"`
	ParseFailure bool              `json:"parse_failure"`
	Synthetic    bool              `json:"synthetic"`
	Equity       decimal.Decimal   `json:"equity"`
	StartedAt    time.Time         `json:"started_at"`
	Duration     time.Duration     `json:"duration"`
}

// Status read-only view for the API and the scheduler
type Status struct {
	TraderID    string    `json:"trader_id"`
	Name        string    `json:"trader_name"`
	Model       string    `json:"ai_model"`
	Market      string    `json:"market"`
	State       string    `json:"state"`
	Running     bool      `json:"is_running"`
	Halted      bool      `json:"halted"`
	HaltReason  string    `json:"halt_reason,omitempty"`
	Cycles      int64     `json:"call_count"`
	LastOutcome Outcome   `json:"last_outcome,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	LastCycleAt time.Time `json:"last_cycle_at"`
	StartTime   time.Time `json:"start_time"`
}

// Option configures an Engine
type Option func(*Engine)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithPublisher sets the event sink.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithPolicy replaces the rule validator.
func WithPolicy(p Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// Engine drives one trader. It is the only writer of its ledger.
type Engine struct {
	cfg       Config
	ledger    *ledger.Ledger
	decider   Decider
	provider  market.Provider
	journal   Journal
	publisher events.Publisher
	policy    Policy
	now       func() time.Time
	log       *zap.Logger

	runMu   sync.Mutex // one cycle at a time
	state   atomic.Int32
	running atomic.Bool
	halted  atomic.Bool
	cycle   atomic.Int64

	statusMu    sync.RWMutex
	lastOutcome Outcome
	lastErr     string
	lastCycleAt time.Time
	startTime   time.Time
}

// NewEngine binds an engine to its ledger. A portfolio persisted as halted
// stays halted until Reset.
func NewEngine(cfg Config, l *ledger.Ledger, decider Decider, provider market.Provider, journal Journal, log *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		cfg:       cfg,
		ledger:    l,
		decider:   decider,
		provider:  provider,
		journal:   journal,
		publisher: events.Nop{},
		policy:    rules.Validate,
		now:       time.Now,
		log:       log.Named("trader").With(zap.String("trader_id", cfg.TraderID)),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg.FetchTimeout <= 0 {
		e.cfg.FetchTimeout = 30 * time.Second
	}
	if e.cfg.TradeWindow <= 0 {
		e.cfg.TradeWindow = 10
	}
	e.startTime = e.now()

	if p := l.Snapshot(); p.Halted {
		e.halted.Store(true)
		e.state.Store(int32(StateHalted))
		metrics.Halted.WithLabelValues(cfg.TraderID).Set(1)
	}
	return e
}

// ID trader id.
func (e *Engine) ID() string { return e.cfg.TraderID }

// Name display name.
func (e *Engine) Name() string { return e.cfg.Name }

// Config static settings.
func (e *Engine) Config() Config { return e.cfg }

// Ledger read access for presentation; callers must only use snapshot reads.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// IsFatal reports errors that must stop the trader's schedule.
func IsFatal(err error) bool {
	return errors.Is(err, ledger.ErrLedgerInconsistency) || errors.Is(err, ErrHalted)
}

// RunCycle executes one full cycle. Recoverable problems (no market data,
// provider failures, rule rejections, store hiccups) are contained and the
// cycle still returns a result. Only a ledger inconsistency returns an error,
// after which every call returns ErrHalted until Reset.
func (e *Engine) RunCycle(ctx context.Context) (res *CycleResult, err error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if e.halted.Load() {
		return nil, ErrHalted
	}

	e.running.Store(true)
	defer e.running.Store(false)

	res = &CycleResult{
		TraderID:  e.cfg.TraderID,
		Cycle:     e.cycle.Add(1),
		StartedAt: e.now(),
	}
	log := e.log.With(zap.Int64("cycle", res.Cycle))

	defer func() {
		if r := recover(); r != nil {
			log.Error("cycle panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("cycle %d panicked: %v", res.Cycle, r)
			res = nil
			e.setState(StateIdle)
			e.finish(nil, err)
		}
	}()

	res = e.runCycle(ctx, log, res)
	res.Duration = e.now().Sub(res.StartedAt)

	metrics.CyclesTotal.WithLabelValues(e.cfg.TraderID, string(res.Outcome)).Inc()
	metrics.CycleDuration.WithLabelValues(e.cfg.TraderID).Observe(res.Duration.Seconds())
	e.publisher.Publish(ctx, events.Event{Kind: events.KindCycle, TraderID: e.cfg.TraderID, Cycle: res.Cycle, Time: e.now(), Payload: res})

	if res.Outcome == OutcomeHalted {
		err = fmt.Errorf("trader %s: %w", e.cfg.TraderID, ledger.ErrLedgerInconsistency)
	}
	e.finish(res, err)
	return res, err
}

func (e *Engine) runCycle(ctx context.Context, log *zap.Logger, res *CycleResult) *CycleResult {
	rs := e.ledger.Rules()
	marketName := string(rs.Market)
	now := e.now()

	if _, err := e.ledger.RolloverDay(ctx, market.TradingDay(marketName, now)); err != nil {
		log.Warn("day rollover failed, skipping cycle", zap.Error(err))
		return e.skip(ctx, res, "rollover failed: "+err.Error())
	}
	if e.cfg.MarketHoursOnly && !market.IsOpen(marketName, now) {
		log.Debug("market closed, skipping cycle")
		return e.skip(ctx, res, "market closed")
	}

	// FetchingMarket
	e.setState(StateFetchingMarket)
	snaps := e.fetch(ctx, log)
	if len(snaps) == 0 {
		log.Warn("no market data, skipping cycle")
		return e.skip(ctx, res, "no market data")
	}
	for _, s := range snaps {
		if s.Synthetic {
			res.Synthetic = true
			metrics.SyntheticSnapshots.WithLabelValues(e.cfg.TraderID).Inc()
		}
	}
	e.ledger.MarkToMarket(snaps)

	// Deciding
	e.setState(StateDeciding)
	d := e.decider.Decide(ctx, decision.Input{
		Portfolio:    e.ledger.Snapshot(),
		RecentTrades: e.ledger.RecentTrades(e.cfg.TradeWindow),
		Snapshots:    snaps,
	})
	metrics.DecisionLatency.WithLabelValues(e.cfg.TraderID).Observe(d.Duration.Seconds())
	if d.ParseFailure {
		res.ParseFailure = true
		metrics.ParseFailures.WithLabelValues(e.cfg.TraderID).Inc()
	}

	// Validating / Executing, sells first so their proceeds fund buys
	intents := d.Actionable()
	sort.SliceStable(intents, func(i, j int) bool {
		if intents[i].Side != intents[j].Side {
			return intents[i].Side == rules.SideSell
		}
		return intents[i].Symbol < intents[j].Symbol
	})
	for _, in := range intents {
		ilog := log.With(zap.String("symbol", in.Symbol), zap.String("side", string(in.Side)))

		e.setState(StateValidating)
		snap := snaps[in.Symbol]
		order, rej := e.policy(in, e.ledger.Account(), snap, rs)
		if rej != nil {
			e.reject(ctx, ilog, res, in, snap, rej)
			continue
		}

		e.setState(StateExecuting)
		trade, err := e.ledger.Apply(ctx, order, order.Fee)
		if errors.Is(err, ledger.ErrLedgerInconsistency) {
			ilog.Error("ledger inconsistency, halting trader", zap.Error(err))
			e.halt(ctx, err)
			res.Outcome = OutcomeHalted
			res.SkipReason = err.Error()
			e.recordDecision(ctx, res, d)
			e.publisher.Publish(ctx, events.Event{Kind: events.KindHalt, TraderID: e.cfg.TraderID, Cycle: res.Cycle, Time: e.now(), Payload: err.Error()})
			return res
		}
		if err != nil {
			ilog.Error("trade not committed", zap.Error(err))
			d.Notes = append(d.Notes, fmt.Sprintf("%s: commit failed: %v", in.Symbol, err))
			continue
		}

		res.Trades = append(res.Trades, *trade)
		metrics.TradesTotal.WithLabelValues(e.cfg.TraderID, string(trade.Side)).Inc()
		ilog.Info("trade executed",
			zap.Int64("seq", trade.Seq),
			zap.String("quantity", trade.Quantity.String()),
			zap.String("price", trade.Price.String()),
			zap.String("cash_delta", trade.CashDelta.String()),
			zap.Bool("synthetic", trade.Synthetic))
		e.publisher.Publish(ctx, events.Event{Kind: events.KindTrade, TraderID: e.cfg.TraderID, Cycle: res.Cycle, Time: trade.ExecutedAt, Payload: trade})
	}

	// Recorded
	e.ledger.MarkToMarket(snaps)
	res.Outcome = OutcomeCompleted
	e.recordEquity(ctx, res)
	e.recordDecision(ctx, res, d)
	e.setState(StateRecorded)

	log.Info("cycle completed",
		zap.Int("trades", len(res.Trades)),
		zap.Int("rejections", len(res.Rejections)),
		zap.Bool("parse_failure", res.ParseFailure),
		zap.String("equity", res.Equity.StringFixed(2)))
	return res
}

// fetch snapshots for every configured symbol under one deadline; symbols
// without data are left out.
func (e *Engine) fetch(ctx context.Context, log *zap.Logger) map[string]*market.Snapshot {
	fctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()

	snaps := make(map[string]*market.Snapshot, len(e.cfg.Symbols))
	for _, sym := range e.cfg.Symbols {
		s, err := e.provider.Snapshot(fctx, sym)
		if err != nil {
			log.Warn("market data unavailable", zap.String("symbol", sym), zap.Error(err))
			continue
		}
		snaps[sym] = s
	}
	return snaps
}

func (e *Engine) skip(ctx context.Context, res *CycleResult, reason string) *CycleResult {
	res.Outcome = OutcomeSkipped
	res.SkipReason = reason
	res.Equity = e.ledger.Snapshot().Equity()
	if err := e.journal.RecordDecision(ctx, DecisionRecord{
		TraderID:  e.cfg.TraderID,
		Cycle:     res.Cycle,
		Outcome:   OutcomeSkipped,
		Error:     reason,
		CreatedAt: e.now(),
	}); err != nil {
		e.log.Warn("record skipped cycle", zap.Error(err))
	}
	return res
}

func (e *Engine) reject(ctx context.Context, log *zap.Logger, res *CycleResult, in rules.Intent, snap *market.Snapshot, rej *rules.Rejection) {
	rec := RejectionRecord{
		TraderID:  e.cfg.TraderID,
		Cycle:     res.Cycle,
		Symbol:    in.Symbol,
		Side:      in.Side,
		Quantity:  in.Quantity,
		Reason:    rej.Reason,
		Detail:    rej.Detail,
		CreatedAt: e.now(),
	}
	if snap != nil {
		rec.Price = snap.Price
		rec.Synthetic = snap.Synthetic
	}
	res.Rejections = append(res.Rejections, rec)
	metrics.RejectionsTotal.WithLabelValues(e.cfg.TraderID, string(rej.Reason)).Inc()
	log.Info("intent rejected", zap.String("reason", string(rej.Reason)), zap.String("detail", rej.Detail))

	if err := e.journal.RecordRejection(ctx, rec); err != nil {
		log.Warn("record rejection", zap.Error(err))
	}
	e.publisher.Publish(ctx, events.Event{Kind: events.KindRejection, TraderID: e.cfg.TraderID, Cycle: res.Cycle, Time: rec.CreatedAt, Payload: rec})
}

func (e *Engine) recordEquity(ctx context.Context, res *CycleResult) {
	p := e.ledger.Snapshot()
	res.Equity = p.Equity()
	metrics.Equity.WithLabelValues(e.cfg.TraderID).Set(res.Equity.InexactFloat64())

	if err := e.journal.RecordEquity(ctx, EquityPoint{
		TraderID:      e.cfg.TraderID,
		Cycle:         res.Cycle,
		Cash:          p.Cash,
		PositionValue: p.PositionValue(),
		Liabilities:   p.Liabilities(),
		Equity:        res.Equity,
		RealizedPnL:   p.RealizedPnL,
		UnrealizedPnL: p.UnrealizedPnL(),
		ReturnPct:     p.ReturnPct(),
		Positions:     len(p.Positions),
		CreatedAt:     e.now(),
	}); err != nil {
		e.log.Warn("record equity", zap.Error(err))
	}
}

func (e *Engine) recordDecision(ctx context.Context, res *CycleResult, d *decision.Decision) {
	rec := DecisionRecord{
		TraderID:     e.cfg.TraderID,
		Cycle:        res.Cycle,
		Outcome:      res.Outcome,
		SystemPrompt: d.SystemPrompt,
		UserPrompt:   d.UserPrompt,
		RawResponse:  d.RawResponse,
		Intents:      d.Intents,
		ParseFailure: d.ParseFailure,
		Notes:        d.Notes,
		Executed:     len(res.Trades),
		Rejected:     len(res.Rejections),
		CreatedAt:    e.now(),
	}
	if d.Err != nil {
		rec.Error = d.Err.Error()
	}
	if err := e.journal.RecordDecision(ctx, rec); err != nil {
		e.log.Warn("record decision", zap.Error(err))
	}
}

func (e *Engine) halt(ctx context.Context, cause error) {
	e.halted.Store(true)
	e.setState(StateHalted)
	metrics.Halted.WithLabelValues(e.cfg.TraderID).Set(1)
	if err := e.ledger.MarkHalted(ctx, cause.Error()); err != nil {
		e.log.Error("persist halt", zap.Error(err))
	}
}

// Reset clears a halt after operator intervention and reloads the ledger
// from the store. It waits for any in-flight cycle.
func (e *Engine) Reset(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if err := e.ledger.ClearHalt(ctx); err != nil {
		return fmt.Errorf("clear halt: %w", err)
	}
	if err := e.ledger.Reload(ctx); err != nil {
		return err
	}
	e.halted.Store(false)
	e.setState(StateIdle)
	metrics.Halted.WithLabelValues(e.cfg.TraderID).Set(0)

	e.statusMu.Lock()
	e.lastErr = ""
	e.statusMu.Unlock()

	e.log.Info("trader reset by operator")
	e.publisher.Publish(ctx, events.Event{Kind: events.KindStatus, TraderID: e.cfg.TraderID, Time: e.now(), Payload: e.Status()})
	return nil
}

// Deactivate persists Active=false once the scheduler dropped the trader.
func (e *Engine) Deactivate(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return e.ledger.Deactivate(ctx)
}

// Halted reports whether cycles are refused.
func (e *Engine) Halted() bool { return e.halted.Load() }

// State current state machine position.
func (e *Engine) State() State { return State(e.state.Load()) }

// Status snapshot that never touches ledger write paths.
func (e *Engine) Status() Status {
	p := e.ledger.Snapshot()
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	return Status{
		TraderID:    e.cfg.TraderID,
		Name:        e.cfg.Name,
		Model:       e.cfg.Model,
		Market:      string(p.Market),
		State:       e.State().String(),
		Running:     e.running.Load(),
		Halted:      e.halted.Load(),
		HaltReason:  p.HaltReason,
		Cycles:      e.cycle.Load(),
		LastOutcome: e.lastOutcome,
		LastError:   e.lastErr,
		LastCycleAt: e.lastCycleAt,
		StartTime:   e.startTime,
	}
}

func (e *Engine) setState(s State) {
	if e.halted.Load() && s != StateHalted {
		return
	}
	e.state.Store(int32(s))
}

func (e *Engine) finish(res *CycleResult, err error) {
	if !e.halted.Load() {
		e.state.Store(int32(StateIdle))
	}
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	e.lastCycleAt = e.now()
	if res != nil {
		e.lastOutcome = res.Outcome
	}
	if err != nil {
		e.lastErr = err.Error()
	} else if res != nil && res.Outcome == OutcomeSkipped {
		e.lastErr = res.SkipReason
	} else {
		e.lastErr = ""
	}
}
