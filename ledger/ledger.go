// Package ledger owns the authoritative portfolio of a single trader.
// Only the trader's engine writes to it; everyone else reads snapshots.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"aitrade/market"
	"aitrade/rules"
)

// Seed initial portfolio parameters used when the store has none
type Seed struct {
	TraderID        string
	InitialCapital  decimal.Decimal
	LeverageCeiling int
}

// Option configures a Ledger
type Option func(*Ledger)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithTradeWindow sets how many recent trades are kept in memory.
func WithTradeWindow(n int) Option {
	return func(l *Ledger) { l.window = n }
}

// Ledger single-writer portfolio ledger
type Ledger struct {
	mu     sync.RWMutex
	p      *Portfolio
	recent []Trade

	store  Store
	rules  rules.RuleSet
	log    *zap.Logger
	now    func() time.Time
	window int
}

// Open loads the trader's portfolio, creating it from seed on first use.
func Open(ctx context.Context, store Store, rs rules.RuleSet, seed Seed, log *zap.Logger, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		store:  store,
		rules:  rs,
		log:    log.Named("ledger").With(zap.String("trader_id", seed.TraderID)),
		now:    time.Now,
		window: 50,
	}
	for _, opt := range opts {
		opt(l)
	}

	p, err := store.LoadPortfolio(ctx, seed.TraderID)
	switch {
	case errors.Is(err, ErrPortfolioNotFound):
		p = l.newPortfolio(seed)
		if err := store.SavePortfolio(ctx, p); err != nil {
			return nil, fmt.Errorf("create portfolio %s: %w", seed.TraderID, err)
		}
		l.log.Info("portfolio created", zap.String("capital", p.Cash.String()), zap.String("market", string(rs.Market)))
	case err != nil:
		return nil, fmt.Errorf("load portfolio %s: %w", seed.TraderID, err)
	default:
		if p.Market != rs.Market {
			return nil, fmt.Errorf("portfolio %s is %s, configured for %s", seed.TraderID, p.Market, rs.Market)
		}
		if seed.LeverageCeiling > 0 {
			p.LeverageCeiling = seed.LeverageCeiling
		}
	}

	trades, err := store.ListTrades(ctx, seed.TraderID, l.window)
	if err != nil {
		return nil, fmt.Errorf("load trades %s: %w", seed.TraderID, err)
	}
	l.p = p
	l.recent = trades
	return l, nil
}

func (l *Ledger) newPortfolio(seed Seed) *Portfolio {
	now := l.now()
	ceiling := seed.LeverageCeiling
	if ceiling < 1 || l.rules.MaxLeverage == 1 {
		ceiling = 1
	}
	return &Portfolio{
		TraderID:        seed.TraderID,
		Market:          l.rules.Market,
		Cash:            seed.InitialCapital,
		InitialCapital:  seed.InitialCapital,
		RealizedPnL:     decimal.Zero,
		FeesPaid:        decimal.Zero,
		LeverageCeiling: ceiling,
		TradingDay:      market.TradingDay(string(l.rules.Market), now),
		NextSeq:         1,
		Active:          true,
		Positions:       make(map[string]*Position),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Apply executes a validated order. The new state is built on a copy,
// checked against the portfolio invariants, committed to the store, and
// only then becomes visible. A store failure leaves the ledger untouched;
// an invariant violation returns ErrLedgerInconsistency.
func (l *Ledger) Apply(ctx context.Context, order rules.ValidatedOrder, fee rules.Fee) (*Trade, error) {
	l.mu.RLock()
	next := l.p.Clone()
	l.mu.RUnlock()

	now := l.now()
	trade, err := l.execute(next, order, fee, now)
	if err != nil {
		return nil, err
	}
	if err := l.checkInvariants(next); err != nil {
		return nil, fmt.Errorf("%w: after %s %s %s: %v", ErrLedgerInconsistency, order.Side, order.Quantity, order.Symbol, err)
	}

	if err := l.store.CommitTrade(ctx, next, trade); err != nil {
		return nil, fmt.Errorf("commit trade: %w", err)
	}

	l.mu.Lock()
	l.p = next
	l.recent = append(l.recent, *trade)
	if len(l.recent) > l.window {
		l.recent = l.recent[len(l.recent)-l.window:]
	}
	l.mu.Unlock()

	l.log.Info("trade executed",
		zap.Int64("seq", trade.Seq),
		zap.String("symbol", trade.Symbol),
		zap.String("side", string(trade.Side)),
		zap.String("quantity", trade.Quantity.String()),
		zap.String("price", trade.Price.String()),
		zap.String("cash_delta", trade.CashDelta.String()),
		zap.Bool("synthetic", trade.Synthetic))
	return trade, nil
}

func (l *Ledger) execute(p *Portfolio, order rules.ValidatedOrder, fee rules.Fee, now time.Time) (*Trade, error) {
	if !order.Quantity.IsPositive() || !order.Price.IsPositive() {
		return nil, fmt.Errorf("%w: non-positive quantity or price in %s order for %s", ErrLedgerInconsistency, order.Side, order.Symbol)
	}
	notional := order.Quantity.Mul(order.Price)
	prevCash := p.Cash
	realized := decimal.Zero

	pos := p.Positions[order.Symbol]
	switch order.Side {
	case rules.SideBuy:
		leverage := order.Leverage
		if leverage < 1 {
			leverage = 1
		}
		margin := l.rules.Margin(notional, leverage)
		borrowed := notional.Sub(margin)
		p.Cash = p.Cash.Sub(margin).Sub(fee.Total)

		if pos == nil {
			pos = &Position{
				Symbol:         order.Symbol,
				Quantity:       decimal.Zero,
				LockedQuantity: decimal.Zero,
				AvgPrice:       decimal.Zero,
				Borrowed:       decimal.Zero,
				OpenedAt:       now,
			}
			p.Positions[order.Symbol] = pos
		}
		newQty := pos.Quantity.Add(order.Quantity)
		pos.AvgPrice = pos.Quantity.Mul(pos.AvgPrice).Add(notional).Div(newQty)
		pos.Quantity = newQty
		pos.Borrowed = pos.Borrowed.Add(borrowed)
		pos.Leverage = leverage
		if l.rules.SettlementDelayDays > 0 {
			if pos.LockedDay == p.TradingDay {
				pos.LockedQuantity = pos.LockedQuantity.Add(order.Quantity)
			} else {
				pos.LockedQuantity = order.Quantity
			}
			pos.LockedDay = p.TradingDay
		}

	case rules.SideSell:
		if pos == nil {
			return nil, fmt.Errorf("%w: sell %s without a position", ErrLedgerInconsistency, order.Symbol)
		}
		if order.Quantity.GreaterThan(pos.Sellable()) {
			return nil, fmt.Errorf("%w: sell %s %s exceeds sellable %s", ErrLedgerInconsistency, order.Quantity, order.Symbol, pos.Sellable())
		}
		repay := pos.Borrowed
		if order.Quantity.LessThan(pos.Quantity) {
			repay = pos.Borrowed.Mul(order.Quantity).Div(pos.Quantity)
		}
		p.Cash = p.Cash.Add(notional).Sub(repay).Sub(fee.Total)
		realized = order.Price.Sub(pos.AvgPrice).Mul(order.Quantity).Sub(fee.Total)
		p.RealizedPnL = p.RealizedPnL.Add(realized)

		pos.Quantity = pos.Quantity.Sub(order.Quantity)
		pos.Borrowed = pos.Borrowed.Sub(repay)

	default:
		return nil, fmt.Errorf("%w: side %q cannot be applied", ErrLedgerInconsistency, order.Side)
	}

	pos.UpdatedAt = now
	pos.MarkPrice = order.Price
	pos.UnrealizedPnL = order.Price.Sub(pos.AvgPrice).Mul(pos.Quantity)
	state := PositionState{
		Quantity:       pos.Quantity,
		LockedQuantity: pos.LockedQuantity,
		AvgPrice:       pos.AvgPrice,
		Borrowed:       pos.Borrowed,
	}
	if pos.Quantity.IsZero() {
		delete(p.Positions, order.Symbol)
	}

	p.FeesPaid = p.FeesPaid.Add(fee.Total)
	p.UpdatedAt = now
	trade := &Trade{
		ID:          uuid.NewString(),
		TraderID:    p.TraderID,
		Seq:         p.NextSeq,
		Symbol:      order.Symbol,
		Side:        order.Side,
		Quantity:    order.Quantity,
		Price:       order.Price,
		Notional:    notional,
		Commission:  fee.Commission,
		StampDuty:   fee.StampDuty,
		CashDelta:   p.Cash.Sub(prevCash),
		RealizedPnL: realized,
		Leverage:    pos.Leverage,
		Synthetic:   order.Synthetic,
		PriceTime:   order.PriceTime,
		TradingDay:  p.TradingDay,
		Reason:      order.Reason,
		Position:    state,
		ExecutedAt:  now,
	}
	p.NextSeq++
	return trade, nil
}

func (l *Ledger) checkInvariants(p *Portfolio) error {
	if p.Cash.LessThan(l.rules.MarginFloor.Neg()) {
		return fmt.Errorf("cash %s below margin floor -%s", p.Cash, l.rules.MarginFloor)
	}
	for sym, pos := range p.Positions {
		switch {
		case !pos.Quantity.IsPositive():
			return fmt.Errorf("%s quantity %s", sym, pos.Quantity)
		case pos.LockedQuantity.IsNegative() || pos.LockedQuantity.GreaterThan(pos.Quantity):
			return fmt.Errorf("%s locked %s of %s", sym, pos.LockedQuantity, pos.Quantity)
		case pos.Borrowed.IsNegative():
			return fmt.Errorf("%s borrowed %s", sym, pos.Borrowed)
		case l.rules.IntegralLots() && !pos.Quantity.IsInteger():
			return fmt.Errorf("%s fractional quantity %s", sym, pos.Quantity)
		}
	}
	return nil
}

// MarkToMarket refreshes mark prices and unrealized P&L. Cash and
// quantities are never touched. Symbols without a snapshot keep their mark.
func (l *Ledger) MarkToMarket(snapshots map[string]*market.Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for sym, pos := range l.p.Positions {
		snap, ok := snapshots[sym]
		if !ok || snap == nil || !snap.Price.IsPositive() {
			continue
		}
		pos.MarkPrice = snap.Price
		pos.UnrealizedPnL = snap.Price.Sub(pos.AvgPrice).Mul(pos.Quantity)
	}
}

// RolloverDay moves the ledger to day (YYYY-MM-DD) and unlocks every T+1
// lock taken on an earlier day. Repeated calls for the same or an earlier
// day do nothing and report false.
func (l *Ledger) RolloverDay(ctx context.Context, day string) (bool, error) {
	l.mu.RLock()
	current := l.p.TradingDay
	l.mu.RUnlock()
	if day <= current {
		return false, nil
	}

	l.mu.RLock()
	next := l.p.Clone()
	l.mu.RUnlock()

	unlocked := 0
	for _, pos := range next.Positions {
		if pos.LockedQuantity.IsPositive() && pos.LockedDay < day {
			pos.LockedQuantity = decimal.Zero
			pos.LockedDay = ""
			unlocked++
		}
	}
	next.TradingDay = day
	next.UpdatedAt = l.now()

	if err := l.store.SavePortfolio(ctx, next); err != nil {
		return false, fmt.Errorf("save rollover: %w", err)
	}
	l.mu.Lock()
	l.p = next
	l.mu.Unlock()

	l.log.Info("trading day rolled over", zap.String("from", current), zap.String("to", day), zap.Int("unlocked", unlocked))
	return true, nil
}

// Snapshot deep copy of the portfolio for read-only use.
func (l *Ledger) Snapshot() *Portfolio {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.p.Clone()
}

// Account validator view of the current portfolio.
func (l *Ledger) Account() rules.Account {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.p.Account()
}

// Rules rule set the ledger enforces.
func (l *Ledger) Rules() rules.RuleSet {
	return l.rules
}

// RecentTrades the last n trades in seq order.
func (l *Ledger) RecentTrades(n int) []Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n <= 0 || n > len(l.recent) {
		n = len(l.recent)
	}
	out := make([]Trade, n)
	copy(out, l.recent[len(l.recent)-n:])
	return out
}

// MarkHalted persists the halt so a restart does not resume the trader.
func (l *Ledger) MarkHalted(ctx context.Context, reason string) error {
	return l.update(ctx, func(p *Portfolio) {
		p.Halted = true
		p.HaltReason = reason
	})
}

// ClearHalt lifts a halt after operator intervention.
func (l *Ledger) ClearHalt(ctx context.Context) error {
	return l.update(ctx, func(p *Portfolio) {
		p.Halted = false
		p.HaltReason = ""
		p.Active = true
	})
}

// Deactivate marks the portfolio inactive. Portfolios are never deleted.
func (l *Ledger) Deactivate(ctx context.Context) error {
	return l.update(ctx, func(p *Portfolio) { p.Active = false })
}

// Reload replaces the in-memory state with the stored one.
func (l *Ledger) Reload(ctx context.Context) error {
	p, err := l.store.LoadPortfolio(ctx, l.traderID())
	if err != nil {
		return fmt.Errorf("reload portfolio: %w", err)
	}
	trades, err := l.store.ListTrades(ctx, p.TraderID, l.window)
	if err != nil {
		return fmt.Errorf("reload trades: %w", err)
	}
	l.mu.Lock()
	l.p = p
	l.recent = trades
	l.mu.Unlock()
	return nil
}

func (l *Ledger) traderID() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.p.TraderID
}

func (l *Ledger) update(ctx context.Context, fn func(p *Portfolio)) error {
	l.mu.RLock()
	next := l.p.Clone()
	l.mu.RUnlock()

	fn(next)
	next.UpdatedAt = l.now()
	if err := l.store.SavePortfolio(ctx, next); err != nil {
		return fmt.Errorf("save portfolio: %w", err)
	}
	l.mu.Lock()
	l.p = next
	l.mu.Unlock()
	return nil
}
