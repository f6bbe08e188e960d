package ledger

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"aitrade/rules"
)

var (
	// ErrLedgerInconsistency an order would break a portfolio invariant.
	// It means an invalid order got past validation and is fatal for the trader.
	ErrLedgerInconsistency = errors.New("ledger inconsistency")

	// ErrPortfolioNotFound no portfolio stored for the trader
	ErrPortfolioNotFound = errors.New("portfolio not found")
)

// Position holding in one symbol
type Position struct {
	Symbol         string          `json:"symbol"`
	Quantity       decimal.Decimal `json:"quantity"`
	LockedQuantity decimal.Decimal `json:"locked_quantity"` // bought on LockedDay, unsellable until the next day
	LockedDay      string          `json:"locked_day,omitempty"`
	AvgPrice       decimal.Decimal `json:"avg_price"`
	Borrowed       decimal.Decimal `json:"borrowed"`
	Leverage       int             `json:"leverage"`
	OpenedAt       time.Time       `json:"opened_at"`
	UpdatedAt      time.Time       `json:"updated_at"`

	// derived by MarkToMarket
	MarkPrice     decimal.Decimal `json:"mark_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// Sellable quantity not held back by the T+1 lock.
func (p Position) Sellable() decimal.Decimal {
	return p.Quantity.Sub(p.LockedQuantity)
}

// Mark latest mark price, falling back to the entry price.
func (p Position) Mark() decimal.Decimal {
	if p.MarkPrice.IsPositive() {
		return p.MarkPrice
	}
	return p.AvgPrice
}

// MarketValue quantity at the mark price.
func (p Position) MarketValue() decimal.Decimal {
	return p.Quantity.Mul(p.Mark())
}

// Portfolio account state owned by one trader
type Portfolio struct {
	TraderID        string               `json:"trader_id"`
	Market          rules.Market         `json:"market"`
	Cash            decimal.Decimal      `json:"cash"`
	InitialCapital  decimal.Decimal      `json:"initial_capital"`
	RealizedPnL     decimal.Decimal      `json:"realized_pnl"`
	FeesPaid        decimal.Decimal      `json:"fees_paid"`
	LeverageCeiling int                  `json:"leverage_ceiling"`
	TradingDay      string               `json:"trading_day"`
	NextSeq         int64                `json:"next_seq"`
	Active          bool                 `json:"active"`
	Halted          bool                 `json:"halted"`
	HaltReason      string               `json:"halt_reason,omitempty"`
	Positions       map[string]*Position `json:"positions"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

// Clone deep copy.
func (p *Portfolio) Clone() *Portfolio {
	c := *p
	c.Positions = make(map[string]*Position, len(p.Positions))
	for sym, pos := range p.Positions {
		cp := *pos
		c.Positions[sym] = &cp
	}
	return &c
}

// PositionValue sum of position market values.
func (p *Portfolio) PositionValue() decimal.Decimal {
	total := decimal.Zero
	for _, pos := range p.Positions {
		total = total.Add(pos.MarketValue())
	}
	return total
}

// Liabilities borrowed margin across positions.
func (p *Portfolio) Liabilities() decimal.Decimal {
	total := decimal.Zero
	for _, pos := range p.Positions {
		total = total.Add(pos.Borrowed)
	}
	return total
}

// Equity cash + position value - liabilities.
func (p *Portfolio) Equity() decimal.Decimal {
	return p.Cash.Add(p.PositionValue()).Sub(p.Liabilities())
}

// UnrealizedPnL sum over open positions.
func (p *Portfolio) UnrealizedPnL() decimal.Decimal {
	total := decimal.Zero
	for _, pos := range p.Positions {
		total = total.Add(pos.UnrealizedPnL)
	}
	return total
}

// ReturnPct return on inception capital, in percent.
func (p *Portfolio) ReturnPct() float64 {
	if !p.InitialCapital.IsPositive() {
		return 0
	}
	return p.Equity().Sub(p.InitialCapital).Div(p.InitialCapital).Mul(decimal.NewFromInt(100)).InexactFloat64()
}

// SortedPositions positions ordered by symbol.
func (p *Portfolio) SortedPositions() []Position {
	out := make([]Position, 0, len(p.Positions))
	for _, pos := range p.Positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Account validator view of the portfolio.
func (p *Portfolio) Account() rules.Account {
	acct := rules.Account{
		Cash:            p.Cash,
		LeverageCeiling: p.LeverageCeiling,
		Holdings:        make(map[string]rules.Holding, len(p.Positions)),
	}
	for sym, pos := range p.Positions {
		acct.Holdings[sym] = rules.Holding{
			Quantity: pos.Quantity,
			Sellable: pos.Sellable(),
			Borrowed: pos.Borrowed,
		}
	}
	return acct
}

// PositionState position as it stood right after a trade
type PositionState struct {
	Quantity       decimal.Decimal `json:"quantity"`
	LockedQuantity decimal.Decimal `json:"locked_quantity"`
	AvgPrice       decimal.Decimal `json:"avg_price"`
	Borrowed       decimal.Decimal `json:"borrowed"`
}

// Trade immutable execution record
type Trade struct {
	ID          string          `json:"id"`
	TraderID    string          `json:"trader_id"`
	Seq         int64           `json:"seq"`
	Symbol      string          `json:"symbol"`
	Side        rules.Side      `json:"side"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Notional    decimal.Decimal `json:"notional"`
	Commission  decimal.Decimal `json:"commission"`
	StampDuty   decimal.Decimal `json:"stamp_duty"`
	CashDelta   decimal.Decimal `json:"cash_delta"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Leverage    int             `json:"leverage"`
	Synthetic   bool            `json:"synthetic"`
	PriceTime   time.Time       `json:"price_time"`
	TradingDay  string          `json:"trading_day"`
	Reason      string          `json:"reason,omitempty"`
	Position    PositionState   `json:"position"`
	ExecutedAt  time.Time       `json:"executed_at"`
}

// Store durable storage the ledger commits through
type Store interface {
	// LoadPortfolio returns ErrPortfolioNotFound when the trader has none.
	LoadPortfolio(ctx context.Context, traderID string) (*Portfolio, error)

	// SavePortfolio upserts the portfolio row and replaces its positions.
	SavePortfolio(ctx context.Context, p *Portfolio) error

	// CommitTrade appends the trade and saves the portfolio in one transaction.
	CommitTrade(ctx context.Context, p *Portfolio, t *Trade) error

	// ListTrades returns the latest limit trades in seq order (limit <= 0: all).
	ListTrades(ctx context.Context, traderID string, limit int) ([]Trade, error)
}
