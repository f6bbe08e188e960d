package trader

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"aitrade/rules"
)

// RejectionRecord an intent the rule policy refused, kept for the trader's history
type RejectionRecord struct {
	ID        int64                 `json:"id"`
	TraderID  string                `json:"trader_id"`
	Cycle     int64                 `json:"cycle"`
	Symbol    string                `json:"symbol"`
	Side      rules.Side            `json:"side"`
	Quantity  decimal.Decimal       `json:"quantity"`
	Price     decimal.Decimal       `json:"price"`
	Reason    rules.RejectionReason `json:"reason"`
	Detail    string                `json:"detail"`
	Synthetic bool                  `json:"synthetic"`
	CreatedAt time.Time             `json:"created_at"`
}

// DecisionRecord one conversation with the AI provider and its outcome
type DecisionRecord struct {
	ID           int64          `json:"id"`
	TraderID     string         `json:"trader_id"`
	Cycle        int64          `json:"cycle"`
	Outcome      Outcome        `json:"outcome"`
	SystemPrompt string         `json:"system_prompt"`
	UserPrompt   string         `json:"user_prompt"`
	RawResponse  string         `json:"raw_response"`
	Intents      []rules.Intent `json:"intents"`
	ParseFailure bool           `json:"parse_failure"`
	Error        string         `json:"error,omitempty"`
	Notes        []string       `json:"notes,omitempty"`
	Executed     int            `json:"executed"`
	Rejected     int            `json:"rejected"`
	CreatedAt    time.Time      `json:"created_at"`
}

// EquityPoint account value after a cycle
type EquityPoint struct {
	ID            int64           `json:"id"`
	TraderID      string          `json:"trader_id"`
	Cycle         int64           `json:"cycle"`
	Cash          decimal.Decimal `json:"cash"`
	PositionValue decimal.Decimal `json:"position_value"`
	Liabilities   decimal.Decimal `json:"liabilities"`
	Equity        decimal.Decimal `json:"equity"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	ReturnPct     float64         `json:"return_pct"`
	Positions     int             `json:"positions"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Journal append-only history sink for cycles. Failures are logged by the
// engine and never abort a cycle.
type Journal interface {
	RecordRejection(ctx context.Context, r RejectionRecord) error
	RecordDecision(ctx context.Context, d DecisionRecord) error
	RecordEquity(ctx context.Context, e EquityPoint) error
}
