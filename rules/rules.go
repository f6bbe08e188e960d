// Package rules holds the trading rule sets for each market regime and the
// pure fee and order validation functions parameterized by them.
package rules

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Market trading regime
type Market string

const (
	MarketCrypto Market = "crypto"
	MarketAShare Market = "ashare"
)

// Side order direction
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
	SideHold Side = "hold"
)

// OrderType execution style. Both fill at the cycle's snapshot price.
type OrderType string

const (
	OrderMarket   OrderType = "market"
	OrderSnapshot OrderType = "snapshot"
)

// RuleSet describes a market regime as data
type RuleSet struct {
	Market              Market           `json:"market"`
	LotSize             decimal.Decimal  `json:"lot_size"`
	PriceLimitPct       *decimal.Decimal `json:"price_limit_pct,omitempty"`    // nil: no limit band
	STPriceLimitPct     *decimal.Decimal `json:"st_price_limit_pct,omitempty"` // band for names prefixed "ST" or "*ST"
	SettlementDelayDays int              `json:"settlement_delay_days"`        // 0 or 1
	CommissionRate      decimal.Decimal  `json:"commission_rate"`
	MinCommission       decimal.Decimal  `json:"min_commission"`
	StampDutyRate       decimal.Decimal  `json:"stamp_duty_rate"` // sell only
	MaxLeverage         int              `json:"max_leverage"`    // 1 means no leverage
	StrictLeverage      bool             `json:"strict_leverage"` // reject instead of clamp
	CurrencyDecimals    int32            `json:"currency_decimals"`
	PriceTick           decimal.Decimal  `json:"price_tick"`
	MarginFloor         decimal.Decimal  `json:"margin_floor"` // tolerated negative cash
}

func pct(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

// AShareRules China A-share regime: lots of 100, ±10% band (±5% for ST),
// T+1, 0.03% commission with a 5 yuan minimum, 0.1% stamp duty on sells.
func AShareRules() RuleSet {
	return RuleSet{
		Market:              MarketAShare,
		LotSize:             decimal.NewFromInt(100),
		PriceLimitPct:       pct("0.10"),
		STPriceLimitPct:     pct("0.05"),
		SettlementDelayDays: 1,
		CommissionRate:      decimal.RequireFromString("0.0003"),
		MinCommission:       decimal.NewFromInt(5),
		StampDutyRate:       decimal.RequireFromString("0.001"),
		MaxLeverage:         1,
		CurrencyDecimals:    2,
		PriceTick:           decimal.RequireFromString("0.01"),
		MarginFloor:         decimal.Zero,
	}
}

// CryptoRules crypto spot/margin regime: fractional quantities, no band,
// T+0, 0.1% commission, leverage up to 20x.
func CryptoRules() RuleSet {
	return RuleSet{
		Market:              MarketCrypto,
		LotSize:             decimal.RequireFromString("0.0001"),
		SettlementDelayDays: 0,
		CommissionRate:      decimal.RequireFromString("0.001"),
		MinCommission:       decimal.Zero,
		StampDutyRate:       decimal.Zero,
		MaxLeverage:         20,
		CurrencyDecimals:    8,
		PriceTick:           decimal.RequireFromString("0.00000001"),
		MarginFloor:         decimal.Zero,
	}
}

// For returns the preset for market.
func For(market Market) (RuleSet, error) {
	switch market {
	case MarketAShare:
		return AShareRules(), nil
	case MarketCrypto:
		return CryptoRules(), nil
	default:
		return RuleSet{}, fmt.Errorf("unknown market %q", market)
	}
}

// Validate checks the rule set is internally consistent.
func (rs RuleSet) Validate() error {
	if rs.Market != MarketCrypto && rs.Market != MarketAShare {
		return fmt.Errorf("unknown market %q", rs.Market)
	}
	if !rs.LotSize.IsPositive() {
		return fmt.Errorf("lot_size must be positive")
	}
	if rs.SettlementDelayDays != 0 && rs.SettlementDelayDays != 1 {
		return fmt.Errorf("settlement_delay_days must be 0 or 1")
	}
	if rs.CommissionRate.IsNegative() || rs.MinCommission.IsNegative() || rs.StampDutyRate.IsNegative() {
		return fmt.Errorf("fee rates must not be negative")
	}
	if rs.MaxLeverage < 1 {
		return fmt.Errorf("max_leverage must be at least 1")
	}
	for _, p := range []*decimal.Decimal{rs.PriceLimitPct, rs.STPriceLimitPct} {
		if p != nil && (!p.IsPositive() || p.GreaterThanOrEqual(decimal.NewFromInt(1))) {
			return fmt.Errorf("price limit must be in (0, 1)")
		}
	}
	if rs.CurrencyDecimals < 0 {
		return fmt.Errorf("currency_decimals must not be negative")
	}
	if rs.MarginFloor.IsNegative() {
		return fmt.Errorf("margin_floor must not be negative")
	}
	return nil
}

// IntegralLots reports whether positions must hold whole units.
func (rs RuleSet) IntegralLots() bool {
	return rs.LotSize.IsInteger()
}

// RoundCash rounds an amount half-up to the smallest currency unit.
func (rs RuleSet) RoundCash(d decimal.Decimal) decimal.Decimal {
	return d.Round(rs.CurrencyDecimals)
}

// Margin cash paid up front for notional at leverage; the rest is borrowed.
func (rs RuleSet) Margin(notional decimal.Decimal, leverage int) decimal.Decimal {
	if leverage <= 1 {
		return notional
	}
	return rs.RoundCash(notional.Div(decimal.NewFromInt(int64(leverage))))
}

// Intent order intent produced by the decision engine for one symbol.
// It lives only for the cycle that produced it.
type Intent struct {
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	Quantity       decimal.Decimal `json:"quantity"`
	OrderType      OrderType       `json:"order_type"`
	TargetLeverage int             `json:"target_leverage,omitempty"`
	Confidence     float64         `json:"confidence,omitempty"`
	ProfitTarget   float64         `json:"profit_target,omitempty"`
	StopLoss       float64         `json:"stop_loss,omitempty"`
	Reason         string          `json:"reason,omitempty"`
}

// Holding what the validator needs to know about one position
type Holding struct {
	Quantity decimal.Decimal
	Sellable decimal.Decimal // quantity minus T+1 locked shares
	Borrowed decimal.Decimal
}

// Account read-only portfolio view for validation
type Account struct {
	Cash            decimal.Decimal
	LeverageCeiling int
	Holdings        map[string]Holding
}

// Fee transaction costs for one order
type Fee struct {
	Commission decimal.Decimal `json:"commission"`
	StampDuty  decimal.Decimal `json:"stamp_duty"`
	Total      decimal.Decimal `json:"total"`
}

// ValidatedOrder an order that passed every rule check and may be applied
type ValidatedOrder struct {
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Leverage  int             `json:"leverage"`
	OrderType OrderType       `json:"order_type"`
	Notional  decimal.Decimal `json:"notional"`
	Fee       Fee             `json:"fee"`
	Synthetic bool            `json:"synthetic"`
	PriceTime time.Time       `json:"price_time"`
	Reason    string          `json:"reason,omitempty"`
}
