package rules

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"aitrade/market"
)

// RejectionReason names the rule an intent failed
type RejectionReason string

const (
	InvalidOrder         RejectionReason = "InvalidOrder"
	LotSizeViolation     RejectionReason = "LotSizeViolation"
	T1LockViolation      RejectionReason = "T1LockViolation"
	PriceLimitViolation  RejectionReason = "PriceLimitViolation"
	InsufficientFunds    RejectionReason = "InsufficientFunds"
	InsufficientPosition RejectionReason = "InsufficientPosition"
	LeverageExceeded     RejectionReason = "LeverageExceeded"
)

// Rejection is returned by Validate when an intent breaks a rule.
// Rejections are recoverable: the cycle records them and carries on.
type Rejection struct {
	Reason RejectionReason `json:"reason"`
	Detail string          `json:"detail"`
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Reason, r.Detail)
}

func reject(reason RejectionReason, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// ReasonOf extracts the rejection reason from err, or "" if err is not a rejection.
func ReasonOf(err error) RejectionReason {
	var r *Rejection
	if errors.As(err, &r) {
		return r.Reason
	}
	return ""
}

// Validate runs the rule chain in order and stops at the first failure:
// lot size, T+1 lock, price limit band, funds/position, leverage.
// It never mutates its inputs.
func Validate(in Intent, acct Account, snap *market.Snapshot, rs RuleSet) (ValidatedOrder, *Rejection) {
	if in.Side != SideBuy && in.Side != SideSell {
		return ValidatedOrder{}, reject(InvalidOrder, "side %q is not executable", in.Side)
	}
	if snap == nil || !snap.Price.IsPositive() {
		return ValidatedOrder{}, reject(InvalidOrder, "no usable price for %s", in.Symbol)
	}
	if snap.Symbol != "" && snap.Symbol != in.Symbol {
		return ValidatedOrder{}, reject(InvalidOrder, "snapshot is for %s, not %s", snap.Symbol, in.Symbol)
	}
	if !in.Quantity.IsPositive() {
		return ValidatedOrder{}, reject(InvalidOrder, "quantity %s must be positive", in.Quantity)
	}

	price := snap.Price
	holding := acct.Holdings[in.Symbol]

	// 1. lot size: buys in whole lots, sells in whole units where the market has them
	if in.Side == SideBuy && !in.Quantity.Mod(rs.LotSize).IsZero() {
		return ValidatedOrder{}, reject(LotSizeViolation, "buy quantity %s is not a multiple of lot size %s", in.Quantity, rs.LotSize)
	}
	if in.Side == SideSell && rs.IntegralLots() && !in.Quantity.IsInteger() {
		return ValidatedOrder{}, reject(LotSizeViolation, "sell quantity %s is not a whole unit", in.Quantity)
	}

	// 2. T+1: shares bought today are held but not sellable
	if rs.SettlementDelayDays > 0 && in.Side == SideSell &&
		in.Quantity.GreaterThan(holding.Sellable) && in.Quantity.LessThanOrEqual(holding.Quantity) {
		return ValidatedOrder{}, reject(T1LockViolation, "sell %s %s exceeds unlocked %s (held %s)",
			in.Quantity, in.Symbol, holding.Sellable, holding.Quantity)
	}

	// 3. daily price limit band, bounds inclusive
	if limit := rs.limitFor(snap.Name); limit != nil && snap.PrevClose.IsPositive() {
		one := decimal.NewFromInt(1)
		upper := rs.roundTick(snap.PrevClose.Mul(one.Add(*limit)))
		lower := rs.roundTick(snap.PrevClose.Mul(one.Sub(*limit)))
		if price.LessThan(lower) || price.GreaterThan(upper) {
			return ValidatedOrder{}, reject(PriceLimitViolation, "price %s outside [%s, %s] of prev close %s",
				price, lower, upper, snap.PrevClose)
		}
	}

	notional := in.Quantity.Mul(price)
	fee := ComputeFee(notional, in.Side, rs)
	leverage, requested := rs.effectiveLeverage(in, acct)

	// 4. funds or position
	switch in.Side {
	case SideBuy:
		margin := rs.Margin(notional, leverage)
		required := margin.Add(fee.Total)
		if required.GreaterThan(acct.Cash) {
			return ValidatedOrder{}, reject(InsufficientFunds, "need %s (margin %s + fee %s), have %s",
				rs.RoundCash(required), rs.RoundCash(margin), fee.Total, acct.Cash)
		}
	case SideSell:
		if in.Quantity.GreaterThan(holding.Sellable) {
			return ValidatedOrder{}, reject(InsufficientPosition, "sell %s %s, sellable %s",
				in.Quantity, in.Symbol, holding.Sellable)
		}
		repay := decimal.Zero
		if holding.Quantity.IsPositive() {
			repay = holding.Borrowed.Mul(in.Quantity).Div(holding.Quantity)
		}
		after := acct.Cash.Add(notional).Sub(repay).Sub(fee.Total)
		if after.LessThan(rs.MarginFloor.Neg()) {
			return ValidatedOrder{}, reject(InsufficientFunds, "proceeds %s do not cover repayment %s and fee %s",
				rs.RoundCash(notional), rs.RoundCash(repay), fee.Total)
		}
		leverage = 1
	}

	// 5. leverage ceiling
	if in.Side == SideBuy && rs.StrictLeverage && requested > leverage {
		return ValidatedOrder{}, reject(LeverageExceeded, "requested %dx, allowed %dx", requested, leverage)
	}

	orderType := in.OrderType
	if orderType == "" {
		orderType = OrderMarket
	}
	return ValidatedOrder{
		Symbol:    in.Symbol,
		Side:      in.Side,
		Quantity:  in.Quantity,
		Price:     price,
		Leverage:  leverage,
		OrderType: orderType,
		Notional:  notional,
		Fee:       fee,
		Synthetic: snap.Synthetic,
		PriceTime: snap.Timestamp,
		Reason:    in.Reason,
	}, nil
}

func (rs RuleSet) limitFor(name string) *decimal.Decimal {
	if rs.STPriceLimitPct != nil && isSpecialTreatment(name) {
		return rs.STPriceLimitPct
	}
	return rs.PriceLimitPct
}

// isSpecialTreatment reports an "ST" or "*ST" name prefix.
func isSpecialTreatment(name string) bool {
	n := strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(name)), "*")
	return strings.HasPrefix(n, "ST")
}

func (rs RuleSet) roundTick(price decimal.Decimal) decimal.Decimal {
	if !rs.PriceTick.IsPositive() {
		return price
	}
	return price.Div(rs.PriceTick).Round(0).Mul(rs.PriceTick)
}

// effectiveLeverage returns the clamped leverage and the requested one.
func (rs RuleSet) effectiveLeverage(in Intent, acct Account) (int, int) {
	allowed := rs.MaxLeverage
	if acct.LeverageCeiling > 0 && acct.LeverageCeiling < allowed {
		allowed = acct.LeverageCeiling
	}
	if allowed < 1 {
		allowed = 1
	}
	requested := in.TargetLeverage
	if requested < 1 {
		requested = 1
	}
	if requested > allowed {
		return allowed, requested
	}
	return requested, requested
}
