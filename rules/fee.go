package rules

import "github.com/shopspring/decimal"

// ComputeFee commission on both sides, max(notional*rate, min), plus stamp
// duty on sells. Each component is rounded half-up to the currency unit.
func ComputeFee(notional decimal.Decimal, side Side, rs RuleSet) Fee {
	commission := notional.Mul(rs.CommissionRate)
	if commission.LessThan(rs.MinCommission) {
		commission = rs.MinCommission
	}
	commission = rs.RoundCash(commission)

	stampDuty := decimal.Zero
	if side == SideSell && rs.StampDutyRate.IsPositive() {
		stampDuty = rs.RoundCash(notional.Mul(rs.StampDutyRate))
	}

	return Fee{
		Commission: commission,
		StampDuty:  stampDuty,
		Total:      commission.Add(stampDuty),
	}
}
