package decision

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"aitrade/rules"
)

var hundred = decimal.NewFromInt(100)

// BuildSystemPrompt states the regime's rules and the required output format.
// It depends only on the rule set.
func BuildSystemPrompt(rs rules.RuleSet) string {
	var sb strings.Builder

	switch rs.Market {
	case rules.MarketAShare:
		sb.WriteString("You are a professional China A-share trader managing a simulated account.\n\n")
	default:
		sb.WriteString("You are a professional cryptocurrency trader managing a simulated spot/margin account.\n\n")
	}
	sb.WriteString("Reply with JSON only. All reasoning fields must be in English.\n\n")

	sb.WriteString("# Trading rules (enforced, violating orders are rejected)\n\n")
	n := 1
	rule := func(format string, args ...any) {
		fmt.Fprintf(&sb, "%d. ", n)
		fmt.Fprintf(&sb, format, args...)
		sb.WriteString("\n")
		n++
	}
	if rs.IntegralLots() && rs.LotSize.GreaterThan(decimal.NewFromInt(1)) {
		rule("Buy quantity must be a multiple of %s units (one lot)", rs.LotSize)
	} else {
		rule("Quantity granularity: %s", rs.LotSize)
	}
	if rs.SettlementDelayDays > 0 {
		rule("T+%d settlement: units bought today can only be sold on the next trading day", rs.SettlementDelayDays)
	}
	if rs.PriceLimitPct != nil {
		band := fmt.Sprintf("±%s%% of the previous close", rs.PriceLimitPct.Mul(hundred).StringFixed(0))
		if rs.STPriceLimitPct != nil {
			band += fmt.Sprintf(" (±%s%% for ST names)", rs.STPriceLimitPct.Mul(hundred).StringFixed(0))
		}
		rule("Daily price limit %s", band)
	}
	fee := fmt.Sprintf("Commission %s%% per side", rs.CommissionRate.Mul(hundred).String())
	if rs.MinCommission.IsPositive() {
		fee += fmt.Sprintf(", minimum %s", rs.MinCommission)
	}
	if rs.StampDutyRate.IsPositive() {
		fee += fmt.Sprintf("; stamp duty %s%% on sells only", rs.StampDutyRate.Mul(hundred).String())
	}
	rule("%s", fee)
	if rs.MaxLeverage > 1 {
		rule("Leverage up to %dx via \"leverage\"; margin is taken from cash and the rest is borrowed", rs.MaxLeverage)
	} else {
		rule("No leverage or margin trading")
	}
	rule("No short selling: sell only what you hold and can sell")
	sb.WriteString("\n")

	sb.WriteString("# Risk guidance\n\n")
	sb.WriteString("- Keep a single position under 30% of equity and a cash reserve of at least 10%\n")
	sb.WriteString("- Cut losers early; RSI > 70 is overbought, RSI < 30 is oversold\n")
	sb.WriteString("- Doing nothing is fine: most cycles should be hold\n\n")

	sb.WriteString("# Output format\n\n")
	sb.WriteString("A JSON object keyed by symbol. Omitted symbols are treated as hold.\n\n")
	sb.WriteString("```json\n{\n  \"SYMBOL\": {\n")
	sb.WriteString("    \"signal\": \"buy|sell|hold\",\n")
	if rs.IntegralLots() && rs.LotSize.GreaterThan(decimal.NewFromInt(1)) {
		fmt.Fprintf(&sb, "    \"quantity\": %s,\n", rs.LotSize)
	} else {
		sb.WriteString("    \"quantity\": 0.01,\n")
	}
	if rs.MaxLeverage > 1 {
		sb.WriteString("    \"leverage\": 1,\n")
	}
	sb.WriteString("    \"profit_target\": 0,\n")
	sb.WriteString("    \"stop_loss\": 0,\n")
	sb.WriteString("    \"confidence\": 0.75,\n")
	sb.WriteString("    \"justification\": \"short reason\"\n")
	sb.WriteString("  }\n}\n```\n")
	sb.WriteString("A sell without quantity closes the whole sellable position.\n")
	return sb.String()
}

// BuildUserPrompt renders account, positions, recent trades and market data.
// Output is a pure function of its inputs: no clock reads, stable ordering.
func BuildUserPrompt(in Input, tradeWindow int) string {
	var sb strings.Builder
	p := in.Portfolio

	sb.WriteString("# Account\n\n")
	if p != nil {
		fmt.Fprintf(&sb, "Trading day: %s\n", p.TradingDay)
		fmt.Fprintf(&sb, "Cash: %s\n", p.Cash.StringFixed(2))
		fmt.Fprintf(&sb, "Equity: %s (initial %s, return %+.2f%%)\n",
			p.Equity().StringFixed(2), p.InitialCapital.StringFixed(2), p.ReturnPct())
		if p.Liabilities().IsPositive() {
			fmt.Fprintf(&sb, "Borrowed: %s\n", p.Liabilities().StringFixed(2))
		}
		if p.LeverageCeiling > 1 {
			fmt.Fprintf(&sb, "Leverage ceiling: %dx\n", p.LeverageCeiling)
		}
	}
	sb.WriteString("\n# Positions\n\n")
	if p == nil || len(p.Positions) == 0 {
		sb.WriteString("None\n")
	} else {
		for _, pos := range p.SortedPositions() {
			pnlPct := 0.0
			if pos.AvgPrice.IsPositive() {
				pnlPct, _ = pos.Mark().Sub(pos.AvgPrice).Div(pos.AvgPrice).Mul(hundred).Float64()
			}
			fmt.Fprintf(&sb, "- %s: qty %s (sellable %s) @ avg %s, mark %s (%+.2f%%)",
				pos.Symbol, pos.Quantity, pos.Sellable(), pos.AvgPrice.StringFixed(4), pos.Mark().StringFixed(4), pnlPct)
			if pos.Leverage > 1 {
				fmt.Fprintf(&sb, ", %dx, borrowed %s", pos.Leverage, pos.Borrowed.StringFixed(2))
			}
			sb.WriteString("\n")
		}
	}

	sb.WriteString("\n# Recent trades\n\n")
	trades := in.RecentTrades
	if tradeWindow > 0 && len(trades) > tradeWindow {
		trades = trades[len(trades)-tradeWindow:]
	}
	if len(trades) == 0 {
		sb.WriteString("None\n")
	}
	for _, t := range trades {
		fmt.Fprintf(&sb, "- #%d %s %s %s %s @ %s", t.Seq, t.TradingDay, t.Side, t.Quantity, t.Symbol, t.Price.StringFixed(4))
		if t.Side == rules.SideSell {
			fmt.Fprintf(&sb, " realized %s", t.RealizedPnL.StringFixed(2))
		}
		sb.WriteString("\n")
	}

	sb.WriteString("\n# Market\n\n")
	for _, sym := range in.Symbols() {
		s := in.Snapshots[sym]
		name := ""
		if s.Name != "" && s.Name != sym {
			name = " (" + s.Name + ")"
		}
		fmt.Fprintf(&sb, "%s%s: price %s, prev close %s, change %+.2f%%",
			sym, name, s.Price.String(), s.PrevClose.String(), s.ChangePct)
		if s.Synthetic {
			sb.WriteString(" [simulated]")
		}
		sb.WriteString("\n")
		ind := s.Indicators
		fmt.Fprintf(&sb, "  SMA5 %.4f, SMA10 %.4f, SMA20 %.4f, RSI14 %.1f, MACD %.4f, 7d %+.2f%%, 30d %+.2f%%\n",
			ind.SMA5, ind.SMA10, ind.SMA20, ind.RSI14, ind.MACD, ind.Change7d, ind.Change30d)
	}

	sb.WriteString("\nAnalyze and output the JSON decision.\n")
	return sb.String()
}
