// Package report derives performance summaries from a trader's ledger,
// trades and equity history, and exports them to XLSX.
package report

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"aitrade/ledger"
	"aitrade/rules"
	"aitrade/trader"
)

// Summary performance of one trader
type Summary struct {
	TraderID       string    `json:"trader_id"`
	Market         string    `json:"market"`
	InitialEquity  float64   `json:"initial_equity"`
	CurrentEquity  float64   `json:"current_equity"`
	TotalPnL       float64   `json:"total_pnl"`
	TotalPnLPct    float64   `json:"total_pnl_pct"`
	RealizedPnL    float64   `json:"realized_pnl"`
	UnrealizedPnL  float64   `json:"unrealized_pnl"`
	FeesPaid       float64   `json:"fees_paid"`
	Trades         int       `json:"trades"`
	Buys           int       `json:"buys"`
	Sells          int       `json:"sells"`
	Wins           int       `json:"wins"`
	Losses         int       `json:"losses"`
	WinRate        float64   `json:"win_rate"` // percent of closing trades with positive realized P&L
	ProfitFactor   float64   `json:"profit_factor"`
	MaxEquity      float64   `json:"max_equity"`
	MinEquity      float64   `json:"min_equity"`
	MaxDrawdown    float64   `json:"max_drawdown"`
	MaxDrawdownPct float64   `json:"max_drawdown_pct"`
	Cycles         int       `json:"cycles"`
	FirstCycle     time.Time `json:"first_cycle"`
	LastCycle      time.Time `json:"last_cycle"`
}

// Summarize computes the summary. trades and equity must be in seq / cycle
// order; the current portfolio supplies the latest equity and fees.
func Summarize(p *ledger.Portfolio, trades []ledger.Trade, equity []trader.EquityPoint) Summary {
	s := Summary{
		TraderID:      p.TraderID,
		Market:        string(p.Market),
		InitialEquity: p.InitialCapital.InexactFloat64(),
		CurrentEquity: p.Equity().InexactFloat64(),
		RealizedPnL:   p.RealizedPnL.InexactFloat64(),
		UnrealizedPnL: p.UnrealizedPnL().InexactFloat64(),
		FeesPaid:      p.FeesPaid.InexactFloat64(),
		TotalPnLPct:   p.ReturnPct(),
		Trades:        len(trades),
		Cycles:        len(equity),
	}
	s.TotalPnL = s.CurrentEquity - s.InitialEquity

	grossWin, grossLoss := decimal.Zero, decimal.Zero
	for _, t := range trades {
		if t.Side == rules.SideBuy {
			s.Buys++
			continue
		}
		s.Sells++
		switch {
		case t.RealizedPnL.IsPositive():
			s.Wins++
			grossWin = grossWin.Add(t.RealizedPnL)
		case t.RealizedPnL.IsNegative():
			s.Losses++
			grossLoss = grossLoss.Add(t.RealizedPnL.Neg())
		}
	}
	if closed := s.Wins + s.Losses; closed > 0 {
		s.WinRate = float64(s.Wins) / float64(closed) * 100
	}
	if grossLoss.IsPositive() {
		s.ProfitFactor = grossWin.Div(grossLoss).InexactFloat64()
	}

	// drawdown runs over the inception capital followed by every recorded cycle
	peak := s.InitialEquity
	s.MaxEquity, s.MinEquity = s.InitialEquity, s.InitialEquity
	for _, pt := range equity {
		v := pt.Equity.InexactFloat64()
		if v > s.MaxEquity {
			s.MaxEquity = v
		}
		if v < s.MinEquity {
			s.MinEquity = v
		}
		if v > peak {
			peak = v
		}
		if peak > 0 && peak-v > s.MaxDrawdown {
			s.MaxDrawdown = peak - v
			s.MaxDrawdownPct = s.MaxDrawdown / peak * 100
		}
	}
	if len(equity) > 0 {
		s.FirstCycle = equity[0].CreatedAt
		s.LastCycle = equity[len(equity)-1].CreatedAt
	}
	return s
}

// Rank orders summaries by return, best first.
func Rank(list []Summary) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].TotalPnLPct != list[j].TotalPnLPct {
			return list[i].TotalPnLPct > list[j].TotalPnLPct
		}
		return list[i].TraderID < list[j].TraderID
	})
}

// WriteTable prints a fixed-width performance table.
func WriteTable(w io.Writer, list []Summary) error {
	line := strings.Repeat("=", 118)
	var b strings.Builder
	fmt.Fprintln(&b, line)
	fmt.Fprintf(&b, "%-4s %-22s %-7s %14s %14s %9s %7s %8s %9s %12s %7s\n",
		"#", "Trader", "Market", "Initial", "Equity", "Return%", "Trades", "WinRate", "MaxDD%", "Fees", "Cycles")
	fmt.Fprintln(&b, line)
	for i, s := range list {
		fmt.Fprintf(&b, "%-4d %-22s %-7s %14.2f %14.2f %+9.2f %7d %7.1f%% %9.2f %12.2f %7d\n",
			i+1, s.TraderID, s.Market, s.InitialEquity, s.CurrentEquity, s.TotalPnLPct,
			s.Trades, s.WinRate, s.MaxDrawdownPct, s.FeesPaid, s.Cycles)
	}
	fmt.Fprintln(&b, line)
	_, err := io.WriteString(w, b.String())
	return err
}
