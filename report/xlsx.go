package report

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"aitrade/ledger"
	"aitrade/trader"
)

const (
	summarySheet = "Summary"
	tradesSheet  = "Trades"
	equitySheet  = "Equity"
)

// Workbook input for one export
type Workbook struct {
	Summaries []Summary
	Trades    map[string][]ledger.Trade       // by trader id
	Equity    map[string][]trader.EquityPoint // by trader id
}

var (
	summaryHeaders = []string{"Trader", "Market", "Initial", "Equity", "PnL", "Return %", "Realized", "Unrealized",
		"Fees", "Trades", "Buys", "Sells", "Win Rate %", "Profit Factor", "Max DD", "Max DD %", "Cycles"}
	tradeHeaders = []string{"Trader", "Seq", "Executed At", "Trading Day", "Symbol", "Side", "Quantity", "Price",
		"Notional", "Commission", "Stamp Duty", "Cash Delta", "Realized PnL", "Leverage", "Synthetic", "Reason"}
	equityHeaders = []string{"Trader", "Cycle", "Time", "Cash", "Position Value", "Liabilities", "Equity",
		"Realized PnL", "Unrealized PnL", "Return %", "Positions"}
)

// WriteXLSX writes the summary, trades and equity sheets to w.
func WriteXLSX(w io.Writer, wb Workbook) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return err
	}
	for _, name := range []string{tradesSheet, equitySheet} {
		if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("create sheet %s: %w", name, err)
		}
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}
	for sheet, headers := range map[string][]string{summarySheet: summaryHeaders, tradesSheet: tradeHeaders, equitySheet: equityHeaders} {
		if err := writeRow(f, sheet, 1, toAny(headers)); err != nil {
			return err
		}
		last, _ := excelize.CoordinatesToCellName(len(headers), 1)
		if err := f.SetCellStyle(sheet, "A1", last, bold); err != nil {
			return err
		}
	}

	for i, s := range wb.Summaries {
		row := []any{s.TraderID, s.Market, s.InitialEquity, s.CurrentEquity, s.TotalPnL, s.TotalPnLPct, s.RealizedPnL,
			s.UnrealizedPnL, s.FeesPaid, s.Trades, s.Buys, s.Sells, s.WinRate, s.ProfitFactor, s.MaxDrawdown,
			s.MaxDrawdownPct, s.Cycles}
		if err := writeRow(f, summarySheet, i+2, row); err != nil {
			return err
		}
	}

	row := 2
	for _, s := range wb.Summaries {
		for _, t := range wb.Trades[s.TraderID] {
			r := []any{t.TraderID, t.Seq, t.ExecutedAt.Format("2006-01-02 15:04:05"), t.TradingDay, t.Symbol, string(t.Side),
				t.Quantity.String(), t.Price.String(), t.Notional.InexactFloat64(), t.Commission.InexactFloat64(),
				t.StampDuty.InexactFloat64(), t.CashDelta.InexactFloat64(), t.RealizedPnL.InexactFloat64(),
				t.Leverage, t.Synthetic, t.Reason}
			if err := writeRow(f, tradesSheet, row, r); err != nil {
				return err
			}
			row++
		}
	}

	row = 2
	for _, s := range wb.Summaries {
		for _, e := range wb.Equity[s.TraderID] {
			r := []any{e.TraderID, e.Cycle, e.CreatedAt.Format("2006-01-02 15:04:05"), e.Cash.InexactFloat64(),
				e.PositionValue.InexactFloat64(), e.Liabilities.InexactFloat64(), e.Equity.InexactFloat64(),
				e.RealizedPnL.InexactFloat64(), e.UnrealizedPnL.InexactFloat64(), e.ReturnPct, e.Positions}
			if err := writeRow(f, equitySheet, row, r); err != nil {
				return err
			}
			row++
		}
	}

	f.SetActiveSheet(0)
	return f.Write(w)
}

func writeRow(f *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	return f.SetSheetRow(sheet, cell, &values)
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
