// Command report prints a performance table for every stored trader and
// optionally exports trades and equity history to an XLSX workbook.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"aitrade/config"
	"aitrade/ledger"
	"aitrade/logger"
	"aitrade/report"
	"aitrade/store"
	"aitrade/trader"
)

func main() {
	configFile := flag.String("config", "config.json", "configuration file (database section is used)")
	out := flag.String("o", "", "write an XLSX workbook to this path")
	only := flag.String("trader", "", "limit the report to one trader id")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("❌ Failed to load configuration: %v", err)
	}
	zl, err := logger.New(logger.Config{Level: "warn"})
	if err != nil {
		log.Fatalf("❌ Failed to build logger: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	st, err := store.Open(ctx, cfg.Database, zl)
	if err != nil {
		log.Fatalf("❌ Failed to open store: %v", err)
	}
	defer st.Close()

	portfolios, err := st.ListPortfolios(ctx)
	if err != nil {
		log.Fatalf("❌ Failed to list portfolios: %v", err)
	}

	wb := report.Workbook{
		Trades: make(map[string][]ledger.Trade),
		Equity: make(map[string][]trader.EquityPoint),
	}
	for _, p := range portfolios {
		if *only != "" && p.TraderID != *only {
			continue
		}
		trades, err := st.ListTrades(ctx, p.TraderID, 0)
		if err != nil {
			log.Fatalf("❌ Failed to load trades of %s: %v", p.TraderID, err)
		}
		equity, err := st.ListEquity(ctx, p.TraderID, 0)
		if err != nil {
			log.Fatalf("❌ Failed to load equity history of %s: %v", p.TraderID, err)
		}
		// stored marks date from the last commit; the journal has the latest cycle
		if n := len(equity); n > 0 {
			markFromEquity(p, equity[n-1])
		}
		wb.Summaries = append(wb.Summaries, report.Summarize(p, trades, equity))
		wb.Trades[p.TraderID] = trades
		wb.Equity[p.TraderID] = equity
	}
	if len(wb.Summaries) == 0 {
		fmt.Println("❌ No traders found in the store")
		return
	}

	report.Rank(wb.Summaries)
	fmt.Println("📊 PERFORMANCE REPORT")
	if err := report.WriteTable(os.Stdout, wb.Summaries); err != nil {
		log.Fatalf("❌ Failed to print report: %v", err)
	}

	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			log.Fatalf("❌ Failed to create %s: %v", *out, err)
		}
		if err := report.WriteXLSX(f, wb); err != nil {
			f.Close()
			log.Fatalf("❌ Failed to write workbook: %v", err)
		}
		if err := f.Close(); err != nil {
			log.Fatalf("❌ Failed to close %s: %v", *out, err)
		}
		fmt.Printf("✓ Workbook written to %s\n", *out)
	}
}

// markFromEquity rescales position marks so their total matches the last
// recorded position value.
func markFromEquity(p *ledger.Portfolio, last trader.EquityPoint) {
	cost := p.PositionValue()
	if !cost.IsPositive() || !last.PositionValue.IsPositive() {
		return
	}
	ratio := last.PositionValue.Div(cost)
	for _, pos := range p.Positions {
		pos.MarkPrice = pos.Mark().Mul(ratio)
	}
}
