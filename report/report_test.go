package report

import (
	"bytes"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"aitrade/ledger"
	"aitrade/rules"
	"aitrade/trader"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func fixture() (*ledger.Portfolio, []ledger.Trade, []trader.EquityPoint) {
	p := &ledger.Portfolio{
		TraderID:       "t1",
		Market:         rules.MarketAShare,
		Cash:           d("101000"),
		InitialCapital: d("100000"),
		RealizedPnL:    d("1050"),
		FeesPaid:       d("50"),
		Positions:      map[string]*ledger.Position{},
	}
	trades := []ledger.Trade{
		{TraderID: "t1", Seq: 1, Symbol: "600519", Side: rules.SideBuy, Quantity: d("100"), Price: d("100")},
		{TraderID: "t1", Seq: 2, Symbol: "600519", Side: rules.SideSell, Quantity: d("100"), Price: d("115"), RealizedPnL: d("1500")},
		{TraderID: "t1", Seq: 3, Symbol: "600036", Side: rules.SideBuy, Quantity: d("100"), Price: d("40")},
		{TraderID: "t1", Seq: 4, Symbol: "600036", Side: rules.SideSell, Quantity: d("100"), Price: d("35.5"), RealizedPnL: d("-450")},
	}
	t0 := time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)
	equity := []trader.EquityPoint{}
	for i, v := range []string{"100500", "102000", "99960", "101000"} {
		equity = append(equity, trader.EquityPoint{TraderID: "t1", Cycle: int64(i + 1), Equity: d(v), CreatedAt: t0.Add(time.Duration(i) * time.Hour)})
	}
	return p, trades, equity
}

func TestSummarize(t *testing.T) {
	p, trades, equity := fixture()
	s := Summarize(p, trades, equity)

	assert.Equal(t, 4, s.Trades)
	assert.Equal(t, 2, s.Buys)
	assert.Equal(t, 2, s.Sells)
	assert.Equal(t, 1, s.Wins)
	assert.Equal(t, 1, s.Losses)
	assert.InDelta(t, 50, s.WinRate, 1e-9)
	assert.InDelta(t, 1500.0/450.0, s.ProfitFactor, 1e-9)
	assert.InDelta(t, 1000, s.TotalPnL, 1e-9)
	assert.InDelta(t, 1, s.TotalPnLPct, 1e-9)
	assert.InDelta(t, 50, s.FeesPaid, 1e-9)

	assert.InDelta(t, 102000, s.MaxEquity, 1e-9)
	assert.InDelta(t, 99960, s.MinEquity, 1e-9)
	assert.InDelta(t, 2040, s.MaxDrawdown, 1e-9)
	assert.InDelta(t, 2.0, s.MaxDrawdownPct, 1e-9)
	assert.Equal(t, 4, s.Cycles)
	assert.Equal(t, equity[0].CreatedAt, s.FirstCycle)
}

func TestSummarizeEmptyHistory(t *testing.T) {
	p := &ledger.Portfolio{TraderID: "new", Market: rules.MarketCrypto, Cash: d("1000"), InitialCapital: d("1000")}
	s := Summarize(p, nil, nil)
	assert.Zero(t, s.WinRate)
	assert.Zero(t, s.MaxDrawdown)
	assert.InDelta(t, 1000, s.CurrentEquity, 1e-9)
}

func TestRankAndTable(t *testing.T) {
	list := []Summary{
		{TraderID: "b", TotalPnLPct: -1},
		{TraderID: "a", TotalPnLPct: 3},
		{TraderID: "c", TotalPnLPct: 3},
	}
	Rank(list)
	assert.Equal(t, "a", list[0].TraderID)
	assert.Equal(t, "c", list[1].TraderID)
	assert.Equal(t, "b", list[2].TraderID)

	var buf bytes.Buffer
	require.NoError(t, WriteTable(&buf, list))
	assert.Contains(t, buf.String(), "Return%")
	assert.Contains(t, buf.String(), "-1.00")
}

func TestWriteXLSX(t *testing.T) {
	p, trades, equity := fixture()
	s := Summarize(p, trades, equity)

	var buf bytes.Buffer
	require.NoError(t, WriteXLSX(&buf, Workbook{
		Summaries: []Summary{s},
		Trades:    map[string][]ledger.Trade{"t1": trades},
		Equity:    map[string][]trader.EquityPoint{"t1": equity},
	}))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, []string{"Summary", "Trades", "Equity"}, f.GetSheetList())

	rows, err := f.GetRows("Trades")
	require.NoError(t, err)
	require.Len(t, rows, 5)
	assert.Equal(t, "Symbol", rows[0][4])
	assert.Equal(t, "600036", rows[4][4])
	assert.Equal(t, "sell", rows[4][5])

	v, err := f.GetCellValue("Summary", "A2")
	require.NoError(t, err)
	assert.Equal(t, "t1", v)

	rows, err = f.GetRows("Equity")
	require.NoError(t, err)
	assert.Len(t, rows, 5)
}
