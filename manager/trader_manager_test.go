package manager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"aitrade/config"
	"aitrade/decision"
	"aitrade/ledger"
	"aitrade/market"
	"aitrade/rules"
	"aitrade/store/memory"
	"aitrade/trader"
)

type fixedAnswer string

func (a fixedAnswer) CallWithMessages(context.Context, string, string) (string, error) {
	return string(a), nil
}

func newCryptoEngine(t *testing.T, st *memory.Store, id, answer string) *trader.Engine {
	t.Helper()
	rs := rules.CryptoRules()
	l, err := ledger.Open(context.Background(), st, rs,
		ledger.Seed{TraderID: id, InitialCapital: decimal.NewFromInt(10000), LeverageCeiling: 1}, zap.NewNop())
	require.NoError(t, err)
	dec := decision.NewEngine(fixedAnswer(answer), rs, zap.NewNop())
	return trader.NewEngine(trader.Config{TraderID: id, Name: id, Model: "test", Symbols: []string{"BTCUSDT"}},
		l, dec, market.NewSyntheticProvider(), st, zap.NewNop())
}

func TestComparisonRanksByReturn(t *testing.T) {
	st := memory.New()
	tm := NewTraderManager(zap.NewNop())
	buyer := newCryptoEngine(t, st, "buyer", `{"BTCUSDT": {"action": "buy", "quantity": 0.01}}`)
	holder := newCryptoEngine(t, st, "holder", `{"BTCUSDT": {"action": "hold"}}`)
	require.NoError(t, tm.Add(buyer, 5*time.Minute))
	require.NoError(t, tm.Add(holder, 5*time.Minute))

	ctx := context.Background()
	res, err := buyer.RunCycle(ctx)
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	_, err = holder.RunCycle(ctx)
	require.NoError(t, err)

	cmp := tm.GetComparisonData()
	require.Equal(t, 2, cmp.Count)
	assert.Equal(t, "holder", cmp.Traders[0].TraderID, "fees make the buyer trail")
	assert.Equal(t, 1, cmp.Traders[0].Rank)
	assert.Equal(t, "buyer", cmp.Traders[1].TraderID)
	assert.Less(t, cmp.Traders[1].TotalPnL, 0.0)
	assert.Equal(t, 1, cmp.Traders[1].PositionCount)
	assert.Equal(t, int64(1), cmp.Traders[1].CallCount)
	assert.True(t, cmp.Traders[1].Scheduled)

	require.Len(t, cmp.Markets, 1)
	assert.Equal(t, "crypto", cmp.Markets[0].Market)
	assert.Equal(t, 2, cmp.Markets[0].Traders)
	assert.InDelta(t, 20000, cmp.Markets[0].InitialEquity, 1e-9)

	assert.Equal(t, []string{"buyer", "holder"}, tm.GetTraderIDs())
	err = tm.Add(buyer, 5*time.Minute)
	assert.True(t, errors.Is(err, ErrTraderExists))
}

func TestHaltedTraderWaitsForReset(t *testing.T) {
	st := memory.New()
	tm := NewTraderManager(zap.NewNop())
	e := newCryptoEngine(t, st, "halted", `{}`)
	ctx := context.Background()
	require.NoError(t, e.Ledger().MarkHalted(ctx, "corrupted"))

	// rebuilt engine picks the halt up from the ledger
	restarted := trader.NewEngine(e.Config(), e.Ledger(), decision.NewEngine(fixedAnswer("{}"), rules.CryptoRules(), zap.NewNop()),
		market.NewSyntheticProvider(), st, zap.NewNop())
	require.NoError(t, tm.Add(restarted, time.Minute))
	assert.False(t, tm.Scheduler().Registered("halted"))

	got, err := tm.GetTrader("halted")
	require.NoError(t, err)
	assert.True(t, got.Halted())

	require.NoError(t, tm.ResetTrader(ctx, "halted"))
	assert.True(t, tm.Scheduler().Registered("halted"))
	assert.False(t, got.Halted())

	_, err = tm.GetTrader("nobody")
	assert.True(t, errors.Is(err, ErrTraderNotFound))
	assert.True(t, errors.Is(tm.ResetTrader(ctx, "nobody"), ErrTraderNotFound))
}

func TestDeactivatePersistsInactive(t *testing.T) {
	st := memory.New()
	tm := NewTraderManager(zap.NewNop())
	require.NoError(t, tm.Add(newCryptoEngine(t, st, "c1", `{}`), time.Minute))

	ctx := context.Background()
	require.NoError(t, tm.Deactivate(ctx, "c1"))
	assert.False(t, tm.Scheduler().Registered("c1"))

	p, err := st.LoadPortfolio(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, p.Active)

	// still readable
	_, err = tm.GetTrader("c1")
	assert.NoError(t, err)
	assert.True(t, errors.Is(tm.Deactivate(ctx, "c1"), ErrTraderNotFound))
}

func TestAddTraderFromConfig(t *testing.T) {
	cfg := &config.Config{
		Traders: []config.TraderConfig{{
			ID: "qw", Enabled: true, Market: "crypto", AIModel: "qwen", QwenKey: "k",
			InitialBalance: 5000, Symbols: []string{"ETHUSDT"}, MaxLeverage: 3,
		}},
		MarketData: config.MarketDataConfig{CryptoSource: "synthetic"},
	}
	require.NoError(t, cfg.Validate())

	tm := NewTraderManager(zap.NewNop())
	deps := Deps{
		Store:     memory.New(),
		Providers: NewProviders(cfg.MarketData, zap.NewNop()),
		Config:    cfg,
		Log:       zap.NewNop(),
	}
	require.NoError(t, tm.AddTrader(context.Background(), cfg.Traders[0], deps))

	e, err := tm.GetTrader("qw")
	require.NoError(t, err)
	assert.Equal(t, "qwen-plus", e.Config().Model)
	p := e.Ledger().Snapshot()
	assert.Equal(t, rules.MarketCrypto, p.Market)
	assert.Equal(t, 3, p.LeverageCeiling)
	assert.True(t, decimal.NewFromInt(5000).Equal(p.Cash))
	assert.True(t, tm.Scheduler().Registered("qw"))

	err = tm.AddTrader(context.Background(), cfg.Traders[0], deps)
	assert.True(t, errors.Is(err, ErrTraderExists))
}
