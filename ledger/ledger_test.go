package ledger_test

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"aitrade/ledger"
	"aitrade/market"
	"aitrade/rules"
	"aitrade/store/memory"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var day1 = time.Date(2025, 3, 12, 10, 0, 0, 0, market.Shanghai)

func openLedger(t *testing.T, st *memory.Store, rs rules.RuleSet, capital string, ceiling int) *ledger.Ledger {
	t.Helper()
	l, err := ledger.Open(context.Background(), st, rs,
		ledger.Seed{TraderID: "t1", InitialCapital: d(capital), LeverageCeiling: ceiling},
		zap.NewNop(), ledger.WithClock(func() time.Time { return day1 }))
	require.NoError(t, err)
	return l
}

func snap(symbol, price, prev string) *market.Snapshot {
	return &market.Snapshot{Symbol: symbol, Name: symbol, Price: d(price), PrevClose: d(prev), Timestamp: day1}
}

func validate(t *testing.T, l *ledger.Ledger, in rules.Intent, s *market.Snapshot) rules.ValidatedOrder {
	t.Helper()
	order, rej := rules.Validate(in, l.Account(), s, l.Rules())
	require.Nil(t, rej)
	return order
}

func TestOpenCreatesPortfolio(t *testing.T) {
	st := memory.New()
	l := openLedger(t, st, rules.AShareRules(), "1000000", 5)

	p := l.Snapshot()
	assert.Equal(t, "t1", p.TraderID)
	assert.True(t, d("1000000").Equal(p.Cash))
	assert.Equal(t, 1, p.LeverageCeiling, "A-share is never leveraged")
	assert.Equal(t, "2025-03-12", p.TradingDay)
	assert.True(t, p.Active)

	stored, err := st.LoadPortfolio(context.Background(), "t1")
	require.NoError(t, err)
	assert.True(t, p.Cash.Equal(stored.Cash))
}

func TestOpenRejectsMarketMismatch(t *testing.T) {
	st := memory.New()
	openLedger(t, st, rules.AShareRules(), "1000000", 1)

	_, err := ledger.Open(context.Background(), st, rules.CryptoRules(),
		ledger.Seed{TraderID: "t1", InitialCapital: d("1000")}, zap.NewNop())
	assert.Error(t, err)
}

func TestApplyBuyCash(t *testing.T) {
	l := openLedger(t, memory.New(), rules.AShareRules(), "1000000", 1)
	order := validate(t, l, rules.Intent{Symbol: "600519", Side: rules.SideBuy, Quantity: d("100")}, snap("600519", "1680", "1680"))

	trade, err := l.Apply(context.Background(), order, order.Fee)
	require.NoError(t, err)

	// 1000000 - 168000 - 50.40
	p := l.Snapshot()
	assert.Equal(t, "831949.6", p.Cash.String())
	assert.Equal(t, "-168050.4", trade.CashDelta.String())
	assert.Equal(t, int64(1), trade.Seq)
	assert.NotEmpty(t, trade.ID)

	pos := p.Positions["600519"]
	require.NotNil(t, pos)
	assert.True(t, d("100").Equal(pos.Quantity))
	assert.True(t, d("100").Equal(pos.LockedQuantity))
	assert.True(t, pos.Sellable().IsZero())
	assert.True(t, d("1680").Equal(pos.AvgPrice))
}

func TestApplySellCashWithStampDuty(t *testing.T) {
	l := openLedger(t, memory.New(), rules.AShareRules(), "1000000", 1)
	ctx := context.Background()

	buy := validate(t, l, rules.Intent{Symbol: "600036", Side: rules.SideBuy, Quantity: d("1000")}, snap("600036", "38", "38"))
	_, err := l.Apply(ctx, buy, buy.Fee)
	require.NoError(t, err)

	_, err = l.RolloverDay(ctx, "2025-03-13")
	require.NoError(t, err)

	before := l.Snapshot().Cash
	sell := validate(t, l, rules.Intent{Symbol: "600036", Side: rules.SideSell, Quantity: d("500")}, snap("600036", "40", "38"))
	trade, err := l.Apply(ctx, sell, sell.Fee)
	require.NoError(t, err)

	// notional 20000, commission 6, stamp duty 20
	assert.Equal(t, "6", trade.Commission.String())
	assert.Equal(t, "20", trade.StampDuty.String())
	assert.True(t, before.Add(d("20000")).Sub(d("26")).Equal(l.Snapshot().Cash))
	// (40 - 38) * 500 - 26
	assert.Equal(t, "974", trade.RealizedPnL.String())
	assert.True(t, d("500").Equal(l.Snapshot().Positions["600036"].Quantity))
}

func TestT1LockAndRollover(t *testing.T) {
	l := openLedger(t, memory.New(), rules.AShareRules(), "1000000", 1)
	ctx := context.Background()
	s := snap("600519", "1680", "1680")

	buy := validate(t, l, rules.Intent{Symbol: "600519", Side: rules.SideBuy, Quantity: d("100")}, s)
	_, err := l.Apply(ctx, buy, buy.Fee)
	require.NoError(t, err)

	sellIntent := rules.Intent{Symbol: "600519", Side: rules.SideSell, Quantity: d("100")}
	_, rej := rules.Validate(sellIntent, l.Account(), s, l.Rules())
	require.NotNil(t, rej)
	assert.Equal(t, rules.T1LockViolation, rej.Reason)

	// same day is a no-op
	rolled, err := l.RolloverDay(ctx, "2025-03-12")
	require.NoError(t, err)
	assert.False(t, rolled)
	_, rej = rules.Validate(sellIntent, l.Account(), s, l.Rules())
	require.NotNil(t, rej)

	rolled, err = l.RolloverDay(ctx, "2025-03-13")
	require.NoError(t, err)
	assert.True(t, rolled)

	// idempotent within the new day
	rolled, err = l.RolloverDay(ctx, "2025-03-13")
	require.NoError(t, err)
	assert.False(t, rolled)

	sell := validate(t, l, sellIntent, s)
	_, err = l.Apply(ctx, sell, sell.Fee)
	require.NoError(t, err)
	assert.Empty(t, l.Snapshot().Positions)
}

func TestLockedQuantityAccumulatesWithinDay(t *testing.T) {
	l := openLedger(t, memory.New(), rules.AShareRules(), "1000000", 1)
	ctx := context.Background()
	s := snap("000333", "65", "65")

	for i := 0; i < 2; i++ {
		buy := validate(t, l, rules.Intent{Symbol: "000333", Side: rules.SideBuy, Quantity: d("100")}, s)
		_, err := l.Apply(ctx, buy, buy.Fee)
		require.NoError(t, err)
	}
	pos := l.Snapshot().Positions["000333"]
	assert.True(t, d("200").Equal(pos.LockedQuantity))

	_, err := l.RolloverDay(ctx, "2025-03-13")
	require.NoError(t, err)
	buy := validate(t, l, rules.Intent{Symbol: "000333", Side: rules.SideBuy, Quantity: d("100")}, s)
	_, err = l.Apply(ctx, buy, buy.Fee)
	require.NoError(t, err)

	pos = l.Snapshot().Positions["000333"]
	assert.True(t, d("300").Equal(pos.Quantity))
	assert.True(t, d("100").Equal(pos.LockedQuantity))
	assert.True(t, d("200").Equal(pos.Sellable()))
}

func TestApplyInconsistency(t *testing.T) {
	l := openLedger(t, memory.New(), rules.AShareRules(), "1000", 1)
	ctx := context.Background()

	// bypasses validation: spends more cash than the portfolio has
	order := rules.ValidatedOrder{
		Symbol: "600519", Side: rules.SideBuy, Quantity: d("100"), Price: d("1680"), Leverage: 1,
	}
	_, err := l.Apply(ctx, order, rules.ComputeFee(d("168000"), rules.SideBuy, l.Rules()))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrLedgerInconsistency))
	assert.True(t, d("1000").Equal(l.Snapshot().Cash), "state unchanged")

	_, err = l.Apply(ctx, rules.ValidatedOrder{Symbol: "600519", Side: rules.SideSell, Quantity: d("100"), Price: d("1680")}, rules.Fee{})
	assert.True(t, errors.Is(err, ledger.ErrLedgerInconsistency))
}

func TestApplyStoreFailureLeavesLedgerUnchanged(t *testing.T) {
	st := memory.New()
	l := openLedger(t, st, rules.AShareRules(), "1000000", 1)
	order := validate(t, l, rules.Intent{Symbol: "600519", Side: rules.SideBuy, Quantity: d("100")}, snap("600519", "1680", "1680"))

	st.FailNext(errors.New("disk full"))
	_, err := l.Apply(context.Background(), order, order.Fee)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ledger.ErrLedgerInconsistency))
	assert.Empty(t, l.Snapshot().Positions)
	assert.Empty(t, l.RecentTrades(10))

	trade, err := l.Apply(context.Background(), order, order.Fee)
	require.NoError(t, err)
	assert.Equal(t, int64(1), trade.Seq, "seq not consumed by the failed commit")
}

func TestLeveragedBuyAndSell(t *testing.T) {
	rs := rules.CryptoRules()
	l := openLedger(t, memory.New(), rs, "10000", 5)
	ctx := context.Background()

	buy := validate(t, l, rules.Intent{Symbol: "BTCUSDT", Side: rules.SideBuy, Quantity: d("0.5"), TargetLeverage: 5}, snap("BTCUSDT", "60000", "60000"))
	_, err := l.Apply(ctx, buy, buy.Fee)
	require.NoError(t, err)

	p := l.Snapshot()
	pos := p.Positions["BTCUSDT"]
	// margin 6000, fee 30
	assert.Equal(t, "3970", p.Cash.String())
	assert.Equal(t, "24000", pos.Borrowed.String())
	assert.Equal(t, "9970", p.Equity().String())
	assert.True(t, pos.Sellable().Equal(pos.Quantity), "no T+1 lock in crypto")

	sell := validate(t, l, rules.Intent{Symbol: "BTCUSDT", Side: rules.SideSell, Quantity: d("0.25")}, snap("BTCUSDT", "62000", "60000"))
	trade, err := l.Apply(ctx, sell, sell.Fee)
	require.NoError(t, err)

	// proceeds 15500 - repay 12000 - fee 15.5
	assert.Equal(t, "3484.5", trade.CashDelta.String())
	assert.Equal(t, "12000", l.Snapshot().Positions["BTCUSDT"].Borrowed.String())
}

func TestMarkToMarket(t *testing.T) {
	l := openLedger(t, memory.New(), rules.CryptoRules(), "100000", 1)
	buy := validate(t, l, rules.Intent{Symbol: "ETHUSDT", Side: rules.SideBuy, Quantity: d("2")}, snap("ETHUSDT", "3000", "3000"))
	_, err := l.Apply(context.Background(), buy, buy.Fee)
	require.NoError(t, err)
	cash := l.Snapshot().Cash

	l.MarkToMarket(map[string]*market.Snapshot{"ETHUSDT": snap("ETHUSDT", "3300", "3000")})

	p := l.Snapshot()
	assert.True(t, cash.Equal(p.Cash))
	assert.True(t, d("2").Equal(p.Positions["ETHUSDT"].Quantity))
	assert.Equal(t, "600", p.Positions["ETHUSDT"].UnrealizedPnL.String())
	assert.True(t, cash.Add(d("6600")).Equal(p.Equity()))
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	l := openLedger(t, memory.New(), rules.CryptoRules(), "100000", 1)
	buy := validate(t, l, rules.Intent{Symbol: "ETHUSDT", Side: rules.SideBuy, Quantity: d("1")}, snap("ETHUSDT", "3000", "3000"))
	_, err := l.Apply(context.Background(), buy, buy.Fee)
	require.NoError(t, err)

	s := l.Snapshot()
	s.Cash = decimal.Zero
	s.Positions["ETHUSDT"].Quantity = d("99")
	delete(s.Positions, "ETHUSDT")

	p := l.Snapshot()
	assert.False(t, p.Cash.IsZero())
	assert.True(t, d("1").Equal(p.Positions["ETHUSDT"].Quantity))
}

func TestHaltPersistsAcrossReopen(t *testing.T) {
	st := memory.New()
	l := openLedger(t, st, rules.AShareRules(), "1000000", 1)
	require.NoError(t, l.MarkHalted(context.Background(), "boom"))

	reopened := openLedger(t, st, rules.AShareRules(), "1000000", 1)
	p := reopened.Snapshot()
	assert.True(t, p.Halted)
	assert.Equal(t, "boom", p.HaltReason)

	require.NoError(t, reopened.ClearHalt(context.Background()))
	assert.False(t, reopened.Snapshot().Halted)
}

// Random order sequences through validation never break the portfolio
// invariant, in either regime.
func TestPortfolioInvariantRandomized(t *testing.T) {
	regimes := []struct {
		name     string
		rs       rules.RuleSet
		symbols  []string
		prices   []float64
		lots     []string
		capital  string
		ceiling  int
		maxLever int
	}{
		{"ashare", rules.AShareRules(), []string{"600519", "600036", "000333"}, []float64{1680, 38, 65}, []string{"100", "200", "300", "150"}, "500000", 1, 1},
		{"crypto spot", rules.CryptoRules(), []string{"BTCUSDT", "ETHUSDT"}, []float64{60000, 3000}, []string{"0.01", "0.1", "0.5", "1.2345"}, "50000", 1, 1},
		{"crypto leveraged", rules.CryptoRules(), []string{"BTCUSDT", "ETHUSDT"}, []float64{60000, 3000}, []string{"0.01", "0.1", "0.5", "1"}, "50000", 10, 10},
	}

	for _, rg := range regimes {
		t.Run(rg.name, func(t *testing.T) {
			for seed := int64(1); seed <= 20; seed++ {
				rng := rand.New(rand.NewSource(seed))
				l := openLedger(t, memory.New(), rg.rs, rg.capital, rg.ceiling)
				prices := append([]float64(nil), rg.prices...)
				day := day1

				for step := 0; step < 150; step++ {
					i := rng.Intn(len(rg.symbols))
					prev := prices[i]
					// moves stay inside the 10% band
					prices[i] = prev * (1 + (rng.Float64()-0.5)*0.15)
					s := &market.Snapshot{
						Symbol:    rg.symbols[i],
						Name:      rg.symbols[i],
						Price:     decimal.NewFromFloat(prices[i]).Round(2),
						PrevClose: decimal.NewFromFloat(prev).Round(2),
						Timestamp: day,
					}
					side := rules.SideBuy
					if rng.Intn(2) == 0 {
						side = rules.SideSell
					}
					in := rules.Intent{
						Symbol:         rg.symbols[i],
						Side:           side,
						Quantity:       d(rg.lots[rng.Intn(len(rg.lots))]),
						TargetLeverage: 1 + rng.Intn(rg.maxLever),
					}
					if side == rules.SideSell && rng.Intn(3) == 0 {
						if pos, ok := l.Snapshot().Positions[in.Symbol]; ok {
							in.Quantity = pos.Sellable()
						}
					}

					order, rej := rules.Validate(in, l.Account(), s, l.Rules())
					if rej == nil {
						_, err := l.Apply(context.Background(), order, order.Fee)
						require.NoError(t, err, "seed %d step %d: %+v", seed, step, in)
					}
					l.MarkToMarket(map[string]*market.Snapshot{s.Symbol: s})

					p := l.Snapshot()
					require.False(t, p.Cash.IsNegative(), "seed %d step %d cash %s", seed, step, p.Cash)
					for _, pos := range p.Positions {
						require.True(t, pos.Quantity.IsPositive())
						require.False(t, pos.Borrowed.IsNegative())
						require.True(t, pos.LockedQuantity.LessThanOrEqual(pos.Quantity))
					}
					if rg.maxLever == 1 {
						require.False(t, p.Cash.Add(p.PositionValue()).IsNegative())
					}

					if rng.Intn(10) == 0 {
						day = day.AddDate(0, 0, 1)
						_, err := l.RolloverDay(context.Background(), market.TradingDay(string(rg.rs.Market), day))
						require.NoError(t, err)
					}
				}
			}
		})
	}
}
