package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"aitrade/ledger"
	"aitrade/market"
	"aitrade/rules"
	"aitrade/trader"
)

func openSQLite(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "test.db")}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, openSQLite(t))
}

func TestRebind(t *testing.T) {
	pg := &Store{isPostgres: true}
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", pg.rebind("SELECT a FROM t WHERE x = ? AND y = ?"))

	lite := &Store{}
	assert.Equal(t, "x = ?", lite.rebind("x = ?"))
}

func TestMaskConnectionString(t *testing.T) {
	assert.Equal(t, "postgres://user:***@db:5432/app", maskConnectionString("postgres://user:secret@db:5432/app"))
	assert.Equal(t, "***", maskConnectionString("host=db password=secret"))
}

func TestOpenUnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "mysql"}, zap.NewNop())
	assert.Error(t, err)
}

// runStoreSuite exercises a store through the ledger and the journal.
func runStoreSuite(t *testing.T, s *Store) {
	ctx := context.Background()
	now := time.Date(2025, 3, 12, 10, 0, 0, 0, market.Shanghai)

	_, err := s.LoadPortfolio(ctx, "missing")
	require.True(t, errors.Is(err, ledger.ErrPortfolioNotFound))

	l, err := ledger.Open(ctx, s, rules.AShareRules(),
		ledger.Seed{TraderID: "ashare-1", InitialCapital: decimal.NewFromInt(1000000), LeverageCeiling: 1},
		zap.NewNop(), ledger.WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	snap := &market.Snapshot{Symbol: "600519", Name: "贵州茅台", Price: decimal.NewFromInt(1680), PrevClose: decimal.NewFromInt(1650), Timestamp: now, Synthetic: true}
	for i := 0; i < 3; i++ {
		order, rej := rules.Validate(rules.Intent{Symbol: "600519", Side: rules.SideBuy, Quantity: decimal.NewFromInt(100)}, l.Account(), snap, l.Rules())
		require.Nil(t, rej)
		_, err := l.Apply(ctx, order, order.Fee)
		require.NoError(t, err)
	}

	t.Run("portfolio round trip", func(t *testing.T) {
		p, err := s.LoadPortfolio(ctx, "ashare-1")
		require.NoError(t, err)
		want := l.Snapshot()

		assert.Equal(t, rules.MarketAShare, p.Market)
		assert.True(t, want.Cash.Equal(p.Cash), "cash %s vs %s", p.Cash, want.Cash)
		assert.True(t, want.FeesPaid.Equal(p.FeesPaid))
		assert.Equal(t, int64(4), p.NextSeq)
		assert.True(t, p.Active)
		require.Contains(t, p.Positions, "600519")
		pos := p.Positions["600519"]
		assert.True(t, decimal.NewFromInt(300).Equal(pos.Quantity))
		assert.True(t, decimal.NewFromInt(300).Equal(pos.LockedQuantity))
		assert.Equal(t, "2025-03-12", pos.LockedDay)
		assert.True(t, decimal.NewFromInt(1680).Equal(pos.AvgPrice))
	})

	t.Run("trades in seq order", func(t *testing.T) {
		trades, err := s.ListTrades(ctx, "ashare-1", 0)
		require.NoError(t, err)
		require.Len(t, trades, 3)
		for i, tr := range trades {
			assert.Equal(t, int64(i+1), tr.Seq)
			assert.True(t, tr.Synthetic)
			assert.Equal(t, rules.SideBuy, tr.Side)
		}
		assert.True(t, decimal.NewFromInt(300).Equal(trades[2].Position.Quantity))

		latest, err := s.ListTrades(ctx, "ashare-1", 2)
		require.NoError(t, err)
		require.Len(t, latest, 2)
		assert.Equal(t, int64(2), latest[0].Seq)
		assert.Equal(t, int64(3), latest[1].Seq)
	})

	t.Run("duplicate seq rejected", func(t *testing.T) {
		trades, err := s.ListTrades(ctx, "ashare-1", 1)
		require.NoError(t, err)
		dup := trades[0]
		dup.ID = "another-id"
		err = s.CommitTrade(ctx, l.Snapshot(), &dup)
		assert.True(t, errors.Is(err, ErrDuplicateKey), "got %v", err)
	})

	t.Run("rollover persisted", func(t *testing.T) {
		rolled, err := l.RolloverDay(ctx, "2025-03-13")
		require.NoError(t, err)
		require.True(t, rolled)

		p, err := s.LoadPortfolio(ctx, "ashare-1")
		require.NoError(t, err)
		assert.Equal(t, "2025-03-13", p.TradingDay)
		assert.True(t, p.Positions["600519"].LockedQuantity.IsZero())
	})

	t.Run("journal", func(t *testing.T) {
		require.NoError(t, s.RecordRejection(ctx, trader.RejectionRecord{
			TraderID: "ashare-1", Cycle: 1, Symbol: "600519", Side: rules.SideSell,
			Quantity: decimal.NewFromInt(100), Price: decimal.NewFromInt(1680),
			Reason: rules.T1LockViolation, Detail: "locked", CreatedAt: now,
		}))
		require.NoError(t, s.RecordDecision(ctx, trader.DecisionRecord{
			TraderID: "ashare-1", Cycle: 1, Outcome: trader.OutcomeCompleted,
			SystemPrompt: "sys", UserPrompt: "user", RawResponse: `{"600519":{"signal":"buy"}}`,
			Intents:  []rules.Intent{{Symbol: "600519", Side: rules.SideBuy, Quantity: decimal.NewFromInt(100)}},
			Notes:    []string{"ok"},
			Executed: 1, CreatedAt: now,
		}))
		for i := 1; i <= 3; i++ {
			require.NoError(t, s.RecordEquity(ctx, trader.EquityPoint{
				TraderID: "ashare-1", Cycle: int64(i), Cash: decimal.NewFromInt(1000), Equity: decimal.NewFromInt(int64(1000 + i)),
				PositionValue: decimal.Zero, Liabilities: decimal.Zero, RealizedPnL: decimal.Zero, UnrealizedPnL: decimal.Zero,
				ReturnPct: float64(i) / 10, CreatedAt: now,
			}))
		}

		rejections, err := s.ListRejections(ctx, "ashare-1", 10)
		require.NoError(t, err)
		require.Len(t, rejections, 1)
		assert.Equal(t, rules.T1LockViolation, rejections[0].Reason)

		decisions, err := s.ListDecisions(ctx, "ashare-1", 10)
		require.NoError(t, err)
		require.Len(t, decisions, 1)
		assert.Equal(t, trader.OutcomeCompleted, decisions[0].Outcome)
		require.Len(t, decisions[0].Intents, 1)
		assert.Equal(t, "600519", decisions[0].Intents[0].Symbol)
		assert.Equal(t, []string{"ok"}, decisions[0].Notes)

		equity, err := s.ListEquity(ctx, "ashare-1", 2)
		require.NoError(t, err)
		require.Len(t, equity, 2)
		assert.Equal(t, int64(2), equity[0].Cycle)
		assert.Equal(t, int64(3), equity[1].Cycle)
		assert.InDelta(t, 0.3, equity[1].ReturnPct, 1e-9)
	})

	t.Run("list portfolios", func(t *testing.T) {
		ps, err := s.ListPortfolios(ctx)
		require.NoError(t, err)
		require.Len(t, ps, 1)
		assert.Equal(t, "ashare-1", ps[0].TraderID)
	})
}
