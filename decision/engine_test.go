package decision

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"aitrade/ledger"
	"aitrade/market"
	"aitrade/rules"
)

type fakeCaller struct {
	response string
	err      error
	block    bool
	system   string
	user     string
}

func (f *fakeCaller) CallWithMessages(ctx context.Context, system, user string) (string, error) {
	f.system, f.user = system, user
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return f.response, f.err
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testInput() Input {
	day := time.Date(2025, 3, 12, 10, 0, 0, 0, market.Shanghai)
	p := &ledger.Portfolio{
		TraderID:        "t1",
		Market:          rules.MarketAShare,
		Cash:            dec("500000"),
		InitialCapital:  dec("1000000"),
		LeverageCeiling: 1,
		TradingDay:      "2025-03-12",
		Positions: map[string]*ledger.Position{
			"600036": {Symbol: "600036", Quantity: dec("300"), LockedQuantity: dec("100"), LockedDay: "2025-03-12", AvgPrice: dec("38"), MarkPrice: dec("39")},
			"000858": {Symbol: "000858", Quantity: dec("200"), AvgPrice: dec("180"), MarkPrice: dec("178")},
		},
	}
	return Input{
		Portfolio: p,
		RecentTrades: []ledger.Trade{
			{Seq: 1, Symbol: "000858", Side: rules.SideBuy, Quantity: dec("200"), Price: dec("180"), TradingDay: "2025-03-11"},
			{Seq: 2, Symbol: "600036", Side: rules.SideBuy, Quantity: dec("300"), Price: dec("38"), TradingDay: "2025-03-12"},
		},
		Snapshots: map[string]*market.Snapshot{
			"600519": {Symbol: "600519", Name: "贵州茅台", Price: dec("1680"), PrevClose: dec("1650"), ChangePct: 1.82, Timestamp: day, Synthetic: true,
				Indicators: market.Indicators{SMA5: 1670, SMA10: 1660, SMA20: 1650, RSI14: 55, MACD: 3.2}},
			"600036": {Symbol: "600036", Name: "招商银行", Price: dec("39"), PrevClose: dec("38"), Timestamp: day},
			"000858": {Symbol: "000858", Name: "五粮液", Price: dec("178"), PrevClose: dec("180"), Timestamp: day},
		},
	}
}

func TestUserPromptDeterministic(t *testing.T) {
	in := testInput()
	first := BuildUserPrompt(in, 10)
	for i := 0; i < 20; i++ {
		require.Equal(t, first, BuildUserPrompt(in, 10))
	}
	assert.Contains(t, first, "Cash: 500000.00")
	assert.Contains(t, first, "600036: qty 300 (sellable 200)")
	assert.Contains(t, first, "[simulated]")
	assert.Less(t, indexOf(first, "000858: qty"), indexOf(first, "600036: qty"), "positions sorted by symbol")
	assert.Less(t, indexOf(first, "000858 (五粮液)"), indexOf(first, "600519 (贵州茅台)"), "market sorted by symbol")

	windowed := BuildUserPrompt(in, 1)
	assert.NotContains(t, windowed, "#1 ")
	assert.Contains(t, windowed, "#2 ")
}

func TestSystemPromptPerRegime(t *testing.T) {
	a := BuildSystemPrompt(rules.AShareRules())
	assert.Contains(t, a, "multiple of 100")
	assert.Contains(t, a, "T+1")
	assert.Contains(t, a, "±10%")
	assert.Contains(t, a, "±5% for ST")
	assert.Contains(t, a, "stamp duty")
	assert.Contains(t, a, "No leverage")

	c := BuildSystemPrompt(rules.CryptoRules())
	assert.Contains(t, c, "Leverage up to 20x")
	assert.NotContains(t, c, "T+1")
	assert.NotContains(t, c, "stamp duty")
}

func TestParseResponseShapes(t *testing.T) {
	symbols := []string{"000858", "600036", "600519"}
	sellable := map[string]decimal.Decimal{"600036": dec("200")}

	tests := []struct {
		name  string
		raw   string
		want  map[string]rules.Side
		qty   map[string]string
		notes int
	}{
		{
			name: "object keyed by symbol in fence",
			raw:  "Analysis first.\n```json\n{\"600519\": {\"signal\": \"buy\", \"quantity\": 100, \"confidence\": 0.8}, \"600036\": {\"signal\": \"hold\"}}\n```",
			want: map[string]rules.Side{"600519": rules.SideBuy, "600036": rules.SideHold, "000858": rules.SideHold},
			qty:  map[string]string{"600519": "100"},
		},
		{
			name: "array with action aliases",
			raw:  `[{"symbol":"600519","action":"open_long","quantity":"200"},{"symbol":"000858","action":"close_long","quantity":100}]`,
			want: map[string]rules.Side{"600519": rules.SideBuy, "000858": rules.SideSell, "600036": rules.SideHold},
			qty:  map[string]string{"600519": "200", "000858": "100"},
		},
		{
			name: "decisions wrapper in prose",
			raw:  `I think [cautiously] that {"decisions": [{"symbol": "600036", "signal": "sell"}]} is right`,
			want: map[string]rules.Side{"600036": rules.SideSell},
			qty:  map[string]string{"600036": "200"},
		},
		{
			name: "curly quotes",
			raw:  `{“600519”: {“signal”: “buy”, “quantity”: 100, “justification”: “trend {up}”}}`,
			want: map[string]rules.Side{"600519": rules.SideBuy},
			qty:  map[string]string{"600519": "100"},
		},
		{
			name:  "unknown action and symbol",
			raw:   `{"600519": {"signal": "moon"}, "AAPL": {"signal": "buy", "quantity": 1}}`,
			want:  map[string]rules.Side{"600519": rules.SideHold},
			notes: 2,
		},
		{
			name:  "bad quantities",
			raw:   `{"600519": {"signal": "buy", "quantity": -100}, "000858": {"signal": "buy", "quantity": "lots"}, "600036": {"signal": "buy"}}`,
			want:  map[string]rules.Side{"600519": rules.SideHold, "000858": rules.SideHold, "600036": rules.SideHold},
			notes: 3,
		},
		{
			name:  "quantity above maximum",
			raw:   `{"600519": {"signal": "buy", "quantity": 1000000}}`,
			want:  map[string]rules.Side{"600519": rules.SideHold},
			notes: 1,
		},
		{
			name:  "sell all with nothing sellable",
			raw:   `{"000858": {"signal": "sell"}}`,
			want:  map[string]rules.Side{"000858": rules.SideHold},
			notes: 1,
		},
		{
			name: "empty object",
			raw:  `{}`,
			want: map[string]rules.Side{"000858": rules.SideHold, "600036": rules.SideHold, "600519": rules.SideHold},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			intents, notes, err := ParseResponse(tt.raw, symbols, sellable, dec("100000"))
			require.NoError(t, err)
			require.Len(t, intents, len(symbols), "one intent per symbol")
			bySymbol := map[string]rules.Intent{}
			for i, in := range intents {
				assert.Equal(t, symbols[i], in.Symbol)
				bySymbol[in.Symbol] = in
			}
			for sym, side := range tt.want {
				assert.Equal(t, side, bySymbol[sym].Side, sym)
			}
			for sym, q := range tt.qty {
				assert.True(t, dec(q).Equal(bySymbol[sym].Quantity), "%s qty %s", sym, bySymbol[sym].Quantity)
			}
			assert.Len(t, notes, tt.notes, "%v", notes)
		})
	}
}

func TestParseResponseLeverageBounds(t *testing.T) {
	symbols := []string{"BTCUSDT"}
	rs := rules.CryptoRules()
	rs.StrictLeverage = true
	acct := rules.Account{Cash: dec("100000"), LeverageCeiling: 5}
	snap := &market.Snapshot{Symbol: "BTCUSDT", Name: "BTCUSDT", Price: dec("60000"), PrevClose: dec("60000"), Timestamp: time.Now()}

	for _, lev := range []string{`1e20`, `-2`, `2.5`, `"high"`} {
		intents, notes, err := ParseResponse(`{"BTCUSDT": {"signal": "buy", "quantity": 0.01, "leverage": `+lev+`}}`, symbols, nil, decimal.Zero)
		require.NoError(t, err)
		assert.Equal(t, rules.SideHold, intents[0].Side, lev)
		assert.Len(t, notes, 1, lev)
	}

	intents, notes, err := ParseResponse(`{"BTCUSDT": {"signal": "buy", "quantity": 0.01, "leverage": 10}}`, symbols, nil, decimal.Zero)
	require.NoError(t, err)
	assert.Empty(t, notes)
	require.Equal(t, 10, intents[0].TargetLeverage)
	_, rej := rules.Validate(intents[0], acct, snap, rs)
	require.NotNil(t, rej)
	assert.Equal(t, rules.LeverageExceeded, rej.Reason)

	intents, _, err = ParseResponse(`{"BTCUSDT": {"signal": "buy", "quantity": 0.01}}`, symbols, nil, decimal.Zero)
	require.NoError(t, err)
	order, rej := rules.Validate(intents[0], acct, snap, rs)
	require.Nil(t, rej)
	assert.Equal(t, 1, order.Leverage)
}

func TestParseResponseSymbolCase(t *testing.T) {
	symbols := []string{"btcusdt", "ETHUSDT"}
	intents, notes, err := ParseResponse(`{"BTCUSDT": {"signal": "buy", "quantity": 0.01}, "eth": {"signal": "buy", "quantity": 0.5}}`, symbols, nil, decimal.Zero)
	require.NoError(t, err)
	assert.Empty(t, notes)
	require.Len(t, intents, 2)
	assert.Equal(t, "btcusdt", intents[0].Symbol)
	assert.Equal(t, rules.SideBuy, intents[0].Side)
	assert.Equal(t, "ETHUSDT", intents[1].Symbol)
	assert.Equal(t, rules.SideBuy, intents[1].Side)
}

func TestParseResponseMalformed(t *testing.T) {
	for _, raw := range []string{
		"",
		"I would rather not trade today.",
		`{"600519": {"signal": "buy", "quantity": 100`,
		"```json\nnot json\n```",
		`[1, 2, 3]`,
		`{"signal": "buy", "quantity": 100}`,
	} {
		_, _, err := ParseResponse(raw, []string{"600519"}, nil, decimal.Zero)
		assert.True(t, errors.Is(err, ErrDecisionParseFailure), "raw %q: %v", raw, err)
	}
}

func TestDecideHappyPath(t *testing.T) {
	caller := &fakeCaller{response: `{"600519": {"signal": "buy", "quantity": 100, "justification": "breakout"}}`}
	e := NewEngine(caller, rules.AShareRules(), zap.NewNop())

	d := e.Decide(context.Background(), testInput())
	assert.False(t, d.ParseFailure)
	assert.NoError(t, d.Err)
	require.Len(t, d.Intents, 3)
	actionable := d.Actionable()
	require.Len(t, actionable, 1)
	assert.Equal(t, "600519", actionable[0].Symbol)
	assert.Equal(t, "breakout", actionable[0].Reason)
	assert.Equal(t, caller.system, d.SystemPrompt)
	assert.Equal(t, caller.user, d.UserPrompt)
	assert.Equal(t, caller.response, d.RawResponse)
}

func TestDecideDegradesToHold(t *testing.T) {
	tests := []struct {
		name   string
		caller *fakeCaller
	}{
		{"provider error", &fakeCaller{err: errors.New("503 upstream")}},
		{"garbage", &fakeCaller{response: "¯\\_(ツ)_/¯ {{{"}},
		{"timeout", &fakeCaller{block: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(tt.caller, rules.AShareRules(), zap.NewNop(), WithTimeout(20*time.Millisecond))
			d := e.Decide(context.Background(), testInput())
			assert.True(t, d.ParseFailure)
			assert.True(t, errors.Is(d.Err, ErrDecisionParseFailure), "%v", d.Err)
			require.Len(t, d.Intents, 3)
			assert.Empty(t, d.Actionable())
		})
	}
}

func TestFindMatchingBracket(t *testing.T) {
	s := `{"a": "}]", "b": [1, {"c": "\"}"}]} tail`
	assert.Equal(t, len(s)-len(" tail")-1, findMatchingBracket(s, 0))
	assert.Equal(t, -1, findMatchingBracket(`{"open": [`, 0))
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
