package decision

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"aitrade/ledger"
	"aitrade/market"
	"aitrade/rules"
)

// ErrDecisionParseFailure the provider answer could not be turned into intents
var ErrDecisionParseFailure = errors.New("decision parse failure")

// Caller chat-completion endpoint (mcp.Client satisfies it)
type Caller interface {
	CallWithMessages(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Input everything the prompt is built from
type Input struct {
	Portfolio    *ledger.Portfolio
	RecentTrades []ledger.Trade
	Snapshots    map[string]*market.Snapshot
}

// Symbols symbols with a snapshot this cycle, sorted.
func (in Input) Symbols() []string {
	symbols := make([]string, 0, len(in.Snapshots))
	for s, snap := range in.Snapshots {
		if snap != nil {
			symbols = append(symbols, s)
		}
	}
	sort.Strings(symbols)
	return symbols
}

// Decision one intent per symbol considered, Hold where the model gave none
type Decision struct {
	Intents      []rules.Intent `json:"intents"`
	SystemPrompt string         `json:"system_prompt"`
	UserPrompt   string         `json:"user_prompt"`
	RawResponse  string         `json:"raw_response"`
	ParseFailure bool           `json:"parse_failure"`
	Err          error          `json:"-"`
	Notes        []string       `json:"notes,omitempty"` // per-symbol coercions to Hold
	Duration     time.Duration  `json:"duration"`
}

// Actionable intents that are not Hold.
func (d *Decision) Actionable() []rules.Intent {
	out := make([]rules.Intent, 0, len(d.Intents))
	for _, in := range d.Intents {
		if in.Side != rules.SideHold {
			out = append(out, in)
		}
	}
	return out
}

// Option configures an Engine
type Option func(*Engine)

// WithTimeout bounds each provider call.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// WithTradeWindow number of recent trades shown in the prompt.
func WithTradeWindow(n int) Option {
	return func(e *Engine) { e.tradeWindow = n }
}

// WithMaxQuantity caps a single intent's quantity; larger ones become Hold.
func WithMaxQuantity(q decimal.Decimal) Option {
	return func(e *Engine) { e.maxQuantity = q }
}

// Engine turns portfolio and market context into intents via an AI provider
type Engine struct {
	caller      Caller
	rules       rules.RuleSet
	timeout     time.Duration
	tradeWindow int
	maxQuantity decimal.Decimal
	log         *zap.Logger
}

// NewEngine creates a decision engine bound to one rule set.
func NewEngine(caller Caller, rs rules.RuleSet, log *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		caller:      caller,
		rules:       rs,
		timeout:     120 * time.Second,
		tradeWindow: 10,
		log:         log.Named("decision"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Decide never fails: provider errors, timeouts and unparseable answers
// degrade to an all-Hold decision with ParseFailure set.
func (e *Engine) Decide(ctx context.Context, in Input) *Decision {
	symbols := in.Symbols()
	d := &Decision{
		SystemPrompt: BuildSystemPrompt(e.rules),
		UserPrompt:   BuildUserPrompt(in, e.tradeWindow),
	}

	callCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	start := time.Now()
	raw, err := e.caller.CallWithMessages(callCtx, d.SystemPrompt, d.UserPrompt)
	d.Duration = time.Since(start)
	d.RawResponse = raw
	if err != nil {
		e.fail(d, symbols, fmt.Errorf("%w: provider call: %v", ErrDecisionParseFailure, err))
		return d
	}

	intents, notes, err := ParseResponse(raw, symbols, sellableOf(in.Portfolio), e.maxQuantity)
	if err != nil {
		e.fail(d, symbols, err)
		return d
	}
	d.Intents = intents
	d.Notes = notes
	for _, note := range notes {
		e.log.Info("intent coerced to hold", zap.String("note", note))
	}
	return d
}

func (e *Engine) fail(d *Decision, symbols []string, err error) {
	d.ParseFailure = true
	d.Err = err
	d.Intents = holdAll(symbols)
	e.log.Warn("DecisionParseFailure, holding all symbols",
		zap.Error(err),
		zap.String("response_preview", truncate(d.RawResponse, 500)))
}

func holdAll(symbols []string) []rules.Intent {
	out := make([]rules.Intent, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, Hold(s))
	}
	return out
}

// Hold intent that does nothing for symbol.
func Hold(symbol string) rules.Intent {
	return rules.Intent{Symbol: symbol, Side: rules.SideHold, OrderType: rules.OrderMarket}
}

func sellableOf(p *ledger.Portfolio) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	if p == nil {
		return out
	}
	for sym, pos := range p.Positions {
		out[sym] = pos.Sellable()
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
