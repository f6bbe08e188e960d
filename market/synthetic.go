package market

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultASharePool default A-share watchlist with display names and base prices
var DefaultASharePool = []Instrument{
	{Symbol: "600519", Name: "贵州茅台", BasePrice: 1680},
	{Symbol: "000858", Name: "五粮液", BasePrice: 180},
	{Symbol: "601318", Name: "中国平安", BasePrice: 45},
	{Symbol: "600036", Name: "招商银行", BasePrice: 38},
	{Symbol: "000333", Name: "美的集团", BasePrice: 65},
	{Symbol: "300750", Name: "宁德时代", BasePrice: 220},
}

// DefaultCryptoPool default crypto watchlist
var DefaultCryptoPool = []Instrument{
	{Symbol: "BTCUSDT", Name: "Bitcoin", BasePrice: 60000},
	{Symbol: "ETHUSDT", Name: "Ethereum", BasePrice: 3000},
	{Symbol: "SOLUSDT", Name: "Solana", BasePrice: 150},
	{Symbol: "BNBUSDT", Name: "BNB", BasePrice: 550},
}

// Instrument symbol metadata used by the synthetic generator
type Instrument struct {
	Symbol    string
	Name      string
	BasePrice float64
}

// SyntheticProvider generates deterministic price series seeded by symbol and
// date. The same symbol at the same instant always yields the same price, and
// the move between a day's open and any later point of that day stays below
// 5%, inside both the regular and the ST limit band.
type SyntheticProvider struct {
	mu          sync.RWMutex
	instruments map[string]Instrument

	loc      *time.Location
	decimals int32
	now      func() time.Time
}

// SyntheticOption configures a SyntheticProvider
type SyntheticOption func(*SyntheticProvider)

// WithLocation sets the time zone whose midnight starts a trading day.
func WithLocation(loc *time.Location) SyntheticOption {
	return func(p *SyntheticProvider) { p.loc = loc }
}

// WithPriceDecimals sets the rounding of generated prices.
func WithPriceDecimals(n int32) SyntheticOption {
	return func(p *SyntheticProvider) { p.decimals = n }
}

// WithNow overrides the clock.
func WithNow(now func() time.Time) SyntheticOption {
	return func(p *SyntheticProvider) { p.now = now }
}

// WithInstruments registers symbol metadata (names and base prices).
func WithInstruments(list ...Instrument) SyntheticOption {
	return func(p *SyntheticProvider) {
		for _, in := range list {
			p.instruments[in.Symbol] = in
		}
	}
}

// NewSyntheticProvider creates a generator preloaded with the default pools.
func NewSyntheticProvider(opts ...SyntheticOption) *SyntheticProvider {
	p := &SyntheticProvider{
		instruments: make(map[string]Instrument),
		loc:         time.UTC,
		decimals:    2,
		now:         time.Now,
	}
	for _, in := range DefaultASharePool {
		p.instruments[in.Symbol] = in
	}
	for _, in := range DefaultCryptoPool {
		p.instruments[in.Symbol] = in
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *SyntheticProvider) instrument(symbol string) Instrument {
	p.mu.RLock()
	in, ok := p.instruments[symbol]
	p.mu.RUnlock()
	if ok {
		return in
	}
	h := hashOf(symbol, 0)
	return Instrument{Symbol: symbol, Name: symbol, BasePrice: 10 + float64(h%99000)/100}
}

// Name returns the display name registered for symbol.
func (p *SyntheticProvider) Name(symbol string) string {
	return p.instrument(symbol).Name
}

// Snapshot returns the generated snapshot for the current instant.
func (p *SyntheticProvider) Snapshot(ctx context.Context, symbol string) (*Snapshot, error) {
	return p.SnapshotAt(ctx, symbol, p.now())
}

// SnapshotAt returns the generated snapshot at ts.
func (p *SyntheticProvider) SnapshotAt(ctx context.Context, symbol string, ts time.Time) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataUnavailable, err)
	}
	in := p.instrument(symbol)
	t := p.dayIndex(ts)
	dayStart := math.Floor(t)

	price := p.round(p.value(in, t))
	prev := p.round(p.value(in, dayStart))
	tick := decimal.New(1, -p.decimals)

	bars, err := p.HistoryAt(ctx, symbol, 30, ts)
	if err != nil {
		return nil, err
	}

	changePct := 0.0
	if prev.IsPositive() {
		changePct = price.Sub(prev).Div(prev).Mul(decimal.NewFromInt(100)).InexactFloat64()
	}
	return &Snapshot{
		Symbol:     symbol,
		Name:       in.Name,
		Price:      price,
		PrevClose:  prev,
		Bid:        price.Sub(tick),
		Ask:        price.Add(tick),
		ChangePct:  changePct,
		Volume:     decimal.NewFromInt(int64(1000 + hashOf(symbol, int64(dayStart))%100000)),
		Indicators: ComputeIndicators(Closes(bars)),
		Timestamp:  ts,
		Synthetic:  true,
	}, nil
}

// History returns days daily bars ending with the current (partial) day.
func (p *SyntheticProvider) History(ctx context.Context, symbol string, days int) ([]Bar, error) {
	return p.HistoryAt(ctx, symbol, days, p.now())
}

// HistoryAt returns days daily bars ending with the day containing ts.
func (p *SyntheticProvider) HistoryAt(ctx context.Context, symbol string, days int, ts time.Time) ([]Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataUnavailable, err)
	}
	if days <= 0 {
		return nil, nil
	}
	in := p.instrument(symbol)
	t := p.dayIndex(ts)
	today := math.Floor(t)

	bars := make([]Bar, 0, days)
	for i := days - 1; i >= 0; i-- {
		start := today - float64(i)
		end := start + 1
		if i == 0 {
			end = t
		}
		open := p.value(in, start)
		closeV := p.value(in, end)
		high, low := math.Max(open, closeV), math.Min(open, closeV)
		// intraday extremes sampled hourly
		for s := start; s < end; s += 1.0 / 24 {
			v := p.value(in, s)
			high = math.Max(high, v)
			low = math.Min(low, v)
		}
		bars = append(bars, Bar{
			Time:   p.timeOf(start),
			Open:   p.round(open),
			High:   p.round(high),
			Low:    p.round(low),
			Close:  p.round(closeV),
			Volume: decimal.NewFromInt(int64(1000 + hashOf(symbol, int64(start))%100000)),
		})
	}
	return bars, nil
}

// value is the price at fractional day index t. Two slow sine waves plus a
// piecewise linear noise term; the steepest combined slope is roughly 3.5% of
// base per day.
func (p *SyntheticProvider) value(in Instrument, t float64) float64 {
	h := hashOf(in.Symbol, 0)
	phase1 := float64(h%1000) / 1000 * 2 * math.Pi
	phase2 := float64((h/1000)%1000) / 1000 * 2 * math.Pi

	v := 1 +
		0.10*math.Sin(2*math.Pi*t/60+phase1) +
		0.03*math.Sin(2*math.Pi*t/13+phase2) +
		0.005*noise(in.Symbol, t)
	return in.BasePrice * v
}

func (p *SyntheticProvider) round(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(p.decimals)
}

// dayIndex converts ts to fractional days since the epoch in the provider's zone.
func (p *SyntheticProvider) dayIndex(ts time.Time) float64 {
	_, offset := ts.In(p.loc).Zone()
	return float64(ts.Unix()+int64(offset)) / 86400
}

func (p *SyntheticProvider) timeOf(day float64) time.Time {
	sec := int64(day * 86400)
	t := time.Unix(sec, 0).In(p.loc)
	_, offset := t.Zone()
	return t.Add(-time.Duration(offset) * time.Second)
}

// noise interpolates between per-day pseudo-random points in [-1, 1].
func noise(symbol string, t float64) float64 {
	d := math.Floor(t)
	a := unit(hashOf(symbol, int64(d)))
	b := unit(hashOf(symbol, int64(d)+1))
	return a + (b-a)*(t-d)
}

func unit(h uint64) float64 {
	return float64(h%20001)/10000 - 1
}

func hashOf(symbol string, day int64) uint64 {
	f := fnv.New64a()
	f.Write([]byte(symbol))
	f.Write([]byte{byte(day), byte(day >> 8), byte(day >> 16), byte(day >> 24), byte(day >> 32)})
	return f.Sum64()
}
