package market

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// BinanceProvider read-only spot market data from Binance.
// Only public ticker and kline endpoints are used; no credentials are needed.
type BinanceProvider struct {
	client *binance.Client
	log    *zap.Logger

	// History cache, klines change at most once per day
	cache         map[string]cachedBars
	cacheMutex    sync.RWMutex
	cacheDuration time.Duration

	historyDays int
}

type cachedBars struct {
	bars []Bar
	at   time.Time
}

// BinanceOption configures a BinanceProvider
type BinanceOption func(*BinanceProvider)

// WithBaseURL points the client at another endpoint (testnet, httptest).
func WithBaseURL(url string) BinanceOption {
	return func(p *BinanceProvider) { p.client.BaseURL = url }
}

// WithHistoryCache sets how long daily klines are reused.
func WithHistoryCache(d time.Duration) BinanceOption {
	return func(p *BinanceProvider) { p.cacheDuration = d }
}

// NewBinanceProvider creates a provider backed by the public spot API.
func NewBinanceProvider(log *zap.Logger, opts ...BinanceOption) *BinanceProvider {
	p := &BinanceProvider{
		client:        binance.NewClient("", ""),
		log:           log.Named("binance"),
		cache:         make(map[string]cachedBars),
		cacheDuration: 5 * time.Minute,
		historyDays:   30,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Snapshot returns 24h ticker data plus indicators computed from daily klines.
func (p *BinanceProvider) Snapshot(ctx context.Context, symbol string) (*Snapshot, error) {
	stats, err := p.client.NewListPriceChangeStatsService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: binance ticker %s: %v", ErrDataUnavailable, symbol, err)
	}
	if len(stats) == 0 {
		return nil, fmt.Errorf("%w: binance ticker %s: empty response", ErrDataUnavailable, symbol)
	}
	st := stats[0]

	price, err := decimal.NewFromString(st.LastPrice)
	if err != nil || !price.IsPositive() {
		return nil, fmt.Errorf("%w: binance ticker %s: bad last price %q", ErrDataUnavailable, symbol, st.LastPrice)
	}
	snap := &Snapshot{
		Symbol:    symbol,
		Name:      symbol,
		Price:     price,
		PrevClose: parseDecimal(st.PrevClosePrice),
		Bid:       parseDecimal(st.BidPrice),
		Ask:       parseDecimal(st.AskPrice),
		Volume:    parseDecimal(st.Volume),
		ChangePct: parseDecimal(st.PriceChangePercent).InexactFloat64(),
		Timestamp: time.UnixMilli(st.CloseTime).UTC(),
	}

	bars, err := p.History(ctx, symbol, p.historyDays)
	if err != nil {
		// Price is still usable without indicators
		p.log.Warn("klines unavailable, indicators left empty", zap.String("symbol", symbol), zap.Error(err))
		return snap, nil
	}
	snap.Indicators = ComputeIndicators(Closes(bars))
	return snap, nil
}

// History returns daily klines, oldest first.
func (p *BinanceProvider) History(ctx context.Context, symbol string, days int) ([]Bar, error) {
	key := fmt.Sprintf("%s:%d", symbol, days)

	p.cacheMutex.RLock()
	if c, ok := p.cache[key]; ok && time.Since(c.at) < p.cacheDuration {
		p.cacheMutex.RUnlock()
		return c.bars, nil
	}
	p.cacheMutex.RUnlock()

	klines, err := p.client.NewKlinesService().Symbol(symbol).Interval("1d").Limit(days).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: binance klines %s: %v", ErrDataUnavailable, symbol, err)
	}
	if len(klines) == 0 {
		return nil, fmt.Errorf("%w: binance klines %s: empty response", ErrDataUnavailable, symbol)
	}

	bars := make([]Bar, 0, len(klines))
	for _, k := range klines {
		bars = append(bars, Bar{
			Time:   time.UnixMilli(k.OpenTime).UTC(),
			Open:   parseDecimal(k.Open),
			High:   parseDecimal(k.High),
			Low:    parseDecimal(k.Low),
			Close:  parseDecimal(k.Close),
			Volume: parseDecimal(k.Volume),
		})
	}

	p.cacheMutex.Lock()
	p.cache[key] = cachedBars{bars: bars, at: time.Now()}
	p.cacheMutex.Unlock()
	return bars, nil
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
