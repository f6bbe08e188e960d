package market

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrDataUnavailable is returned when a provider cannot produce data for a symbol.
// The trading engine treats it as a skip, never as a crash.
var ErrDataUnavailable = errors.New("market data unavailable")

// Bar daily OHLCV bar
type Bar struct {
	Time   time.Time       `json:"time"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
}

// Indicators derived technical indicators
type Indicators struct {
	SMA5      float64 `json:"sma_5"`
	SMA10     float64 `json:"sma_10"`
	SMA20     float64 `json:"sma_20"`
	RSI14     float64 `json:"rsi_14"`
	MACD      float64 `json:"macd"`
	Change7d  float64 `json:"price_change_7d"`  // percent
	Change30d float64 `json:"price_change_30d"` // percent
}

// Snapshot read-only price and indicator bundle for one symbol, valid for a
// single decision cycle.
type Snapshot struct {
	Symbol     string          `json:"symbol"`
	Name       string          `json:"name,omitempty"`
	Price      decimal.Decimal `json:"price"`
	PrevClose  decimal.Decimal `json:"prev_close"`
	Bid        decimal.Decimal `json:"bid"`
	Ask        decimal.Decimal `json:"ask"`
	ChangePct  float64         `json:"change_pct"`
	Volume     decimal.Decimal `json:"volume"`
	Indicators Indicators      `json:"indicators"`
	Timestamp  time.Time       `json:"timestamp"`
	Synthetic  bool            `json:"synthetic"` // produced by the offline fallback
}

// Provider market data source
type Provider interface {
	// Snapshot returns the current snapshot for symbol, or an error wrapping ErrDataUnavailable.
	Snapshot(ctx context.Context, symbol string) (*Snapshot, error)

	// History returns up to days daily bars ordered oldest first.
	History(ctx context.Context, symbol string, days int) ([]Bar, error)
}

// Closes extracts closing prices as floats for indicator math.
func Closes(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close.InexactFloat64()
	}
	return out
}
