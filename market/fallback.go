package market

import (
	"context"

	"go.uber.org/zap"
)

// FallbackProvider tries the primary source first and falls back to the
// synthetic generator when it fails. Snapshots from the fallback are marked
// Synthetic so trades can record where their price came from.
type FallbackProvider struct {
	primary   Provider
	synthetic *SyntheticProvider
	log       *zap.Logger
}

// NewFallbackProvider wraps primary. A nil primary means synthetic only.
func NewFallbackProvider(primary Provider, synthetic *SyntheticProvider, log *zap.Logger) *FallbackProvider {
	return &FallbackProvider{primary: primary, synthetic: synthetic, log: log.Named("market")}
}

func (p *FallbackProvider) Snapshot(ctx context.Context, symbol string) (*Snapshot, error) {
	if p.primary != nil {
		snap, err := p.primary.Snapshot(ctx, symbol)
		if err == nil {
			return snap, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		p.log.Warn("primary market data failed, using synthetic series",
			zap.String("symbol", symbol), zap.Error(err))
	}
	return p.synthetic.Snapshot(ctx, symbol)
}

func (p *FallbackProvider) History(ctx context.Context, symbol string, days int) ([]Bar, error) {
	if p.primary != nil {
		bars, err := p.primary.History(ctx, symbol, days)
		if err == nil {
			return bars, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		p.log.Warn("primary history failed, using synthetic series",
			zap.String("symbol", symbol), zap.Error(err))
	}
	return p.synthetic.History(ctx, symbol, days)
}
