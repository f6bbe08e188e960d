// Package memory provides an in-memory store for tests and dry runs.
package memory

import (
	"context"
	"sort"
	"sync"

	"aitrade/ledger"
	"aitrade/store"
	"aitrade/trader"
)

// Store is an in-memory implementation of ledger.Store and trader.Journal.
type Store struct {
	mu         sync.RWMutex
	portfolios map[string]*ledger.Portfolio
	trades     map[string][]ledger.Trade
	rejections map[string][]trader.RejectionRecord
	decisions  map[string][]trader.DecisionRecord
	equity     map[string][]trader.EquityPoint
	nextID     int64

	// failNext is returned once by the next write, for failure injection
	failNext error
}

var (
	_ ledger.Store   = (*Store)(nil)
	_ trader.Journal = (*Store)(nil)
)

// New creates an empty store.
func New() *Store {
	return &Store{
		portfolios: make(map[string]*ledger.Portfolio),
		trades:     make(map[string][]ledger.Trade),
		rejections: make(map[string][]trader.RejectionRecord),
		decisions:  make(map[string][]trader.DecisionRecord),
		equity:     make(map[string][]trader.EquityPoint),
	}
}

// FailNext makes the next write return err without changing anything.
func (s *Store) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

func (s *Store) takeFailure() error {
	err := s.failNext
	s.failNext = nil
	return err
}

// LoadPortfolio returns a copy of the stored portfolio.
func (s *Store) LoadPortfolio(_ context.Context, traderID string) (*ledger.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.portfolios[traderID]
	if !ok {
		return nil, ledger.ErrPortfolioNotFound
	}
	return p.Clone(), nil
}

// SavePortfolio stores a copy of p.
func (s *Store) SavePortfolio(_ context.Context, p *ledger.Portfolio) error {
	if p == nil || p.TraderID == "" {
		return store.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailure(); err != nil {
		return err
	}
	s.portfolios[p.TraderID] = p.Clone()
	return nil
}

// CommitTrade appends t and saves p together.
func (s *Store) CommitTrade(_ context.Context, p *ledger.Portfolio, t *ledger.Trade) error {
	if p == nil || t == nil || p.TraderID == "" || t.TraderID != p.TraderID {
		return store.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailure(); err != nil {
		return err
	}
	for _, existing := range s.trades[t.TraderID] {
		if existing.Seq == t.Seq {
			return store.ErrDuplicateKey
		}
	}
	s.trades[t.TraderID] = append(s.trades[t.TraderID], *t)
	s.portfolios[p.TraderID] = p.Clone()
	return nil
}

// ListTrades returns the latest limit trades in seq order.
func (s *Store) ListTrades(_ context.Context, traderID string, limit int) ([]ledger.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trades := append([]ledger.Trade(nil), s.trades[traderID]...)
	sort.Slice(trades, func(i, j int) bool { return trades[i].Seq < trades[j].Seq })
	return tail(trades, limit), nil
}

// ListPortfolios returns copies of every stored portfolio, ordered by trader.
func (s *Store) ListPortfolios(_ context.Context) ([]*ledger.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*ledger.Portfolio, 0, len(s.portfolios))
	for _, p := range s.portfolios {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TraderID < out[j].TraderID })
	return out, nil
}

func (s *Store) RecordRejection(_ context.Context, r trader.RejectionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailure(); err != nil {
		return err
	}
	s.nextID++
	r.ID = s.nextID
	s.rejections[r.TraderID] = append(s.rejections[r.TraderID], r)
	return nil
}

func (s *Store) RecordDecision(_ context.Context, d trader.DecisionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailure(); err != nil {
		return err
	}
	s.nextID++
	d.ID = s.nextID
	d.Intents = append(d.Intents[:0:0], d.Intents...)
	s.decisions[d.TraderID] = append(s.decisions[d.TraderID], d)
	return nil
}

func (s *Store) RecordEquity(_ context.Context, e trader.EquityPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailure(); err != nil {
		return err
	}
	s.nextID++
	e.ID = s.nextID
	s.equity[e.TraderID] = append(s.equity[e.TraderID], e)
	return nil
}

// ListRejections returns the latest limit rejections, oldest first.
func (s *Store) ListRejections(_ context.Context, traderID string, limit int) ([]trader.RejectionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return tail(append([]trader.RejectionRecord(nil), s.rejections[traderID]...), limit), nil
}

// ListDecisions returns the latest limit decisions, oldest first.
func (s *Store) ListDecisions(_ context.Context, traderID string, limit int) ([]trader.DecisionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return tail(append([]trader.DecisionRecord(nil), s.decisions[traderID]...), limit), nil
}

// ListEquity returns the latest limit equity points, oldest first.
func (s *Store) ListEquity(_ context.Context, traderID string, limit int) ([]trader.EquityPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return tail(append([]trader.EquityPoint(nil), s.equity[traderID]...), limit), nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func tail[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[len(items)-limit:]
	}
	return items
}
