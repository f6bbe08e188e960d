package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"aitrade/ledger"
	"aitrade/trader"
)

type manualTicker struct{ ch chan time.Time }

func (t *manualTicker) C() <-chan time.Time { return t.ch }
func (t *manualTicker) Stop()               {}

// tickers hands out one manual ticker per registered loop, in launch order.
type tickers struct{ made chan *manualTicker }

func newTickers() *tickers { return &tickers{made: make(chan *manualTicker, 8)} }

func (ts *tickers) factory(time.Duration) Ticker {
	t := &manualTicker{ch: make(chan time.Time)}
	ts.made <- t
	return t
}

func (ts *tickers) next(t *testing.T) *manualTicker {
	t.Helper()
	select {
	case tk := <-ts.made:
		return tk
	case <-time.After(2 * time.Second):
		t.Fatal("loop never started")
		return nil
	}
}

// gatedRunner blocks each cycle until released and tracks overlap.
type gatedRunner struct {
	id      string
	release chan struct{}
	started chan struct{}
	err     error
	panics  bool

	active  atomic.Int32
	overlap atomic.Bool
	runs    atomic.Int32
}

func newGatedRunner(id string) *gatedRunner {
	return &gatedRunner{id: id, release: make(chan struct{}), started: make(chan struct{}, 16)}
}

func (r *gatedRunner) ID() string { return r.id }

func (r *gatedRunner) RunCycle(ctx context.Context) (*trader.CycleResult, error) {
	if r.active.Add(1) > 1 {
		r.overlap.Store(true)
	}
	defer r.active.Add(-1)
	r.runs.Add(1)
	r.started <- struct{}{}
	<-r.release
	if r.panics {
		panic("boom")
	}
	return &trader.CycleResult{TraderID: r.id}, r.err
}

func waitStarted(t *testing.T, r *gatedRunner) {
	t.Helper()
	select {
	case <-r.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("%s: cycle never started", r.id)
	}
}

func entryOf(s *Scheduler, id string) EntryStatus {
	for _, e := range s.Entries() {
		if e.TraderID == id {
			return e
		}
	}
	return EntryStatus{}
}

func TestRegisterValidation(t *testing.T) {
	s := NewScheduler(zap.NewNop())

	err := s.Register(newGatedRunner("a"), 30*time.Second)
	assert.True(t, errors.Is(err, ErrInvalidInterval))
	err = s.Register(newGatedRunner("a"), 1441*time.Minute)
	assert.True(t, errors.Is(err, ErrInvalidInterval))

	require.NoError(t, s.Register(newGatedRunner("a"), time.Minute))
	require.NoError(t, s.Register(newGatedRunner("b"), 1440*time.Minute))
	err = s.Register(newGatedRunner("a"), 5*time.Minute)
	assert.True(t, errors.Is(err, ErrTraderExists))

	err = s.Deactivate(context.Background(), "zzz")
	assert.True(t, errors.Is(err, ErrTraderNotFound))

	ids := []string{}
	for _, e := range s.Entries() {
		ids = append(ids, e.TraderID)
	}
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestTickWhileBusyIsSkipped(t *testing.T) {
	ts := newTickers()
	s := NewScheduler(zap.NewNop(), WithTicker(ts.factory))
	r := newGatedRunner("slow")
	require.NoError(t, s.Register(r, time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	tk := ts.next(t)

	// first cycle starts without waiting for a tick
	waitStarted(t, r)

	tk.ch <- time.Now()
	tk.ch <- time.Now()
	assert.Eventually(t, func() bool { return entryOf(s, "slow").SkippedTicks == 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, entryOf(s, "slow").InFlight)

	r.release <- struct{}{}
	assert.Eventually(t, func() bool { return !entryOf(s, "slow").InFlight }, time.Second, 5*time.Millisecond)

	tk.ch <- time.Now()
	waitStarted(t, r)
	r.release <- struct{}{}

	require.NoError(t, s.StopAll(context.Background()))
	assert.Equal(t, int32(2), r.runs.Load(), "skipped ticks are not queued")
	assert.False(t, r.overlap.Load())
}

func TestTradersRunConcurrently(t *testing.T) {
	ts := newTickers()
	s := NewScheduler(zap.NewNop(), WithTicker(ts.factory))
	a, b := newGatedRunner("a"), newGatedRunner("b")
	require.NoError(t, s.Register(a, time.Minute))
	require.NoError(t, s.Register(b, time.Minute))

	s.Start(context.Background())
	waitStarted(t, a)
	waitStarted(t, b)

	// both blocked at the same time
	assert.True(t, entryOf(s, "a").InFlight)
	assert.True(t, entryOf(s, "b").InFlight)

	close(a.release)
	close(b.release)
	require.NoError(t, s.StopAll(context.Background()))
	assert.Empty(t, s.Entries())
}

func TestDeactivateWaitsForInFlightCycle(t *testing.T) {
	ts := newTickers()
	var hooked []string
	var mu sync.Mutex
	s := NewScheduler(zap.NewNop(), WithTicker(ts.factory), WithOnDeactivate(func(_ context.Context, id string, cause error) {
		mu.Lock()
		defer mu.Unlock()
		hooked = append(hooked, fmt.Sprintf("%s:%v", id, cause))
	}))
	r := newGatedRunner("a")
	require.NoError(t, s.Register(r, time.Minute))
	s.Start(context.Background())
	waitStarted(t, r)

	done := make(chan error, 1)
	go func() { done <- s.Deactivate(context.Background(), "a") }()

	select {
	case <-done:
		t.Fatal("deactivate returned while a cycle was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	assert.False(t, s.Registered("a"))

	close(r.release)
	require.NoError(t, <-done)
	mu.Lock()
	assert.Equal(t, []string{"a:<nil>"}, hooked)
	mu.Unlock()
}

func TestFatalErrorDeactivatesOnlyThatTrader(t *testing.T) {
	ts := newTickers()
	hook := make(chan error, 1)
	s := NewScheduler(zap.NewNop(), WithTicker(ts.factory), WithOnDeactivate(func(_ context.Context, id string, cause error) {
		if id == "broken" {
			hook <- cause
		}
	}))
	broken, healthy := newGatedRunner("broken"), newGatedRunner("healthy")
	broken.err = fmt.Errorf("trader broken: %w", ledger.ErrLedgerInconsistency)
	close(broken.release)
	close(healthy.release)
	require.NoError(t, s.Register(broken, time.Minute))
	require.NoError(t, s.Register(healthy, time.Minute))

	s.Start(context.Background())

	select {
	case cause := <-hook:
		assert.True(t, errors.Is(cause, ledger.ErrLedgerInconsistency))
	case <-time.After(2 * time.Second):
		t.Fatal("broken trader was not deactivated")
	}
	assert.False(t, s.Registered("broken"))
	assert.True(t, s.Registered("healthy"))
	require.NoError(t, s.StopAll(context.Background()))
}

func TestPanicIsRecovered(t *testing.T) {
	ts := newTickers()
	s := NewScheduler(zap.NewNop(), WithTicker(ts.factory))
	r := newGatedRunner("p")
	r.panics = true
	require.NoError(t, s.Register(r, time.Minute))
	s.Start(context.Background())
	tk := ts.next(t)
	waitStarted(t, r)
	r.release <- struct{}{}

	assert.Eventually(t, func() bool {
		e := entryOf(s, "p")
		return e.Cycles == 1 && !e.InFlight
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, entryOf(s, "p").LastError, "panicked")
	assert.True(t, s.Registered("p"), "a panic is not fatal")

	// the loop survives and keeps firing
	tk.ch <- time.Now()
	waitStarted(t, r)
	r.release <- struct{}{}
	require.NoError(t, s.StopAll(context.Background()))
}
