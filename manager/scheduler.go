package manager

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"aitrade/metrics"
	"aitrade/trader"
)

var (
	ErrTraderExists    = errors.New("trader already registered")
	ErrTraderNotFound  = errors.New("trader not registered")
	ErrInvalidInterval = errors.New("invalid scan interval")
)

// Runner one schedulable trader (*trader.Engine)
type Runner interface {
	ID() string
	RunCycle(ctx context.Context) (*trader.CycleResult, error)
}

// Ticker tick source; time.Ticker in production.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

// DeactivateFunc called once a trader has left the schedule. cause is nil for
// operator deactivation.
type DeactivateFunc func(ctx context.Context, traderID string, cause error)

// SchedulerOption configures a Scheduler
type SchedulerOption func(*Scheduler)

// WithIntervalBounds overrides the accepted interval range (1 to 1440 minutes).
func WithIntervalBounds(lo, hi time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.minInterval, s.maxInterval = lo, hi }
}

// WithTicker replaces the tick source.
func WithTicker(newTicker func(d time.Duration) Ticker) SchedulerOption {
	return func(s *Scheduler) { s.newTicker = newTicker }
}

// WithOnDeactivate registers the deactivation hook.
func WithOnDeactivate(fn DeactivateFunc) SchedulerOption {
	return func(s *Scheduler) { s.onDeactivate = fn }
}

// EntryStatus scheduler view of one trader
type EntryStatus struct {
	TraderID     string        `json:"trader_id"`
	Interval     time.Duration `json:"interval"`
	InFlight     bool          `json:"in_flight"`
	Cycles       int64         `json:"cycles"`
	SkippedTicks int64         `json:"skipped_ticks"`
	LastError    string        `json:"last_error,omitempty"`
	LastRunAt    time.Time     `json:"last_run_at"`
}

type entry struct {
	runner   Runner
	interval time.Duration

	busy    atomic.Bool
	cycles  atomic.Int64
	skipped atomic.Int64

	mu        sync.Mutex
	lastErr   string
	lastRunAt time.Time

	stop     chan struct{}
	done     chan struct{}
	inflight sync.WaitGroup
	launched bool
}

// Scheduler fires each registered trader on its own timer. A tick that
// arrives while the trader's previous cycle is still running is skipped, so
// cycles of one trader never overlap while different traders run in parallel.
type Scheduler struct {
	mu      sync.Mutex
	entries map[string]*entry
	runCtx  context.Context
	started bool

	minInterval  time.Duration
	maxInterval  time.Duration
	newTicker    func(d time.Duration) Ticker
	onDeactivate DeactivateFunc
	log          *zap.Logger
}

// NewScheduler creates an empty scheduler.
func NewScheduler(log *zap.Logger, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		entries:     make(map[string]*entry),
		minInterval: time.Minute,
		maxInterval: 1440 * time.Minute,
		newTicker:   func(d time.Duration) Ticker { return timeTicker{time.NewTicker(d)} },
		log:         log.Named("scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a trader. After Start its loop begins immediately.
func (s *Scheduler) Register(r Runner, interval time.Duration) error {
	if interval < s.minInterval || interval > s.maxInterval {
		return fmt.Errorf("%w: %s not in [%s, %s]", ErrInvalidInterval, interval, s.minInterval, s.maxInterval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := r.ID()
	if _, exists := s.entries[id]; exists {
		return fmt.Errorf("%w: %s", ErrTraderExists, id)
	}
	e := &entry{
		runner:   r,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.entries[id] = e
	metrics.ActiveTraders.Set(float64(len(s.entries)))
	s.log.Info("trader registered", zap.String("trader_id", id), zap.Duration("interval", interval))

	if s.started {
		s.launch(e)
	}
	return nil
}

// Start launches every registered loop. Cycles run on ctx; deactivating a
// trader never cancels its in-flight cycle.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.runCtx = ctx

	s.log.Info("starting all traders", zap.Int("count", len(s.entries)))
	for _, e := range s.entries {
		s.launch(e)
	}
}

func (s *Scheduler) launch(e *entry) {
	e.launched = true
	go s.loop(e)
}

// Deactivate removes a trader, waiting for its in-flight cycle, then fires
// the deactivation hook.
func (s *Scheduler) Deactivate(ctx context.Context, traderID string) error {
	return s.deactivate(ctx, traderID, nil)
}

func (s *Scheduler) deactivate(ctx context.Context, traderID string, cause error) error {
	s.mu.Lock()
	e, ok := s.entries[traderID]
	if ok {
		delete(s.entries, traderID)
		metrics.ActiveTraders.Set(float64(len(s.entries)))
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrTraderNotFound, traderID)
	}

	if err := s.halt(ctx, e); err != nil {
		return err
	}

	if cause != nil {
		s.log.Error("trader deactivated", zap.String("trader_id", traderID), zap.Error(cause))
	} else {
		s.log.Info("trader deactivated", zap.String("trader_id", traderID))
	}
	if s.onDeactivate != nil {
		s.onDeactivate(ctx, traderID, cause)
	}
	return nil
}

// halt stops the loop and waits for the in-flight cycle or ctx.
func (s *Scheduler) halt(ctx context.Context, e *entry) error {
	close(e.stop)
	if !e.launched {
		return nil
	}
	<-e.done

	idle := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(idle)
	}()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for in-flight cycle of %s: %w", e.runner.ID(), ctx.Err())
	}
}

// StopAll stops every loop and waits for in-flight cycles. The hook is not
// fired: traders stay active for the next start.
func (s *Scheduler) StopAll(ctx context.Context) error {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.entries))
	for id, e := range s.entries {
		entries = append(entries, e)
		delete(s.entries, id)
	}
	metrics.ActiveTraders.Set(0)
	s.mu.Unlock()

	s.log.Info("stopping all traders", zap.Int("count", len(entries)))
	var errs []error
	for _, e := range entries {
		if err := s.halt(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Registered reports whether traderID is scheduled.
func (s *Scheduler) Registered(traderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[traderID]
	return ok
}

// Entries status of every registered trader, sorted by id.
func (s *Scheduler) Entries() []EntryStatus {
	s.mu.Lock()
	list := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		list = append(list, e)
	}
	s.mu.Unlock()

	out := make([]EntryStatus, 0, len(list))
	for _, e := range list {
		e.mu.Lock()
		out = append(out, EntryStatus{
			TraderID:     e.runner.ID(),
			Interval:     e.interval,
			InFlight:     e.busy.Load(),
			Cycles:       e.cycles.Load(),
			SkippedTicks: e.skipped.Load(),
			LastError:    e.lastErr,
			LastRunAt:    e.lastRunAt,
		})
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TraderID < out[j].TraderID })
	return out
}

func (s *Scheduler) loop(e *entry) {
	defer close(e.done)

	t := s.newTicker(e.interval)
	defer t.Stop()

	// first cycle runs right away
	s.tick(e)
	for {
		select {
		case <-e.stop:
			return
		case <-s.runCtx.Done():
			return
		case <-t.C():
			s.tick(e)
		}
	}
}

func (s *Scheduler) tick(e *entry) {
	id := e.runner.ID()
	if !e.busy.CompareAndSwap(false, true) {
		e.skipped.Add(1)
		metrics.SkippedTicks.WithLabelValues(id).Inc()
		s.log.Warn("previous cycle still running, tick skipped", zap.String("trader_id", id))
		return
	}
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		defer e.busy.Store(false)
		s.run(e)
	}()
}

func (s *Scheduler) run(e *entry) {
	id := e.runner.ID()
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panicked: %v", r)
			s.log.Error("PANIC in trader cycle", zap.String("trader_id", id), zap.Any("panic", r), zap.String("stack", getStackTrace()))
		}
		e.cycles.Add(1)
		e.mu.Lock()
		e.lastRunAt = time.Now()
		e.lastErr = ""
		if err != nil {
			e.lastErr = err.Error()
		}
		e.mu.Unlock()

		if trader.IsFatal(err) {
			// the hook waits for this goroutine, so deactivate from a fresh one
			go func() {
				if derr := s.deactivate(context.Background(), id, err); derr != nil && !errors.Is(derr, ErrTraderNotFound) {
					s.log.Error("deactivate failed", zap.String("trader_id", id), zap.Error(derr))
				}
			}()
		}
	}()

	_, err = e.runner.RunCycle(s.runCtx)
	if err != nil {
		s.log.Error("cycle failed", zap.String("trader_id", id), zap.Error(err))
	}
}

// getStackTrace returns the current stack trace as a string
func getStackTrace() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}
