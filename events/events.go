// Package events pushes trading activity to observers: NATS subjects for
// other services and WebSocket clients for dashboards.
package events

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// Kind event type
type Kind string

const (
	KindTrade     Kind = "trade"
	KindRejection Kind = "rejection"
	KindCycle     Kind = "cycle"
	KindHalt      Kind = "halt"
	KindStatus    Kind = "status"
)

// Event one notification about a trader
type Event struct {
	Kind     Kind      `json:"kind"`
	TraderID string    `json:"trader_id"`
	Cycle    int64     `json:"cycle,omitempty"`
	Time     time.Time `json:"time"`
	Payload  any       `json:"payload,omitempty"`
}

// Encode JSON wire form.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Publisher delivers events; failures must not affect trading.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Nop drops everything.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

// Multi fans an event out to several publishers.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) {
	for _, p := range m {
		p.Publish(ctx, e)
	}
}

// Recorder keeps published events in memory.
type Recorder struct {
	ch chan Event
}

// NewRecorder buffers up to n events, dropping the rest.
func NewRecorder(n int) *Recorder {
	return &Recorder{ch: make(chan Event, n)}
}

func (r *Recorder) Publish(_ context.Context, e Event) {
	select {
	case r.ch <- e:
	default:
	}
}

// Drain returns buffered events without blocking.
func (r *Recorder) Drain() []Event {
	var out []Event
	for {
		select {
		case e := <-r.ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

// Logging writes events at debug level.
type Logging struct {
	Log *zap.Logger
}

func (l Logging) Publish(_ context.Context, e Event) {
	l.Log.Debug("event",
		zap.String("kind", string(e.Kind)),
		zap.String("trader_id", e.TraderID),
		zap.Int64("cycle", e.Cycle))
}
