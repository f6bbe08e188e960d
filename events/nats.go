package events

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// SubjectPrefix root of every published subject: aitrade.<trader>.<kind>
const SubjectPrefix = "aitrade"

// Subject for one trader and kind. Dots and spaces in the id are replaced
// since they are token separators.
func Subject(traderID string, kind Kind) string {
	id := strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(traderID)
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, id, kind)
}

// NATSPublisher publishes events as JSON on core NATS subjects
type NATSPublisher struct {
	nc  *nats.Conn
	log *zap.Logger
}

// ConnectNATS dials url with reconnects enabled.
func ConnectNATS(url string, log *zap.Logger) (*NATSPublisher, error) {
	log = log.Named("nats")
	nc, err := nats.Connect(url,
		nats.Name("aitrade"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return NewNATSPublisher(nc, log), nil
}

// NewNATSPublisher wraps an existing connection.
func NewNATSPublisher(nc *nats.Conn, log *zap.Logger) *NATSPublisher {
	return &NATSPublisher{nc: nc, log: log}
}

func (p *NATSPublisher) Publish(_ context.Context, e Event) {
	data, err := e.Encode()
	if err != nil {
		p.log.Warn("encode event", zap.Error(err))
		return
	}
	if err := p.nc.Publish(Subject(e.TraderID, e.Kind), data); err != nil {
		p.log.Warn("publish event", zap.String("kind", string(e.Kind)), zap.Error(err))
	}
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() {
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
	}
}
