package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSConfig configures the NATS connection.
type NATSConfig struct {
	URL           string
	Name          string
	SubjectPrefix string
	ReconnectWait time.Duration
}

// NATSPublisher publishes Appended messages on core NATS.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
}

// Connect dials NATS with unlimited reconnects.
func Connect(cfg NATSConfig, logger *zap.Logger) (*nats.Conn, error) {
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error("NATS error", zap.Error(err))
		}),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return nc, nil
}

// NewNATSPublisher wraps an open connection. Close drains it.
func NewNATSPublisher(nc *nats.Conn, prefix string, logger *zap.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logger: logger}
}

// PublishAppended implements Publisher. The row id is sent as Nats-Msg-Id so
// JetStream consumers can drop redeliveries.
func (p *NATSPublisher) PublishAppended(_ context.Context, msg Appended) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	m := nats.NewMsg(Subject(p.prefix, msg.Domain))
	m.Data = data
	m.Header.Set(nats.MsgIdHdr, msg.LedgerRowID)
	if err := p.nc.PublishMsg(m); err != nil {
		return fmt.Errorf("publish %s: %w", m.Subject, err)
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}

// Subscribe delivers every Appended message under prefix to fn until ctx is
// done. Undecodable messages are logged and skipped.
func Subscribe(ctx context.Context, nc *nats.Conn, prefix string, logger *zap.Logger, fn func(Appended)) error {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	sub, err := nc.Subscribe(prefix+".>", func(m *nats.Msg) {
		msg, err := Decode(m.Data)
		if err != nil {
			logger.Warn("skipping ledger notification", zap.String("subject", m.Subject), zap.Error(err))
			return
		}
		fn(msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s.>: %w", prefix, err)
	}
	<-ctx.Done()
	return sub.Unsubscribe()
}
