package relay

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	applogger "github.com/WayB98/TIWatcher/pkg/logger"
)

// Transport is the message bus the relay rides on.
type Transport interface {
	Publish(subject string, data []byte) error
	// Subscribe delivers each message body to fn, one at a time, and
	// returns a function that cancels the subscription.
	Subscribe(subject string, fn func(data []byte)) (func() error, error)
	Close() error
}

// NATSTransport is a Transport over a core NATS connection.
type NATSTransport struct {
	nc *nats.Conn
}

// DialNATS connects to url and keeps reconnecting for the life of the process.
func DialNATS(url string, l *applogger.Logger) (*NATSTransport, error) {
	if l == nil {
		l = applogger.Nop()
	}
	nc, err := nats.Connect(url,
		nats.Name("tiwatcher"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				l.Warn("nats disconnected", applogger.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			l.Info("nats reconnected", applogger.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATSTransport{nc: nc}, nil
}

func (t *NATSTransport) Publish(subject string, data []byte) error {
	return t.nc.Publish(subject, data)
}

func (t *NATSTransport) Subscribe(subject string, fn func(data []byte)) (func() error, error) {
	sub, err := t.nc.Subscribe(subject, func(msg *nats.Msg) { fn(msg.Data) })
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	return sub.Unsubscribe, nil
}

// Close drains pending messages before closing the connection.
func (t *NATSTransport) Close() error {
	return t.nc.Drain()
}
