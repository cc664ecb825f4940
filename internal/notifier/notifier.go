package notifier

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// Notifier publishes charge-point lifecycle events for downstream
// consumers. Publishing is best effort; a broker outage never blocks
// protocol handling.
type Notifier interface {
	Publish(topic string, payload map[string]interface{})
	Close()
}

// Noop discards all events. Used when no broker is configured.
type Noop struct{}

func (Noop) Publish(string, map[string]interface{}) {}
func (Noop) Close()                                 {}

// NATS publishes events as JSON messages on NATS subjects.
type NATS struct {
	conn *nats.Conn
}

// NewNATS connects to the given NATS server.
func NewNATS(url string) (*NATS, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logrus.WithError(err).Warn("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logrus.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, err
	}
	return &NATS{conn: conn}, nil
}

func (n *NATS) Publish(topic string, payload map[string]interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		logrus.WithError(err).WithField("topic", topic).Error("Failed to marshal event")
		return
	}
	if err := n.conn.Publish(topic, data); err != nil {
		logrus.WithError(err).WithField("topic", topic).Error("Failed to publish event")
	}
}

func (n *NATS) Close() {
	if err := n.conn.Drain(); err != nil {
		logrus.WithError(err).Warn("NATS drain failed")
	}
}
