// Package queue wraps the message bus behind send channels, so the
// rest of the server publishes by writing []byte to a channel and
// never touches the bus client directly.
package queue

import (
	nats "github.com/nats-io/go-nats"
	"github.com/sirupsen/logrus"
)

var logger *logrus.Entry

func init() {
	logger = logrus.WithField("package", "queue")
}

// NATS is a connection to a NATS server.
type NATS struct {
	conn *nats.Conn
}

// NewNATS connects to the NATS server at url.
func NewNATS(url string) (*NATS, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}

	return &NATS{conn: conn}, nil
}

// SenderOn returns a channel whose messages get published on subject.
// Publish failures are logged and dropped; the bus is a best-effort
// notification path, never part of a build's outcome.
func (b *NATS) SenderOn(subject string) chan<- []byte {
	sendch := make(chan []byte, 16)

	go func() {
		logger := logger.WithField("subject", subject)

		for msg := range sendch {
			if err := b.conn.Publish(subject, msg); err != nil {
				logger.WithError(err).Error("unable to publish message")
			}
		}
	}()

	return sendch
}

// Close drains and closes the underlying connection.
func (b *NATS) Close() {
	b.conn.Close()
}
