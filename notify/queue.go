package notify

import (
	"context"
	"encoding/json"
)

// QueueSink publishes notifications onto a message bus through a send
// channel. The server wires the channel to a NATS subject, so anything
// subscribed to the bus sees every terminal build.
type QueueSink struct {
	sendch chan<- []byte
}

// NewQueueSink returns a QueueSink writing to sendch.
func NewQueueSink(sendch chan<- []byte) *QueueSink {
	return &QueueSink{sendch: sendch}
}

// Notify marshals the notification and hands it to the bus.
func (s *QueueSink) Notify(ctx context.Context, n Notification) error {
	buf, err := json.Marshal(n)
	if err != nil {
		return err
	}

	select {
	case s.sendch <- buf:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
