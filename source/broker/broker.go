// Package broker defines the capabilities a queue source needs from a message
// broker: an authenticated session, an exclusive receive flow bound to one
// durable queue, and per-message acknowledgement. Drivers live in the
// sub-packages and register themselves by name.
package broker

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnknownQueue is returned by Session.Bind when the queue does not
	// exist on the broker. Queues are never provisioned by a reader.
	ErrUnknownQueue = errors.New("broker: unknown queue")
	// ErrAuth is returned by Connect when the broker rejects the credentials.
	ErrAuth = errors.New("broker: authentication failed")
	// ErrQueueInUse is returned by Bind when another flow already holds the
	// queue exclusively.
	ErrQueueInUse = errors.New("broker: queue bound by another flow")
	// ErrBindingClosed is returned by Receive and Ack once the flow is closed.
	ErrBindingClosed = errors.New("broker: binding closed")
)

type AckMode string

const (
	AckAuto   AckMode = "auto"   // broker settles on delivery
	AckClient AckMode = "client" // consumer settles with Message.Ack
)

// ConnConfig carries the session parameters shared by every driver.
// Drivers interpret VPN as their namespace: message VPN, vhost, AMQP
// hostname, or consumer group.
type ConnConfig struct {
	Host       string
	Username   string
	Password   string
	VPN        string
	ClientName string
}

type Connector interface {
	Connect(ctx context.Context, cfg ConnConfig) (Session, error)
}

type Session interface {
	// ClientName is the name the broker knows this session by.
	ClientName() string
	Bind(ctx context.Context, queue string, mode AckMode) (Binding, error)
	Close() error
}

type Binding interface {
	// Receive waits up to timeout for the next message. It returns a nil
	// message and a nil error when nothing arrived in time.
	Receive(ctx context.Context, timeout time.Duration) (Message, error)
	Close() error
}

// Message is a raw broker message handle.
type Message interface {
	ID() string
	Payload() []byte
	Properties() map[string]string
	// SenderTimestamp reports the publisher-assigned time, if the broker
	// carried one.
	SenderTimestamp() (time.Time, bool)
	// SequenceID reports the publisher-assigned sequence number, if any.
	SequenceID() (int64, bool)
	Redelivered() bool
	// Ack settles the message. It is a no-op for messages received under
	// AckAuto.
	Ack(ctx context.Context) error
}

// BacklogReporter is implemented by sessions that can report how many
// messages are waiting on a queue without consuming them.
type BacklogReporter interface {
	Backlog(ctx context.Context, queue string) (int64, error)
}
