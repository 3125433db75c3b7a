// Package amqp091 connects the queue source to AMQP 0-9-1 brokers
// (RabbitMQ and compatibles). The configured VPN is used as the vhost.
package amqp091

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"sluice/internal/logging"
	"sluice/source/broker"
)

const defaultPrefetch = 1024

func init() {
	broker.Register("amqp091", func() broker.Connector { return &Connector{} })
}

type Connector struct {
	// Prefetch bounds unacknowledged deliveries per binding in client ack
	// mode. Zero means defaultPrefetch.
	Prefetch int
}

func (c *Connector) Connect(ctx context.Context, cfg broker.ConnConfig) (broker.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := cfg.ClientName
	ac := amqp.Config{
		Vhost:      cfg.VPN,
		Heartbeat:  10 * time.Second,
		Locale:     "en_US",
		Properties: amqp.Table{"connection_name": name},
	}
	if cfg.Username != "" {
		ac.SASL = []amqp.Authentication{&amqp.PlainAuth{Username: cfg.Username, Password: cfg.Password}}
	}
	conn, err := amqp.DialConfig(cfg.Host, ac)
	if err != nil {
		return nil, classify(err)
	}
	prefetch := c.Prefetch
	if prefetch <= 0 {
		prefetch = defaultPrefetch
	}
	return &session{conn: conn, name: name, prefetch: prefetch}, nil
}

type session struct {
	conn     *amqp.Connection
	name     string
	prefetch int

	mu       sync.Mutex
	bindings []*binding
}

func (s *session) ClientName() string { return s.name }

func (s *session) Bind(ctx context.Context, queue string, mode broker.AckMode) (broker.Binding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch, err := s.conn.Channel()
	if err != nil {
		return nil, classify(err)
	}
	// passive: a missing queue fails with 404 rather than being created
	if _, err := ch.QueueDeclarePassive(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("%w: %s", classify(err), queue)
	}
	autoAck := mode == broker.AckAuto
	if !autoAck {
		if err := ch.Qos(s.prefetch, 0, false); err != nil {
			_ = ch.Close()
			return nil, classify(err)
		}
	}
	tag := s.name + "/" + queue
	deliveries, err := ch.Consume(queue, tag, autoAck, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("%w: %s", classify(err), queue)
	}
	bd := &binding{ch: ch, tag: tag, queue: queue, mode: mode, deliveries: deliveries}

	s.mu.Lock()
	s.bindings = append(s.bindings, bd)
	s.mu.Unlock()

	logging.L().Debug("amqp091: consumer bound", "queue", queue, "tag", tag, "auto_ack", autoAck)
	return bd, nil
}

// Backlog reports the ready count of queue using a throwaway channel, since
// a failed passive declare closes the channel it ran on.
func (s *session) Backlog(_ context.Context, queue string) (int64, error) {
	ch, err := s.conn.Channel()
	if err != nil {
		return 0, classify(err)
	}
	defer ch.Close()
	q, err := ch.QueueDeclarePassive(queue, true, false, false, false, nil)
	if err != nil {
		return 0, classify(err)
	}
	return int64(q.Messages), nil
}

func (s *session) Close() error {
	s.mu.Lock()
	bs := s.bindings
	s.bindings = nil
	s.mu.Unlock()

	var errs []error
	for _, bd := range bs {
		if err := bd.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

type binding struct {
	ch         *amqp.Channel
	tag        string
	queue      string
	mode       broker.AckMode
	deliveries <-chan amqp.Delivery

	once sync.Once
}

func (b *binding) Receive(ctx context.Context, timeout time.Duration) (broker.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case d, ok := <-b.deliveries:
		if !ok {
			return nil, broker.ErrBindingClosed
		}
		return &message{d: d, mode: b.mode}, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close cancels the consumer and closes the channel. The broker requeues
// every unacknowledged delivery.
func (b *binding) Close() error {
	var err error
	b.once.Do(func() {
		if cerr := b.ch.Cancel(b.tag, false); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) {
			err = cerr
		}
		if cerr := b.ch.Close(); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) {
			err = errors.Join(err, cerr)
		}
	})
	return err
}

type message struct {
	d    amqp.Delivery
	mode broker.AckMode
}

func (m *message) ID() string {
	if m.d.MessageId != "" {
		return m.d.MessageId
	}
	return strconv.FormatUint(m.d.DeliveryTag, 10)
}

func (m *message) Payload() []byte { return m.d.Body }

func (m *message) Properties() map[string]string { return deliveryProperties(m.d) }

func (m *message) SenderTimestamp() (time.Time, bool) {
	if m.d.Timestamp.IsZero() {
		return time.Time{}, false
	}
	return m.d.Timestamp, true
}

func (m *message) SequenceID() (int64, bool) { return sequenceFromHeaders(m.d.Headers) }

func (m *message) Redelivered() bool { return m.d.Redelivered }

func (m *message) Ack(ctx context.Context) error {
	if m.mode == broker.AckAuto {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.d.Ack(false); err != nil {
		if errors.Is(err, amqp.ErrClosed) {
			return broker.ErrBindingClosed
		}
		return err
	}
	return nil
}

/* ────────── helpers ────────── */

var sequenceHeaders = []string{"x-sequence-id", "sequence"}

func sequenceFromHeaders(h amqp.Table) (int64, bool) {
	for _, k := range sequenceHeaders {
		v, ok := h[k]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case int64:
			return n, true
		case int32:
			return int64(n), true
		case int16:
			return int64(n), true
		case int8:
			return int64(n), true
		case int:
			return int64(n), true
		case uint8:
			return int64(n), true
		case uint16:
			return int64(n), true
		case uint32:
			return int64(n), true
		case string:
			if p, err := strconv.ParseInt(n, 10, 64); err == nil {
				return p, true
			}
		}
	}
	return 0, false
}

func deliveryProperties(d amqp.Delivery) map[string]string {
	out := make(map[string]string, len(d.Headers)+4)
	for k, v := range d.Headers {
		out[k] = fmt.Sprint(v)
	}
	set := func(k, v string) {
		if v != "" {
			out[k] = v
		}
	}
	set("content-type", d.ContentType)
	set("correlation-id", d.CorrelationId)
	set("reply-to", d.ReplyTo)
	set("type", d.Type)
	set("routing-key", d.RoutingKey)
	return out
}

// classify maps broker reply codes onto the broker package errors.
func classify(err error) error {
	var ae *amqp.Error
	if !errors.As(err, &ae) {
		return err
	}
	switch ae.Code {
	case amqp.NotFound:
		return fmt.Errorf("%w: %s", broker.ErrUnknownQueue, ae.Reason)
	case amqp.AccessRefused, amqp.ResourceLocked:
		if ae == amqp.ErrCredentials || ae == amqp.ErrSASL {
			return fmt.Errorf("%w: %s", broker.ErrAuth, ae.Reason)
		}
		return fmt.Errorf("%w: %s", broker.ErrQueueInUse, ae.Reason)
	case amqp.NotAllowed:
		return fmt.Errorf("%w: %s", broker.ErrAuth, ae.Reason)
	}
	return err
}
