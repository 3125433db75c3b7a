// Package amqp10 connects the queue source to AMQP 1.0 brokers. The VPN is
// sent as the open frame's hostname, which is how multi-tenant brokers
// select the message VPN.
package amqp10

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	amqp "github.com/Azure/go-amqp"

	"sluice/internal/logging"
	"sluice/source/broker"
)

const defaultCredit = 256

func init() {
	broker.Register("amqp10", func() broker.Connector { return &Connector{} })
}

type Connector struct {
	// Credit is the link credit granted to each receiver. Zero means
	// defaultCredit.
	Credit int32
}

func (c *Connector) Connect(ctx context.Context, cfg broker.ConnConfig) (broker.Session, error) {
	opts := &amqp.ConnOptions{
		ContainerID: cfg.ClientName,
		HostName:    cfg.VPN,
		IdleTimeout: time.Minute,
	}
	if cfg.Username != "" {
		opts.SASLType = amqp.SASLTypePlain(cfg.Username, cfg.Password)
	}
	conn, err := amqp.Dial(ctx, cfg.Host, opts)
	if err != nil {
		return nil, classify(err)
	}
	sess, err := conn.NewSession(ctx, nil)
	if err != nil {
		_ = conn.Close()
		return nil, classify(err)
	}
	credit := c.Credit
	if credit <= 0 {
		credit = defaultCredit
	}
	return &session{conn: conn, sess: sess, name: cfg.ClientName, credit: credit}, nil
}

type session struct {
	conn   *amqp.Conn
	sess   *amqp.Session
	name   string
	credit int32

	mu       sync.Mutex
	bindings []*binding
}

func (s *session) ClientName() string { return s.name }

func (s *session) Bind(ctx context.Context, queue string, mode broker.AckMode) (broker.Binding, error) {
	rcv, err := s.sess.NewReceiver(ctx, queue, receiverOptions(s.name, queue, mode, s.credit))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", classify(err), queue)
	}
	bd := &binding{rcv: rcv, mode: mode}
	s.mu.Lock()
	s.bindings = append(s.bindings, bd)
	s.mu.Unlock()

	logging.L().Debug("amqp10: receiver attached", "queue", queue, "mode", string(mode))
	return bd, nil
}

func receiverOptions(client, queue string, mode broker.AckMode, credit int32) *amqp.ReceiverOptions {
	o := &amqp.ReceiverOptions{
		Name:           client + "/" + queue,
		Credit:         credit,
		SettlementMode: amqp.ReceiverSettleModeFirst.Ptr(),
	}
	if mode == broker.AckAuto {
		o.RequestedSenderSettleMode = amqp.SenderSettleModeSettled.Ptr()
	} else {
		o.RequestedSenderSettleMode = amqp.SenderSettleModeUnsettled.Ptr()
	}
	return o
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
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.sess.Close(ctx); err != nil && !isClosed(err) {
		errs = append(errs, err)
	}
	if err := s.conn.Close(); err != nil && !isClosed(err) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

type binding struct {
	rcv  *amqp.Receiver
	mode broker.AckMode
	once sync.Once
}

func (b *binding) Receive(ctx context.Context, timeout time.Duration) (broker.Message, error) {
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	msg, err := b.rcv.Receive(rctx, nil)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		if isClosed(err) {
			return nil, broker.ErrBindingClosed
		}
		return nil, classify(err)
	}
	return &message{m: msg, rcv: b.rcv, mode: b.mode}, nil
}

// Close detaches the link. Unsettled deliveries are released back to the
// queue by the broker.
func (b *binding) Close() error {
	var err error
	b.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if cerr := b.rcv.Close(ctx); cerr != nil && !isClosed(cerr) {
			err = cerr
		}
	})
	return err
}

type message struct {
	m    *amqp.Message
	rcv  *amqp.Receiver
	mode broker.AckMode
}

func (m *message) ID() string { return messageID(m.m) }

func (m *message) Payload() []byte {
	if d := m.m.GetData(); d != nil {
		return d
	}
	switch v := m.m.Value.(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	}
	return nil
}

func (m *message) Properties() map[string]string { return applicationProperties(m.m) }

func (m *message) SenderTimestamp() (time.Time, bool) {
	if p := m.m.Properties; p != nil && p.CreationTime != nil && !p.CreationTime.IsZero() {
		return *p.CreationTime, true
	}
	return time.Time{}, false
}

func (m *message) SequenceID() (int64, bool) { return sequenceID(m.m) }

func (m *message) Redelivered() bool {
	return m.m.Header != nil && m.m.Header.DeliveryCount > 0
}

func (m *message) Ack(ctx context.Context) error {
	if m.mode == broker.AckAuto {
		return nil
	}
	if err := m.rcv.AcceptMessage(ctx, m.m); err != nil {
		if isClosed(err) {
			return broker.ErrBindingClosed
		}
		return err
	}
	return nil
}

/* ────────── helpers ────────── */

func messageID(m *amqp.Message) string {
	if m.Properties != nil && m.Properties.MessageID != nil {
		switch id := m.Properties.MessageID.(type) {
		case string:
			return id
		case []byte:
			return hex.EncodeToString(id)
		default:
			return fmt.Sprint(id)
		}
	}
	return hex.EncodeToString(m.DeliveryTag)
}

func applicationProperties(m *amqp.Message) map[string]string {
	out := make(map[string]string, len(m.ApplicationProperties)+2)
	for k, v := range m.ApplicationProperties {
		out[k] = fmt.Sprint(v)
	}
	if p := m.Properties; p != nil {
		if p.ContentType != nil {
			out["content-type"] = *p.ContentType
		}
		if p.Subject != nil {
			out["subject"] = *p.Subject
		}
	}
	return out
}

func sequenceID(m *amqp.Message) (int64, bool) {
	for _, k := range []string{"x-sequence-id", "sequence"} {
		switch v := m.ApplicationProperties[k].(type) {
		case int64:
			return v, true
		case int32:
			return int64(v), true
		case uint32:
			return int64(v), true
		case uint64:
			return int64(v), true
		case string:
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				return n, true
			}
		}
	}
	if p := m.Properties; p != nil && p.GroupSequence != nil {
		return int64(*p.GroupSequence), true
	}
	return 0, false
}

func remoteErr(err error) *amqp.Error {
	var ae *amqp.Error
	if errors.As(err, &ae) {
		return ae
	}
	var le *amqp.LinkError
	if errors.As(err, &le) && le.RemoteErr != nil {
		return le.RemoteErr
	}
	var se *amqp.SessionError
	if errors.As(err, &se) && se.RemoteErr != nil {
		return se.RemoteErr
	}
	var ce *amqp.ConnError
	if errors.As(err, &ce) && ce.RemoteErr != nil {
		return ce.RemoteErr
	}
	return nil
}

// isClosed reports a locally closed link, session or connection.
func isClosed(err error) bool {
	var le *amqp.LinkError
	if errors.As(err, &le) && le.RemoteErr == nil {
		return true
	}
	var se *amqp.SessionError
	if errors.As(err, &se) && se.RemoteErr == nil {
		return true
	}
	var ce *amqp.ConnError
	return errors.As(err, &ce) && ce.RemoteErr == nil
}

func classify(err error) error {
	if ae := remoteErr(err); ae != nil {
		switch ae.Condition {
		case amqp.ErrCondNotFound:
			return fmt.Errorf("%w: %s", broker.ErrUnknownQueue, ae.Description)
		case amqp.ErrCondUnauthorizedAccess:
			return fmt.Errorf("%w: %s", broker.ErrAuth, ae.Description)
		case amqp.ErrCondResourceLocked:
			return fmt.Errorf("%w: %s", broker.ErrQueueInUse, ae.Description)
		}
		return err
	}
	// SASL outcomes surface as plain errors from Dial
	if strings.Contains(err.Error(), "SASL") && strings.Contains(err.Error(), "auth") {
		return fmt.Errorf("%w: %v", broker.ErrAuth, err)
	}
	return err
}
