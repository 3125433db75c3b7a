// Package memory provides an in-process broker with durable queues,
// exclusive bindings and client acknowledgement. It is useful for testing and
// development without an external broker.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"sluice/source/broker"
)

// Default is the broker returned by the "memory" driver.
var Default = New()

func init() {
	broker.Register("memory", func() broker.Connector { return Default })
}

// Broker holds named queues. It is safe for concurrent use.
type Broker struct {
	mu     sync.Mutex
	users  map[string]string
	queues map[string]*queueState
	seq    int64
}

type queueState struct {
	ready    []*delivery
	inflight map[string]*delivery
	bound    *binding
	acked    []string
	ackCount map[string]int
	notify   chan struct{}

	receiveErr error
	ackErr     error
}

type delivery struct {
	order       int64
	id          string
	payload     []byte
	props       map[string]string
	ts          time.Time
	hasTS       bool
	seq         int64
	hasSeq      bool
	redelivered bool
}

// New returns an empty broker that accepts any credentials.
func New() *Broker {
	return &Broker{
		users:  map[string]string{},
		queues: map[string]*queueState{},
	}
}

// AddUser restricts Connect to known usernames.
func (b *Broker) AddUser(username, password string) {
	b.mu.Lock()
	b.users[username] = password
	b.mu.Unlock()
}

// CreateQueue provisions a durable queue. Creating an existing queue is a
// no-op.
func (b *Broker) CreateQueue(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[name]; ok {
		return
	}
	b.queues[name] = &queueState{
		inflight: map[string]*delivery{},
		ackCount: map[string]int{},
		notify:   make(chan struct{}, 1),
	}
}

type PublishOption func(*delivery)

func WithSenderTimestamp(ts time.Time) PublishOption {
	return func(d *delivery) { d.ts, d.hasTS = ts, true }
}

func WithSequenceID(seq int64) PublishOption {
	return func(d *delivery) { d.seq, d.hasSeq = seq, true }
}

func WithProperty(key, value string) PublishOption {
	return func(d *delivery) {
		if d.props == nil {
			d.props = map[string]string{}
		}
		d.props[key] = value
	}
}

// Publish appends a message to the queue and returns its id.
func (b *Broker) Publish(queue string, payload []byte, opts ...PublishOption) (string, error) {
	b.mu.Lock()
	q, ok := b.queues[queue]
	if !ok {
		b.mu.Unlock()
		return "", fmt.Errorf("%w: %s", broker.ErrUnknownQueue, queue)
	}
	b.seq++
	d := &delivery{order: b.seq, id: fmt.Sprintf("%s-%d", queue, b.seq), payload: payload}
	for _, o := range opts {
		o(d)
	}
	q.ready = append(q.ready, d)
	b.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return d.id, nil
}

// FailReceive makes every Receive on the queue return err until cleared
// with nil.
func (b *Broker) FailReceive(queue string, err error) {
	b.mu.Lock()
	if q, ok := b.queues[queue]; ok {
		q.receiveErr = err
	}
	b.mu.Unlock()
}

// FailAck makes every Ack on the queue return err until cleared with nil.
func (b *Broker) FailAck(queue string, err error) {
	b.mu.Lock()
	if q, ok := b.queues[queue]; ok {
		q.ackErr = err
	}
	b.mu.Unlock()
}

// Acked returns message ids in the order they were acknowledged.
func (b *Broker) Acked(queue string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	if !ok {
		return nil
	}
	return append([]string(nil), q.acked...)
}

// AckCount reports how many times id was acknowledged.
func (b *Broker) AckCount(queue, id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queue]; ok {
		return q.ackCount[id]
	}
	return 0
}

// InFlight reports deliveries that were received but not yet acknowledged.
func (b *Broker) InFlight(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queue]; ok {
		return len(q.inflight)
	}
	return 0
}

// Depth reports ready plus in-flight messages.
func (b *Broker) Depth(queue string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	if !ok {
		return 0, fmt.Errorf("%w: %s", broker.ErrUnknownQueue, queue)
	}
	return len(q.ready) + len(q.inflight), nil
}

/* ────────── broker.Connector ────────── */

func (b *Broker) Connect(ctx context.Context, cfg broker.ConnConfig) (broker.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.users) > 0 {
		if pw, ok := b.users[cfg.Username]; !ok || pw != cfg.Password {
			return nil, fmt.Errorf("%w: user %q", broker.ErrAuth, cfg.Username)
		}
	}
	name := cfg.ClientName
	if name == "" {
		b.seq++
		name = fmt.Sprintf("memory-client-%d", b.seq)
	}
	return &session{b: b, name: name}, nil
}

type session struct {
	b    *Broker
	name string

	mu       sync.Mutex
	closed   bool
	bindings []*binding
}

func (s *session) ClientName() string { return s.name }

func (s *session) Bind(ctx context.Context, queue string, mode broker.AckMode) (broker.Binding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("memory: session closed")
	}

	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	q, ok := s.b.queues[queue]
	if !ok {
		return nil, fmt.Errorf("%w: %s", broker.ErrUnknownQueue, queue)
	}
	if q.bound != nil {
		return nil, fmt.Errorf("%w: %s", broker.ErrQueueInUse, queue)
	}
	bd := &binding{b: s.b, q: q, name: queue, mode: mode}
	q.bound = bd
	s.bindings = append(s.bindings, bd)
	return bd, nil
}

func (s *session) Backlog(_ context.Context, queue string) (int64, error) {
	n, err := s.b.Depth(queue)
	return int64(n), err
}

func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	bs := s.bindings
	s.bindings = nil
	s.mu.Unlock()

	for _, bd := range bs {
		_ = bd.Close()
	}
	return nil
}

type binding struct {
	b    *Broker
	q    *queueState
	name string
	mode broker.AckMode

	closed bool // guarded by b.mu
}

func (bd *binding) Receive(ctx context.Context, timeout time.Duration) (broker.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		bd.b.mu.Lock()
		if bd.closed {
			bd.b.mu.Unlock()
			return nil, broker.ErrBindingClosed
		}
		if err := bd.q.receiveErr; err != nil {
			bd.b.mu.Unlock()
			return nil, err
		}
		if len(bd.q.ready) > 0 {
			d := bd.q.ready[0]
			bd.q.ready[0] = nil
			bd.q.ready = bd.q.ready[1:]
			if bd.mode == broker.AckClient {
				bd.q.inflight[d.id] = d
			}
			bd.b.mu.Unlock()
			return &message{bd: bd, d: d}, nil
		}
		bd.b.mu.Unlock()

		select {
		case <-bd.q.notify:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close releases the queue and requeues unacknowledged deliveries at the
// head of the queue, flagged as redelivered.
func (bd *binding) Close() error {
	bd.b.mu.Lock()
	defer bd.b.mu.Unlock()
	if bd.closed {
		return nil
	}
	bd.closed = true
	if bd.q.bound == bd {
		bd.q.bound = nil
	}
	if len(bd.q.inflight) == 0 {
		return nil
	}
	requeue := make([]*delivery, 0, len(bd.q.inflight)+len(bd.q.ready))
	for _, d := range bd.q.inflight {
		d.redelivered = true
		requeue = append(requeue, d)
	}
	sort.Slice(requeue, func(i, j int) bool { return requeue[i].order < requeue[j].order })
	bd.q.ready = append(requeue, bd.q.ready...)
	bd.q.inflight = map[string]*delivery{}
	select {
	case bd.q.notify <- struct{}{}:
	default:
	}
	return nil
}

type message struct {
	bd *binding
	d  *delivery
}

func (m *message) ID() string                    { return m.d.id }
func (m *message) Payload() []byte               { return m.d.payload }
func (m *message) Properties() map[string]string { return m.d.props }
func (m *message) Redelivered() bool             { return m.d.redelivered }

func (m *message) SenderTimestamp() (time.Time, bool) { return m.d.ts, m.d.hasTS }
func (m *message) SequenceID() (int64, bool)          { return m.d.seq, m.d.hasSeq }

func (m *message) Ack(ctx context.Context) error {
	if m.bd.mode == broker.AckAuto {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b := m.bd.b
	b.mu.Lock()
	defer b.mu.Unlock()
	q := m.bd.q
	if q.ackErr != nil {
		return q.ackErr
	}
	if m.bd.closed {
		return broker.ErrBindingClosed
	}
	delete(q.inflight, m.d.id)
	q.acked = append(q.acked, m.d.id)
	q.ackCount[m.d.id]++
	return nil
}
