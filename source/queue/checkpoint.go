package queue

import (
	"context"
	"encoding"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	ring "github.com/eapache/queue"
	"google.golang.org/protobuf/encoding/protowire"

	"sluice/internal/logging"
	"sluice/internal/telemetry"
	"sluice/source/broker"
)

/* ───────────────────────── AckCoordinator ───────────────────────────── */

// AckCoordinator holds messages that are safe to acknowledge. The owning
// reader enqueues at checkpoint time; finalizers dequeue from any
// goroutine. Enqueue never waits for capacity and TryDequeue never waits
// for an element, so a drain stops as soon as the queue is seen empty.
type AckCoordinator struct {
	mu sync.Mutex
	q  *ring.Queue
}

func NewAckCoordinator() *AckCoordinator {
	return &AckCoordinator{q: ring.New()}
}

// Enqueue appends msgs in order as one step.
func (c *AckCoordinator) Enqueue(msgs ...broker.Message) {
	if len(msgs) == 0 {
		return
	}
	c.mu.Lock()
	for _, m := range msgs {
		c.q.Add(m)
	}
	c.mu.Unlock()
}

// TryDequeue removes the oldest message. A message is handed out at most
// once.
func (c *AckCoordinator) TryDequeue() (broker.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.q.Length() == 0 {
		return nil, false
	}
	return c.q.Remove().(broker.Message), true
}

func (c *AckCoordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.q.Length()
}

/* ───────────────────────── acker ────────────────────────────────────── */

// acker is the part of a reader that outlives it: checkpoints keep a
// pointer to it and finalize through it from other goroutines.
type acker struct {
	queue  string
	client atomic.Value // string, set by Start
	active atomic.Bool
	acks   *AckCoordinator
}

func newAcker(queue string) *acker {
	a := &acker{queue: queue, acks: NewAckCoordinator()}
	a.client.Store("")
	a.active.Store(true)
	return a
}

func (a *acker) clientName() string {
	s, _ := a.client.Load().(string)
	return s
}

// ackMessages drains the coordinator and acks each message. It stops
// without error once the reader is closed.
func (a *acker) ackMessages(ctx context.Context) error {
	drained := 0
	state := "active"
	if !a.active.Load() {
		state = "closed"
	}
	defer func() {
		logging.L().Debug(fmt.Sprintf("try to ack %d messages with %s session", drained, state),
			"client", a.clientName(), "queue", a.queue)
	}()
	if state == "closed" {
		return nil
	}

	for a.active.Load() {
		m, ok := a.acks.TryDequeue()
		if !ok {
			break
		}
		drained++
		if err := m.Ack(ctx); err != nil {
			telemetry.AckFailuresTotal.WithLabelValues(a.queue).Inc()
			return fmt.Errorf("%w: ack message %s on queue %q: %w", ErrIO, m.ID(), a.queue, err)
		}
		telemetry.MessagesAckedTotal.WithLabelValues(a.queue).Inc()
	}
	telemetry.StagedMessages.WithLabelValues(a.queue).Set(float64(a.acks.Len()))
	return nil
}

/* ───────────────────────── CheckpointMark ───────────────────────────── */

// CheckpointMark is handed to the host engine by Reader.CheckpointMark.
// Finalizing it acknowledges everything the reader had staged up to that
// point, along with anything staged by later checkpoints that has not been
// finalized yet. Dropping a mark without finalizing it is allowed: its
// messages stay unacknowledged and the next finalize, or the broker's
// redelivery, picks them up.
type CheckpointMark struct {
	queue   string
	client  string
	seq     uint64
	staged  int
	created time.Time

	owner *acker // nil when decoded from bytes
}

var (
	_ encoding.BinaryMarshaler   = (*CheckpointMark)(nil)
	_ encoding.BinaryUnmarshaler = (*CheckpointMark)(nil)
)

func (m *CheckpointMark) Queue() string        { return m.queue }
func (m *CheckpointMark) ClientName() string   { return m.client }
func (m *CheckpointMark) Sequence() uint64     { return m.seq }
func (m *CheckpointMark) Staged() int          { return m.staged }
func (m *CheckpointMark) CreatedAt() time.Time { return m.created }

// Finalize acknowledges staged messages. It is a no-op once the reader is
// closed and for marks restored with UnmarshalBinary.
func (m *CheckpointMark) Finalize(ctx context.Context) error {
	if m == nil || m.owner == nil {
		return nil
	}
	return m.owner.ackMessages(ctx)
}

// MarshalBinary encodes the mark's identity. Message handles are not
// encoded; after a restore the broker redelivers whatever was not acked.
func (m *CheckpointMark) MarshalBinary() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, m.queue)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, m.client)
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, m.seq)
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.staged))
	b = protowire.AppendTag(b, 5, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(m.created.UnixNano()))
	return b, nil
}

func (m *CheckpointMark) UnmarshalBinary(b []byte) error {
	*m = CheckpointMark{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			switch num {
			case 1:
				m.queue = v
			case 2:
				m.client = v
			}
			b = b[n:]
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			switch num {
			case 3:
				m.seq = v
			case 4:
				m.staged = int(v)
			case 5:
				m.created = time.Unix(0, protowire.DecodeZigZag(v))
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}
