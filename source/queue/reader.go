package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"sluice/internal/logging"
	"sluice/internal/telemetry"
	"sluice/source/broker"
)

// UnboundedReader is the polling contract a host engine drives, one
// goroutine per split.
type UnboundedReader[T any] interface {
	Start(ctx context.Context) (bool, error)
	Advance(ctx context.Context) (bool, error)
	Current() (T, error)
	CurrentTimestamp() (time.Time, error)
	CurrentRecordID() ([]byte, error)
	Watermark() time.Time
	CheckpointMark() *CheckpointMark
	Split() Split
	Close() error
}

var _ UnboundedReader[Record] = (*Reader[Record])(nil)

type readerState int

const (
	stateCreated readerState = iota
	stateStarted
	stateClosed
)

// Reader consumes one queue. Apart from CheckpointMark.Finalize, which may
// run anywhere, all methods must be called from a single goroutine.
type Reader[T any] struct {
	split     Split
	connector broker.Connector
	mapper    Mapper[T]
	now       func() time.Time

	state   readerState
	session broker.Session
	binding broker.Binding

	current    T
	hasCurrent bool
	currentTS  time.Time
	currentID  []byte

	// pending is only touched by the reader goroutine.
	pending []broker.Message
	cpSeq   uint64
	ack     *acker
}

func newReader[T any](sp Split, c broker.Connector, m Mapper[T]) *Reader[T] {
	return &Reader[T]{
		split:     sp,
		connector: c,
		mapper:    m,
		now:       time.Now,
		ack:       newAcker(sp.Queue),
	}
}

func (r *Reader[T]) Split() Split { return r.split }

// Start connects, binds the queue in the configured ack mode and reads the
// first message. Failures are not retried here.
func (r *Reader[T]) Start(ctx context.Context) (bool, error) {
	switch r.state {
	case stateStarted:
		return false, ErrAlreadyStarted
	case stateClosed:
		return false, ErrReaderClosed
	}
	cfg := r.split.Config

	cc := cfg.connConfig()
	if cc.ClientName == "" {
		cc.ClientName = "sluice-" + uuid.NewString()
	}
	sess, err := r.connector.Connect(ctx, cc)
	if err != nil {
		return false, fmt.Errorf("%w: connect %s: %w", ErrIO, cfg.Host, err)
	}
	bd, err := sess.Bind(ctx, r.split.Queue, cfg.brokerAckMode())
	if err != nil {
		_ = sess.Close()
		return false, fmt.Errorf("%w: bind queue %q: %w", ErrIO, r.split.Queue, err)
	}
	r.session, r.binding = sess, bd
	r.ack.client.Store(sess.ClientName())
	r.state = stateStarted

	logging.L().Info("starting session",
		"client", sess.ClientName(), "queue", r.split.Queue, "ack_mode", string(cfg.AckMode))
	return r.Advance(ctx)
}

// Advance waits up to the poll timeout for the next message. It returns
// false with a nil error when nothing arrived; the source is unbounded so
// the caller simply tries again.
func (r *Reader[T]) Advance(ctx context.Context) (bool, error) {
	switch r.state {
	case stateCreated:
		return false, ErrNotStarted
	case stateClosed:
		return false, ErrReaderClosed
	}
	cfg := r.split.Config

	msg, err := r.binding.Receive(ctx, cfg.PollTimeout())
	if err != nil {
		return false, fmt.Errorf("%w: receive from queue %q: %w", ErrIO, r.split.Queue, err)
	}
	if msg == nil {
		return false, nil
	}

	rec, err := r.mapper.Map(msg)
	if err != nil {
		return false, fmt.Errorf("%w: map message %s: %w", ErrIO, msg.ID(), err)
	}
	r.current, r.hasCurrent = rec, true
	r.currentTS = r.timestamp(msg)
	r.currentID = r.recordID(msg)

	if cfg.AckMode == AckDeferred {
		r.pending = append(r.pending, msg)
	}
	telemetry.MessagesReceivedTotal.WithLabelValues(r.split.Queue).Inc()
	return true, nil
}

func (r *Reader[T]) timestamp(msg broker.Message) time.Time {
	if r.split.Config.UseSenderTimestamp {
		if ts, ok := msg.SenderTimestamp(); ok && !ts.IsZero() {
			return ts
		}
	}
	return r.now()
}

func (r *Reader[T]) recordID(msg broker.Message) []byte {
	if r.split.Config.UseSenderSequenceID {
		if seq, ok := msg.SequenceID(); ok {
			return strconv.AppendInt(nil, seq, 10)
		}
	}
	return []byte(msg.ID())
}

func (r *Reader[T]) Current() (T, error) {
	if !r.hasCurrent {
		var zero T
		return zero, ErrNoElement
	}
	return r.current, nil
}

func (r *Reader[T]) CurrentTimestamp() (time.Time, error) {
	if !r.hasCurrent {
		return time.Time{}, ErrNoElement
	}
	return r.currentTS, nil
}

// CurrentRecordID identifies the current record for deduplication: the
// sender sequence id when enabled and present, otherwise the broker's
// message id.
func (r *Reader[T]) CurrentRecordID() ([]byte, error) {
	if !r.hasCurrent {
		return nil, ErrNoElement
	}
	return r.currentID, nil
}

// Watermark is the current record's timestamp, or the wall clock while no
// record has been read, so an idle queue does not hold the pipeline back.
func (r *Reader[T]) Watermark() time.Time {
	if !r.hasCurrent {
		return r.now()
	}
	return r.currentTS
}

// CheckpointMark moves every staged message to the ack coordinator and
// returns a mark that acknowledges them when finalized.
func (r *Reader[T]) CheckpointMark() *CheckpointMark {
	staged := len(r.pending)
	r.ack.acks.Enqueue(r.pending...)
	clear(r.pending)
	r.pending = r.pending[:0]
	r.cpSeq++

	telemetry.CheckpointsTotal.WithLabelValues(r.split.Queue).Inc()
	telemetry.StagedMessages.WithLabelValues(r.split.Queue).Set(float64(r.ack.acks.Len()))

	return &CheckpointMark{
		queue:   r.split.Queue,
		client:  r.ack.clientName(),
		seq:     r.cpSeq,
		staged:  staged,
		created: r.now(),
		owner:   r.ack,
	}
}

// Close deactivates outstanding checkpoints, then closes the binding and
// the session. Both closes are attempted; their errors are joined.
func (r *Reader[T]) Close() error {
	if r.state == stateClosed {
		return nil
	}
	r.state = stateClosed
	r.ack.active.Store(false)
	r.pending = nil

	logging.L().Info("closing session", "client", r.ack.clientName(), "queue", r.split.Queue)

	var errs []error
	if r.binding != nil {
		if err := r.binding.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close binding: %w", err))
		}
	}
	if r.session != nil {
		if err := r.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close session: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: queue %q: %w", ErrIO, r.split.Queue, errors.Join(errs...))
	}
	return nil
}
