// Package redis reads Redis Streams through a consumer group. A queue is a
// stream, the VPN names the consumer group and the client name is the
// consumer. Groups are expected to exist; this driver never creates them.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"sluice/internal/logging"
	"sluice/source/broker"
)

const (
	defaultGroup   = "sluice"
	defaultIdle    = 30 * time.Second
	payloadField   = "payload"
	sequenceField  = "x-sequence-id"
	claimBatchSize = 100
)

func init() {
	broker.Register("redis", func() broker.Connector { return &Connector{} })
}

// streamClient is the subset of *redis.Client the driver uses.
type streamClient interface {
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XAutoClaim(ctx context.Context, a *redis.XAutoClaimArgs) *redis.XAutoClaimCmd
	XInfoGroups(ctx context.Context, key string) *redis.XInfoGroupsCmd
	Close() error
}

type Connector struct {
	// ClaimIdle is how long an entry must sit unacknowledged in another
	// consumer's pending list before a new binding claims it. Zero means
	// defaultIdle.
	ClaimIdle time.Duration
}

func (c *Connector) Connect(ctx context.Context, cfg broker.ConnConfig) (broker.Session, error) {
	opts, err := clientOptions(cfg)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, classify(err)
	}
	group := cfg.VPN
	if group == "" || group == "default" {
		group = defaultGroup
	}
	idle := c.ClaimIdle
	if idle <= 0 {
		idle = defaultIdle
	}
	return &session{rdb: rdb, name: opts.ClientName, group: group, claimIdle: idle}, nil
}

func clientOptions(cfg broker.ConnConfig) (*redis.Options, error) {
	var opts *redis.Options
	if strings.Contains(cfg.Host, "://") {
		var err error
		if opts, err = redis.ParseURL(cfg.Host); err != nil {
			return nil, err
		}
	} else {
		opts = &redis.Options{Addr: cfg.Host}
	}
	if cfg.Username != "" {
		opts.Username = cfg.Username
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	opts.ClientName = cfg.ClientName
	return opts, nil
}

type session struct {
	rdb       streamClient
	name      string
	group     string
	claimIdle time.Duration

	mu       sync.Mutex
	bindings []*binding
}

func (s *session) ClientName() string { return s.name }

func (s *session) lookupGroup(ctx context.Context, stream string) (redis.XInfoGroup, error) {
	groups, err := s.rdb.XInfoGroups(ctx, stream).Result()
	if err != nil {
		if strings.Contains(err.Error(), "no such key") {
			return redis.XInfoGroup{}, fmt.Errorf("%w: stream %s", broker.ErrUnknownQueue, stream)
		}
		return redis.XInfoGroup{}, classify(err)
	}
	for _, g := range groups {
		if g.Name == s.group {
			return g, nil
		}
	}
	return redis.XInfoGroup{}, fmt.Errorf("%w: group %s on stream %s", broker.ErrUnknownQueue, s.group, stream)
}

func (s *session) Bind(ctx context.Context, stream string, mode broker.AckMode) (broker.Binding, error) {
	if _, err := s.lookupGroup(ctx, stream); err != nil {
		return nil, err
	}
	bd := &binding{s: s, stream: stream, mode: mode}
	if mode == broker.AckClient {
		if err := bd.claimStale(ctx); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	s.bindings = append(s.bindings, bd)
	s.mu.Unlock()

	logging.L().Debug("redis: consumer bound", "stream", stream, "group", s.group, "consumer", s.name,
		"claimed", len(bd.claimed))
	return bd, nil
}

// Backlog is the group's lag plus its pending entries.
func (s *session) Backlog(ctx context.Context, stream string) (int64, error) {
	g, err := s.lookupGroup(ctx, stream)
	if err != nil {
		return 0, err
	}
	lag := g.Lag
	if lag < 0 {
		lag = 0
	}
	return lag + g.Pending, nil
}

func (s *session) Close() error {
	s.mu.Lock()
	bs := s.bindings
	s.bindings = nil
	s.mu.Unlock()
	for _, bd := range bs {
		_ = bd.Close()
	}
	if err := s.rdb.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}

type binding struct {
	s      *session
	stream string
	mode   broker.AckMode

	mu      sync.Mutex
	closed  bool
	claimed []redis.XMessage
}

// claimStale takes over entries left pending by consumers that went away,
// so they are delivered again instead of waiting forever.
func (b *binding) claimStale(ctx context.Context) error {
	start := "0-0"
	for {
		msgs, next, err := b.s.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   b.stream,
			Group:    b.s.group,
			Consumer: b.s.name,
			MinIdle:  b.s.claimIdle,
			Start:    start,
			Count:    claimBatchSize,
		}).Result()
		if err != nil {
			return classify(err)
		}
		b.claimed = append(b.claimed, msgs...)
		if next == "0-0" || next == "" || len(msgs) == 0 {
			return nil
		}
		start = next
	}
}

func (b *binding) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *binding) Receive(ctx context.Context, timeout time.Duration) (broker.Message, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, broker.ErrBindingClosed
	}
	if len(b.claimed) > 0 {
		x := b.claimed[0]
		b.claimed = b.claimed[1:]
		b.mu.Unlock()
		return &message{x: x, b: b, redelivered: true}, nil
	}
	b.mu.Unlock()

	block := timeout
	if block < time.Millisecond {
		block = time.Millisecond
	}
	streams, err := b.s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.s.group,
		Consumer: b.s.name,
		Streams:  []string{b.stream, ">"},
		Count:    1,
		Block:    block,
		NoAck:    b.mode == broker.AckAuto,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classify(err)
	}
	for _, st := range streams {
		if len(st.Messages) > 0 {
			return &message{x: st.Messages[0], b: b}, nil
		}
	}
	return nil, nil
}

func (b *binding) Close() error {
	b.mu.Lock()
	b.closed = true
	b.claimed = nil
	b.mu.Unlock()
	return nil
}

type message struct {
	x           redis.XMessage
	b           *binding
	redelivered bool
}

func (m *message) ID() string { return m.x.ID }

func (m *message) Payload() []byte {
	switch v := m.x.Values[payloadField].(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	}
	return nil
}

func (m *message) Properties() map[string]string {
	out := make(map[string]string, len(m.x.Values))
	for k, v := range m.x.Values {
		if k == payloadField {
			continue
		}
		out[k] = fmt.Sprint(v)
	}
	return out
}

func (m *message) SenderTimestamp() (time.Time, bool) { return entryTime(m.x.ID) }

func (m *message) SequenceID() (int64, bool) {
	s, ok := m.x.Values[sequenceField].(string)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	return n, err == nil
}

func (m *message) Redelivered() bool { return m.redelivered }

func (m *message) Ack(ctx context.Context) error {
	if m.b.mode == broker.AckAuto {
		return nil
	}
	if m.b.isClosed() {
		return broker.ErrBindingClosed
	}
	return m.b.s.rdb.XAck(ctx, m.b.stream, m.b.s.group, m.x.ID).Err()
}

/* ────────── helpers ────────── */

// entryTime extracts the millisecond part of a stream entry id.
func entryTime(id string) (time.Time, bool) {
	ms, _, ok := strings.Cut(id, "-")
	if !ok {
		return time.Time{}, false
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil || n <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(n), true
}

func classify(err error) error {
	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, "WRONGPASS"), strings.HasPrefix(msg, "NOAUTH"), strings.HasPrefix(msg, "NOPERM"):
		return fmt.Errorf("%w: %v", broker.ErrAuth, err)
	case strings.HasPrefix(msg, "NOGROUP"):
		return fmt.Errorf("%w: %v", broker.ErrUnknownQueue, err)
	}
	return err
}
