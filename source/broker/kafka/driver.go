// Package kafka maps the queue model onto Kafka: a queue is a topic, the VPN
// is the consumer group whose committed offsets record acknowledgements.
// Every partition of the topic is read by a single binding so one reader
// owns the whole queue.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"sluice/internal/logging"
	"sluice/source/broker"
)

const defaultGroup = "sluice"

func init() {
	broker.Register("kafka", func() broker.Connector { return &Connector{} })
}

type Connector struct {
	// Version is the protocol version, e.g. "3.6.0". Empty keeps sarama's
	// default.
	Version string
	// Config, when set, is used instead of one derived from ConnConfig.
	Config *sarama.Config
}

func (c *Connector) saramaConfig(cfg broker.ConnConfig) (*sarama.Config, error) {
	if c.Config != nil {
		return c.Config, nil
	}
	sc := sarama.NewConfig()
	if c.Version != "" {
		ver, err := sarama.ParseKafkaVersion(c.Version)
		if err != nil {
			return nil, err
		}
		sc.Version = ver
	}
	if cfg.ClientName != "" {
		sc.ClientID = cfg.ClientName
	}
	sc.Metadata.AllowAutoTopicCreation = false
	sc.Consumer.Return.Errors = true
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	sc.Consumer.Offsets.AutoCommit.Enable = true
	sc.Consumer.Offsets.AutoCommit.Interval = time.Second
	if cfg.Username != "" {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User, sc.Net.SASL.Password = cfg.Username, cfg.Password
	}
	return sc, nil
}

func (c *Connector) Connect(ctx context.Context, cfg broker.ConnConfig) (broker.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sc, err := c.saramaConfig(cfg)
	if err != nil {
		return nil, err
	}
	cl, err := sarama.NewClient(brokerList(cfg.Host), sc)
	if err != nil {
		if errors.Is(err, sarama.ErrSASLAuthenticationFailed) {
			return nil, fmt.Errorf("%w: %v", broker.ErrAuth, err)
		}
		return nil, err
	}
	group := cfg.VPN
	if group == "" || group == "default" {
		group = defaultGroup
	}
	return &session{client: cl, name: sc.ClientID, group: group}, nil
}

func brokerList(host string) []string {
	var out []string
	for _, h := range strings.Split(host, ",") {
		h = strings.TrimSpace(strings.TrimPrefix(h, "kafka://"))
		if h != "" {
			out = append(out, h)
		}
	}
	return out
}

type session struct {
	client sarama.Client
	name   string
	group  string

	mu       sync.Mutex
	bindings []*binding
}

func (s *session) ClientName() string { return s.name }

func (s *session) topicExists(topic string) (bool, error) {
	if err := s.client.RefreshMetadata(topic); err != nil && !errors.Is(err, sarama.ErrUnknownTopicOrPartition) {
		return false, err
	}
	topics, err := s.client.Topics()
	if err != nil {
		return false, err
	}
	return slices.Contains(topics, topic), nil
}

func (s *session) Bind(ctx context.Context, topic string, mode broker.AckMode) (broker.Binding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ok, err := s.topicExists(topic)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: topic %s", broker.ErrUnknownQueue, topic)
	}
	parts, err := s.client.Partitions(topic)
	if err != nil {
		return nil, err
	}

	om, err := sarama.NewOffsetManagerFromClient(s.group, s.client)
	if err != nil {
		return nil, err
	}
	cons, err := sarama.NewConsumerFromClient(s.client)
	if err != nil {
		_ = om.Close()
		return nil, err
	}
	bd := &binding{
		topic:    topic,
		mode:     mode,
		om:       om,
		consumer: cons,
		marks:    make(map[int32]offsetMarker, len(parts)),
		out:      make(chan *sarama.ConsumerMessage, 256),
		done:     make(chan struct{}),
	}
	for _, p := range parts {
		pom, err := om.ManagePartition(topic, p)
		if err != nil {
			_ = bd.Close()
			return nil, err
		}
		bd.poms = append(bd.poms, pom)
		bd.marks[p] = pom
		next, _ := pom.NextOffset()
		pc, err := cons.ConsumePartition(topic, p, next)
		if err != nil {
			_ = bd.Close()
			return nil, err
		}
		bd.pcs = append(bd.pcs, pc)
		bd.wg.Add(1)
		go bd.fanIn(pc)
	}

	s.mu.Lock()
	s.bindings = append(s.bindings, bd)
	s.mu.Unlock()

	logging.L().Debug("kafka: topic bound", "topic", topic, "group", s.group, "partitions", len(parts))
	return bd, nil
}

// Backlog is the sum over partitions of the high-water mark minus the
// group's committed offset.
func (s *session) Backlog(_ context.Context, topic string) (int64, error) {
	parts, err := s.client.Partitions(topic)
	if err != nil {
		return 0, err
	}
	coord, err := s.client.Coordinator(s.group)
	if err != nil {
		return 0, err
	}
	req := &sarama.OffsetFetchRequest{Version: 1, ConsumerGroup: s.group}
	for _, p := range parts {
		req.AddPartition(topic, p)
	}
	resp, err := coord.FetchOffset(req)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, p := range parts {
		hw, err := s.client.GetOffset(topic, p, sarama.OffsetNewest)
		if err != nil {
			return 0, err
		}
		committed := int64(0)
		if blk := resp.GetBlock(topic, p); blk != nil && blk.Err == sarama.ErrNoError && blk.Offset >= 0 {
			committed = blk.Offset
		} else if oldest, err := s.client.GetOffset(topic, p, sarama.OffsetOldest); err == nil {
			committed = oldest
		}
		if hw > committed {
			total += hw - committed
		}
	}
	return total, nil
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
	if err := s.client.Close(); err != nil && !errors.Is(err, sarama.ErrClosedClient) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// offsetMarker is the part of sarama.PartitionOffsetManager an ack needs.
type offsetMarker interface {
	MarkOffset(offset int64, metadata string)
}

type binding struct {
	topic    string
	mode     broker.AckMode
	om       sarama.OffsetManager
	consumer sarama.Consumer
	poms     []sarama.PartitionOffsetManager
	pcs      []sarama.PartitionConsumer
	marks    map[int32]offsetMarker

	out  chan *sarama.ConsumerMessage
	done chan struct{}
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func (b *binding) fanIn(pc sarama.PartitionConsumer) {
	defer b.wg.Done()
	msgs, errs := pc.Messages(), pc.Errors()
	for {
		select {
		case m, ok := <-msgs:
			if !ok {
				return
			}
			select {
			case b.out <- m:
			case <-b.done:
				return
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			logging.L().Warn("kafka: partition consumer error", "topic", err.Topic, "partition", err.Partition, "err", err.Err)
		case <-b.done:
			return
		}
	}
}

func (b *binding) Receive(ctx context.Context, timeout time.Duration) (broker.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case m := <-b.out:
		msg := &message{m: m, b: b}
		if b.mode == broker.AckAuto {
			_ = b.mark(m.Partition, m.Offset+1)
		}
		return msg, nil
	case <-b.done:
		return nil, broker.ErrBindingClosed
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *binding) mark(partition int32, next int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return broker.ErrBindingClosed
	}
	pom, ok := b.marks[partition]
	if !ok {
		return fmt.Errorf("kafka: partition %d not managed", partition)
	}
	pom.MarkOffset(next, "")
	return nil
}

// Close stops the partition consumers and flushes marked offsets. Offsets
// that were never marked are consumed again by the next binding.
func (b *binding) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	close(b.done)

	b.wg.Wait()
	var errs []error
	for _, pc := range b.pcs {
		// Close drains what the fan-in goroutine left behind
		if err := pc.Close(); err != nil {
			logging.L().Debug("kafka: partition consumer closed with errors", "topic", b.topic, "err", err)
		}
	}
	for _, pom := range b.poms {
		if err := pom.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if b.om != nil {
		if err := b.om.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if b.consumer != nil {
		if err := b.consumer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type message struct {
	m *sarama.ConsumerMessage
	b *binding
}

func (m *message) ID() string {
	return m.m.Topic + "/" + strconv.Itoa(int(m.m.Partition)) + "/" + strconv.FormatInt(m.m.Offset, 10)
}

func (m *message) Payload() []byte { return m.m.Value }

func (m *message) Properties() map[string]string {
	out := make(map[string]string, len(m.m.Headers)+1)
	for _, h := range m.m.Headers {
		if h != nil {
			out[string(h.Key)] = string(h.Value)
		}
	}
	if len(m.m.Key) > 0 {
		out["key"] = string(m.m.Key)
	}
	return out
}

func (m *message) SenderTimestamp() (time.Time, bool) {
	if m.m.Timestamp.IsZero() {
		return time.Time{}, false
	}
	return m.m.Timestamp, true
}

func (m *message) SequenceID() (int64, bool) { return m.m.Offset, true }

func (m *message) Redelivered() bool { return false }

// Ack commits past this message. Acks arrive in receive order, so the
// committed offset never skips an unacknowledged message.
func (m *message) Ack(ctx context.Context) error {
	if m.b.mode == broker.AckAuto {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.b.mark(m.m.Partition, m.m.Offset+1)
}
