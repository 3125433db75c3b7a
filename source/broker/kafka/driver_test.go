package kafka

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sluice/source/broker"
)

type fakeMarker struct {
	mu      sync.Mutex
	offsets []int64
}

func (f *fakeMarker) MarkOffset(offset int64, _ string) {
	f.mu.Lock()
	f.offsets = append(f.offsets, offset)
	f.mu.Unlock()
}

func newTestBinding(mode broker.AckMode) (*binding, *fakeMarker) {
	fm := &fakeMarker{}
	return &binding{
		topic: "orders",
		mode:  mode,
		marks: map[int32]offsetMarker{0: fm},
		out:   make(chan *sarama.ConsumerMessage, 4),
		done:  make(chan struct{}),
	}, fm
}

func TestBrokerList(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, brokerList("kafka://a:9092, b:9092,"))
	assert.Empty(t, brokerList(""))
}

func TestBinding_DeferredAckMarksNextOffset(t *testing.T) {
	b, fm := newTestBinding(broker.AckClient)
	b.out <- &sarama.ConsumerMessage{Topic: "orders", Partition: 0, Offset: 41, Value: []byte("v")}

	msg, err := b.Receive(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Empty(t, fm.offsets, "client mode must not mark on receipt")

	require.NoError(t, msg.Ack(context.Background()))
	assert.Equal(t, []int64{42}, fm.offsets)
}

func TestBinding_AutoMarksOnReceipt(t *testing.T) {
	b, fm := newTestBinding(broker.AckAuto)
	b.out <- &sarama.ConsumerMessage{Topic: "orders", Partition: 0, Offset: 7}

	msg, err := b.Receive(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, []int64{8}, fm.offsets)
	require.NoError(t, msg.Ack(context.Background()))
	assert.Len(t, fm.offsets, 1)
}

func TestBinding_TimeoutAndClose(t *testing.T) {
	b, _ := newTestBinding(broker.AckClient)
	msg, err := b.Receive(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, msg)

	b.out <- &sarama.ConsumerMessage{Topic: "orders", Partition: 0, Offset: 1}
	pending, err := b.Receive(context.Background(), time.Second)
	require.NoError(t, err)

	require.NoError(t, b.Close())
	_, err = b.Receive(context.Background(), time.Second)
	assert.ErrorIs(t, err, broker.ErrBindingClosed)
	assert.ErrorIs(t, pending.Ack(context.Background()), broker.ErrBindingClosed)
}

func TestMessageAccessors(t *testing.T) {
	ts := time.UnixMilli(1700000000000)
	m := &message{b: &binding{mode: broker.AckAuto}, m: &sarama.ConsumerMessage{
		Topic:     "orders",
		Partition: 3,
		Offset:    99,
		Key:       []byte("k1"),
		Value:     []byte("v1"),
		Timestamp: ts,
		Headers:   []*sarama.RecordHeader{{Key: []byte("tenant"), Value: []byte("acme")}},
	}}
	assert.Equal(t, "orders/3/99", m.ID())
	assert.Equal(t, []byte("v1"), m.Payload())
	assert.Equal(t, map[string]string{"tenant": "acme", "key": "k1"}, m.Properties())
	got, ok := m.SenderTimestamp()
	assert.True(t, ok)
	assert.True(t, got.Equal(ts))
	seq, ok := m.SequenceID()
	assert.True(t, ok)
	assert.Equal(t, int64(99), seq)
}

func TestSession_BindUnknownTopic(t *testing.T) {
	mb := sarama.NewMockBroker(t, 1)
	defer mb.Close()
	mb.SetHandlerByMap(map[string]sarama.MockResponse{
		"MetadataRequest": sarama.NewMockMetadataResponse(t).
			SetBroker(mb.Addr(), mb.BrokerID()).
			SetLeader("orders", 0, mb.BrokerID()),
		"ApiVersionsRequest": sarama.NewMockApiVersionsResponse(t),
	})

	sc := sarama.NewConfig()
	sc.Metadata.Retry.Max = 0
	sc.ClientID = "kafka-test"
	c := &Connector{Config: sc}

	sess, err := c.Connect(context.Background(), broker.ConnConfig{Host: mb.Addr(), VPN: "group-a"})
	require.NoError(t, err)
	defer sess.Close()
	assert.Equal(t, "kafka-test", sess.ClientName())

	_, err = sess.Bind(context.Background(), "missing", broker.AckClient)
	assert.ErrorIs(t, err, broker.ErrUnknownQueue)
}

func TestRegistered(t *testing.T) {
	c, err := broker.NewConnector("kafka")
	require.NoError(t, err)
	assert.IsType(t, &Connector{}, c)
}
