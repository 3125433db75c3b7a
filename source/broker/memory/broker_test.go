package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sluice/source/broker"
)

func bind(t *testing.T, b *Broker, queue string, mode broker.AckMode) (broker.Session, broker.Binding) {
	t.Helper()
	sess, err := b.Connect(context.Background(), broker.ConnConfig{ClientName: "test"})
	require.NoError(t, err)
	bd, err := sess.Bind(context.Background(), queue, mode)
	require.NoError(t, err)
	return sess, bd
}

func TestReceive_FIFOAndTimeout(t *testing.T) {
	b := New()
	b.CreateQueue("q")
	_, bd := bind(t, b, "q", broker.AckClient)

	id1, err := b.Publish("q", []byte("one"))
	require.NoError(t, err)
	id2, err := b.Publish("q", []byte("two"), WithSequenceID(7), WithProperty("k", "v"))
	require.NoError(t, err)

	ctx := context.Background()
	m, err := bd.Receive(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, id1, m.ID())
	assert.Equal(t, []byte("one"), m.Payload())

	m, err = bd.Receive(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, id2, m.ID())
	seq, ok := m.SequenceID()
	assert.True(t, ok)
	assert.Equal(t, int64(7), seq)
	assert.Equal(t, "v", m.Properties()["k"])

	m, err = bd.Receive(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestReceive_WakesOnPublish(t *testing.T) {
	b := New()
	b.CreateQueue("q")
	_, bd := bind(t, b, "q", broker.AckAuto)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = b.Publish("q", []byte("late"))
	}()

	m, err := bd.Receive(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, []byte("late"), m.Payload())
}

func TestBind_UnknownQueueAndExclusive(t *testing.T) {
	b := New()
	b.CreateQueue("q")
	sess, err := b.Connect(context.Background(), broker.ConnConfig{})
	require.NoError(t, err)

	_, err = sess.Bind(context.Background(), "missing", broker.AckClient)
	assert.ErrorIs(t, err, broker.ErrUnknownQueue)

	_, err = sess.Bind(context.Background(), "q", broker.AckClient)
	require.NoError(t, err)
	_, err = sess.Bind(context.Background(), "q", broker.AckClient)
	assert.ErrorIs(t, err, broker.ErrQueueInUse)
}

func TestConnect_Auth(t *testing.T) {
	b := New()
	b.AddUser("alice", "secret")

	_, err := b.Connect(context.Background(), broker.ConnConfig{Username: "alice", Password: "nope"})
	assert.ErrorIs(t, err, broker.ErrAuth)

	sess, err := b.Connect(context.Background(), broker.ConnConfig{Username: "alice", Password: "secret", ClientName: "c1"})
	require.NoError(t, err)
	assert.Equal(t, "c1", sess.ClientName())
}

func TestAck_ClientModeTracksInFlight(t *testing.T) {
	b := New()
	b.CreateQueue("q")
	_, bd := bind(t, b, "q", broker.AckClient)
	id, _ := b.Publish("q", []byte("x"))

	m, err := bd.Receive(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, b.InFlight("q"))

	depth, err := b.Depth("q")
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	require.NoError(t, m.Ack(context.Background()))
	assert.Equal(t, 0, b.InFlight("q"))
	assert.Equal(t, 1, b.AckCount("q", id))
	assert.Equal(t, []string{id}, b.Acked("q"))
}

func TestAck_AutoModeIsNoop(t *testing.T) {
	b := New()
	b.CreateQueue("q")
	_, bd := bind(t, b, "q", broker.AckAuto)
	_, _ = b.Publish("q", []byte("x"))

	m, err := bd.Receive(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 0, b.InFlight("q"))
	require.NoError(t, m.Ack(context.Background()))
	assert.Empty(t, b.Acked("q"))
}

func TestClose_RequeuesUnacked(t *testing.T) {
	b := New()
	b.CreateQueue("q")
	sess, bd := bind(t, b, "q", broker.AckClient)
	id1, _ := b.Publish("q", []byte("1"))
	id2, _ := b.Publish("q", []byte("2"))

	m1, _ := bd.Receive(context.Background(), 10*time.Millisecond)
	_, _ = bd.Receive(context.Background(), 10*time.Millisecond)
	require.NoError(t, m1.Ack(context.Background()))
	require.NoError(t, sess.Close())

	_, err := bd.Receive(context.Background(), time.Millisecond)
	assert.ErrorIs(t, err, broker.ErrBindingClosed)

	_, bd2 := bind(t, b, "q", broker.AckClient)
	m, err := bd2.Receive(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, id2, m.ID())
	assert.True(t, m.Redelivered())
	assert.Equal(t, 1, b.AckCount("q", id1))
}

func TestFaultInjection(t *testing.T) {
	b := New()
	b.CreateQueue("q")
	_, bd := bind(t, b, "q", broker.AckClient)
	_, _ = b.Publish("q", []byte("x"))
	boom := errors.New("boom")

	b.FailReceive("q", boom)
	_, err := bd.Receive(context.Background(), time.Millisecond)
	assert.ErrorIs(t, err, boom)
	b.FailReceive("q", nil)

	m, err := bd.Receive(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	b.FailAck("q", boom)
	assert.ErrorIs(t, m.Ack(context.Background()), boom)
	assert.Equal(t, 1, b.InFlight("q"))
}
