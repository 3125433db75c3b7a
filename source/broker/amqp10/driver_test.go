package amqp10

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	amqp "github.com/Azure/go-amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sluice/source/broker"
)

func TestReceiverOptions(t *testing.T) {
	auto := receiverOptions("c1", "orders", broker.AckAuto, 10)
	assert.Equal(t, "c1/orders", auto.Name)
	assert.Equal(t, int32(10), auto.Credit)
	require.NotNil(t, auto.RequestedSenderSettleMode)
	assert.Equal(t, amqp.SenderSettleModeSettled, *auto.RequestedSenderSettleMode)

	client := receiverOptions("c1", "orders", broker.AckClient, 10)
	require.NotNil(t, client.SettlementMode)
	assert.Equal(t, amqp.ReceiverSettleModeFirst, *client.SettlementMode)
	assert.Equal(t, amqp.SenderSettleModeUnsettled, *client.RequestedSenderSettleMode)
}

func TestClassify(t *testing.T) {
	notFound := &amqp.LinkError{RemoteErr: &amqp.Error{Condition: amqp.ErrCondNotFound, Description: "no such queue"}}
	assert.ErrorIs(t, classify(fmt.Errorf("attach: %w", notFound)), broker.ErrUnknownQueue)

	denied := &amqp.ConnError{RemoteErr: &amqp.Error{Condition: amqp.ErrCondUnauthorizedAccess}}
	assert.ErrorIs(t, classify(denied), broker.ErrAuth)

	locked := &amqp.Error{Condition: amqp.ErrCondResourceLocked}
	assert.ErrorIs(t, classify(locked), broker.ErrQueueInUse)

	assert.ErrorIs(t, classify(errors.New("amqp: SASL PLAIN auth failed with code 0x1")), broker.ErrAuth)

	other := errors.New("dial tcp: refused")
	assert.Equal(t, other, classify(other))
}

func TestIsClosed(t *testing.T) {
	assert.True(t, isClosed(&amqp.LinkError{}))
	assert.False(t, isClosed(&amqp.LinkError{RemoteErr: &amqp.Error{Condition: amqp.ErrCondNotFound}}))
	assert.False(t, isClosed(errors.New("boom")))
}

func TestMessageAccessors(t *testing.T) {
	created := time.Unix(1700000000, 0).UTC()
	ct := "application/json"
	seq := uint32(5)
	m := &message{mode: broker.AckAuto, m: &amqp.Message{
		Data:                  [][]byte{[]byte(`{"a":1}`)},
		Properties:            &amqp.MessageProperties{MessageID: "m-1", CreationTime: &created, ContentType: &ct, GroupSequence: &seq},
		ApplicationProperties: map[string]any{"tenant": "acme"},
		Header:                &amqp.MessageHeader{DeliveryCount: 1},
	}}

	assert.Equal(t, "m-1", m.ID())
	assert.Equal(t, []byte(`{"a":1}`), m.Payload())
	ts, ok := m.SenderTimestamp()
	assert.True(t, ok)
	assert.True(t, ts.Equal(created))
	assert.True(t, m.Redelivered())
	assert.Equal(t, "acme", m.Properties()["tenant"])
	assert.Equal(t, ct, m.Properties()["content-type"])
	n, ok := m.SequenceID()
	assert.True(t, ok)
	assert.Equal(t, int64(5), n)

	require.NoError(t, m.Ack(context.Background()))
}

func TestMessageFallbacks(t *testing.T) {
	m := &message{m: &amqp.Message{DeliveryTag: []byte{0xab, 0x01}, Value: "text"}}
	assert.Equal(t, "ab01", m.ID())
	assert.Equal(t, []byte("text"), m.Payload())
	_, ok := m.SenderTimestamp()
	assert.False(t, ok)
	assert.False(t, m.Redelivered())
	_, ok = m.SequenceID()
	assert.False(t, ok)

	m.m.ApplicationProperties = map[string]any{"x-sequence-id": int64(99)}
	n, ok := m.SequenceID()
	assert.True(t, ok)
	assert.Equal(t, int64(99), n)
}

func TestRegistered(t *testing.T) {
	c, err := broker.NewConnector("amqp10")
	require.NoError(t, err)
	assert.IsType(t, &Connector{}, c)
}
