package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sluice/source/broker"
)

type fakeClient struct {
	groups    []redis.XInfoGroup
	groupsErr error
	reads     [][]redis.XStream
	claimed   []redis.XMessage
	acked     []string
	lastRead  *redis.XReadGroupArgs
	closed    bool
}

func (f *fakeClient) XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd {
	f.lastRead = a
	cmd := redis.NewXStreamSliceCmd(ctx)
	if len(f.reads) == 0 {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	cmd.SetVal(f.reads[0])
	f.reads = f.reads[1:]
	return cmd
}

func (f *fakeClient) XAck(ctx context.Context, _, _ string, ids ...string) *redis.IntCmd {
	f.acked = append(f.acked, ids...)
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(ids)))
	return cmd
}

func (f *fakeClient) XAutoClaim(ctx context.Context, _ *redis.XAutoClaimArgs) *redis.XAutoClaimCmd {
	cmd := redis.NewXAutoClaimCmd(ctx)
	cmd.SetVal(f.claimed, "0-0")
	f.claimed = nil
	return cmd
}

func (f *fakeClient) XInfoGroups(ctx context.Context, _ string) *redis.XInfoGroupsCmd {
	cmd := redis.NewXInfoGroupsCmd(ctx, "")
	if f.groupsErr != nil {
		cmd.SetErr(f.groupsErr)
		return cmd
	}
	cmd.SetVal(f.groups)
	return cmd
}

func (f *fakeClient) Close() error {
	f.closed = true
	return nil
}

func newTestSession(f *fakeClient) *session {
	return &session{rdb: f, name: "consumer-1", group: "workers", claimIdle: time.Second}
}

func TestBind_RequiresExistingGroup(t *testing.T) {
	s := newTestSession(&fakeClient{groupsErr: errors.New("ERR no such key")})
	_, err := s.Bind(context.Background(), "orders", broker.AckClient)
	assert.ErrorIs(t, err, broker.ErrUnknownQueue)

	s = newTestSession(&fakeClient{groups: []redis.XInfoGroup{{Name: "other"}}})
	_, err = s.Bind(context.Background(), "orders", broker.AckClient)
	assert.ErrorIs(t, err, broker.ErrUnknownQueue)
}

func TestReceiveAndAck_ClientMode(t *testing.T) {
	f := &fakeClient{
		groups: []redis.XInfoGroup{{Name: "workers"}},
		reads: [][]redis.XStream{{{Stream: "orders", Messages: []redis.XMessage{
			{ID: "1700000000000-0", Values: map[string]any{"payload": "hello", "tenant": "acme", "x-sequence-id": "5"}},
		}}}},
	}
	s := newTestSession(f)
	bd, err := s.Bind(context.Background(), "orders", broker.AckClient)
	require.NoError(t, err)

	msg, err := bd.Receive(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.False(t, f.lastRead.NoAck)
	assert.Equal(t, []string{"orders", ">"}, f.lastRead.Streams)
	assert.Equal(t, "workers", f.lastRead.Group)
	assert.Equal(t, "consumer-1", f.lastRead.Consumer)

	assert.Equal(t, []byte("hello"), msg.Payload())
	assert.Equal(t, "acme", msg.Properties()["tenant"])
	assert.NotContains(t, msg.Properties(), "payload")
	ts, ok := msg.SenderTimestamp()
	assert.True(t, ok)
	assert.Equal(t, int64(1700000000000), ts.UnixMilli())
	seq, ok := msg.SequenceID()
	assert.True(t, ok)
	assert.Equal(t, int64(5), seq)

	require.NoError(t, msg.Ack(context.Background()))
	assert.Equal(t, []string{"1700000000000-0"}, f.acked)

	// timeout
	msg, err = bd.Receive(context.Background(), 0)
	require.NoError(t, err)
	assert.Nil(t, msg)
	assert.Equal(t, time.Millisecond, f.lastRead.Block)
}

func TestReceive_AutoModeUsesNoAck(t *testing.T) {
	f := &fakeClient{
		groups: []redis.XInfoGroup{{Name: "workers"}},
		reads:  [][]redis.XStream{{{Stream: "orders", Messages: []redis.XMessage{{ID: "1-0"}}}}},
	}
	bd, err := newTestSession(f).Bind(context.Background(), "orders", broker.AckAuto)
	require.NoError(t, err)
	msg, err := bd.Receive(context.Background(), time.Second)
	require.NoError(t, err)
	assert.True(t, f.lastRead.NoAck)
	require.NoError(t, msg.Ack(context.Background()))
	assert.Empty(t, f.acked)
}

func TestBind_ClaimsStaleEntriesFirst(t *testing.T) {
	f := &fakeClient{
		groups:  []redis.XInfoGroup{{Name: "workers"}},
		claimed: []redis.XMessage{{ID: "5-0", Values: map[string]any{"payload": "old"}}},
		reads:   [][]redis.XStream{{{Stream: "orders", Messages: []redis.XMessage{{ID: "9-0"}}}}},
	}
	bd, err := newTestSession(f).Bind(context.Background(), "orders", broker.AckClient)
	require.NoError(t, err)

	first, err := bd.Receive(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "5-0", first.ID())
	assert.True(t, first.Redelivered())

	second, err := bd.Receive(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "9-0", second.ID())
	assert.False(t, second.Redelivered())
}

func TestCloseStopsBinding(t *testing.T) {
	f := &fakeClient{groups: []redis.XInfoGroup{{Name: "workers"}}}
	s := newTestSession(f)
	bd, err := s.Bind(context.Background(), "orders", broker.AckClient)
	require.NoError(t, err)
	m := &message{x: redis.XMessage{ID: "1-0"}, b: bd.(*binding)}

	require.NoError(t, s.Close())
	assert.True(t, f.closed)
	_, err = bd.Receive(context.Background(), time.Second)
	assert.ErrorIs(t, err, broker.ErrBindingClosed)
	assert.ErrorIs(t, m.Ack(context.Background()), broker.ErrBindingClosed)
}

func TestBacklog(t *testing.T) {
	f := &fakeClient{groups: []redis.XInfoGroup{{Name: "workers", Lag: 7, Pending: 3}}}
	n, err := newTestSession(f).Backlog(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)
}

func TestEntryTime(t *testing.T) {
	_, ok := entryTime("garbage")
	assert.False(t, ok)
	_, ok = entryTime("0-1")
	assert.False(t, ok)
	ts, ok := entryTime("1500-3")
	assert.True(t, ok)
	assert.Equal(t, int64(1500), ts.UnixMilli())
}

func TestClassify(t *testing.T) {
	assert.ErrorIs(t, classify(errors.New("WRONGPASS invalid username-password pair")), broker.ErrAuth)
	assert.ErrorIs(t, classify(errors.New("NOGROUP No such key 'orders'")), broker.ErrUnknownQueue)
}

func TestClientOptions(t *testing.T) {
	o, err := clientOptions(broker.ConnConfig{Host: "redis://:pw@cache:6380/2", ClientName: "c"})
	require.NoError(t, err)
	assert.Equal(t, "cache:6380", o.Addr)
	assert.Equal(t, 2, o.DB)
	assert.Equal(t, "pw", o.Password)
	assert.Equal(t, "c", o.ClientName)

	o, err = clientOptions(broker.ConnConfig{Host: "localhost:6379", Username: "u", Password: "p"})
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", o.Addr)
	assert.Equal(t, "u", o.Username)
}
