package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"sluice/source/broker"
	"sluice/source/broker/memory"
	"sluice/source/queue"
)

type bareConnector struct{ connects int }

func (c *bareConnector) Connect(context.Context, broker.ConnConfig) (broker.Session, error) {
	c.connects++
	return bareSession{}, nil
}

type bareSession struct{}

func (bareSession) ClientName() string { return "bare" }
func (bareSession) Bind(context.Context, string, broker.AckMode) (broker.Binding, error) {
	return nil, errors.New("not supported")
}
func (bareSession) Close() error { return nil }

func TestSessionBacklog_ReportsDepth(t *testing.T) {
	b := memory.New()
	b.CreateQueue("orders")
	publish(t, b, "orders", 4)

	sb := newSessionBacklog(b, queue.Config{ClientName: "svc"})
	if sb.cfg.ClientName != "svc-backlog" {
		t.Fatalf("client name = %q", sb.cfg.ClientName)
	}
	n, err := sb.QueueBacklog(context.Background(), "orders")
	if err != nil || n != 4 {
		t.Fatalf("backlog = %d, %v; want 4", n, err)
	}
	if _, err := sb.QueueBacklog(context.Background(), "missing"); !errors.Is(err, broker.ErrUnknownQueue) {
		t.Fatalf("err = %v, want ErrUnknownQueue", err)
	}
	if sb.sess != nil {
		t.Fatal("session kept after a failed query")
	}
	if err := sb.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestSessionBacklog_Unsupported(t *testing.T) {
	c := &bareConnector{}
	sb := newSessionBacklog(c, queue.Config{})
	if _, err := sb.QueueBacklog(context.Background(), "q"); !errors.Is(err, errBacklogUnsupported) {
		t.Fatalf("err = %v", err)
	}
	_, _ = sb.QueueBacklog(context.Background(), "q")
	if c.connects != 1 {
		t.Fatalf("connects = %d, want the session reused", c.connects)
	}
}

func TestRunner_BacklogPoller(t *testing.T) {
	b := memory.New()
	b.CreateQueue("a")
	b.CreateQueue("b")
	publish(t, b, "b", 2)

	r, _ := newTestRunner(t, b, Options{}, "a", "b")
	if r.BacklogPoller() != nil {
		t.Fatal("poller without a querier")
	}
	sb := newSessionBacklog(b, r.source.Config())
	r.SetBacklog(sb, time.Minute, sb.Close)

	got := r.BacklogPoller().PollOnce(context.Background())
	if got["a"] != 0 || got["b"] != 2 || len(got) != 2 {
		t.Fatalf("backlog = %v", got)
	}
}
