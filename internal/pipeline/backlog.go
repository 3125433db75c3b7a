package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"sluice/source/broker"
	"sluice/source/queue"
)

var errBacklogUnsupported = errors.New("backlog: driver cannot report queue depth")

// sessionBacklog answers backlog queries over a dedicated broker session
// that never binds a queue. It is used when no management URL is set.
// The session is opened on first use and dropped after a failed query.
type sessionBacklog struct {
	connector broker.Connector
	cfg       broker.ConnConfig

	mu   sync.Mutex
	sess broker.Session
}

func newSessionBacklog(c broker.Connector, qc queue.Config) *sessionBacklog {
	name := "sluice-backlog-" + uuid.NewString()
	if qc.ClientName != "" {
		name = qc.ClientName + "-backlog"
	}
	return &sessionBacklog{
		connector: c,
		cfg: broker.ConnConfig{
			Host:       qc.Host,
			Username:   qc.Username,
			Password:   qc.Password,
			VPN:        qc.VPN,
			ClientName: name,
		},
	}
}

func (b *sessionBacklog) QueueBacklog(ctx context.Context, q string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sess == nil {
		s, err := b.connector.Connect(ctx, b.cfg)
		if err != nil {
			return 0, fmt.Errorf("backlog: connect: %w", err)
		}
		b.sess = s
	}
	rep, ok := b.sess.(broker.BacklogReporter)
	if !ok {
		return 0, errBacklogUnsupported
	}
	n, err := rep.Backlog(ctx, q)
	if err != nil {
		_ = b.sess.Close()
		b.sess = nil
		return 0, err
	}
	return n, nil
}

func (b *sessionBacklog) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sess == nil {
		return nil
	}
	err := b.sess.Close()
	b.sess = nil
	return err
}
