package telemetry

import (
	"context"
	"time"

	"sluice/internal/logging"
)

// BacklogQuerier reports how many messages wait on a queue. It is a
// management-plane query and never consumes messages.
type BacklogQuerier interface {
	QueueBacklog(ctx context.Context, queue string) (int64, error)
}

type BacklogQuerierFunc func(ctx context.Context, queue string) (int64, error)

func (f BacklogQuerierFunc) QueueBacklog(ctx context.Context, queue string) (int64, error) {
	return f(ctx, queue)
}

// BacklogPoller periodically records per-queue backlog into QueueBacklog.
type BacklogPoller struct {
	querier  BacklogQuerier
	queues   []string
	interval time.Duration
}

func NewBacklogPoller(q BacklogQuerier, queues []string, interval time.Duration) *BacklogPoller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &BacklogPoller{querier: q, queues: append([]string(nil), queues...), interval: interval}
}

// PollOnce queries every queue and returns the backlogs that were read.
// Failures are counted and logged, never returned.
func (p *BacklogPoller) PollOnce(ctx context.Context) map[string]int64 {
	out := make(map[string]int64, len(p.queues))
	for _, q := range p.queues {
		n, err := p.querier.QueueBacklog(ctx, q)
		if err != nil {
			BacklogQueryErrorsTotal.WithLabelValues(q).Inc()
			logging.L().Warn("backlog query failed", "queue", q, "err", err)
			continue
		}
		QueueBacklog.WithLabelValues(q).Set(float64(n))
		out[q] = n
	}
	return out
}

// Run polls until ctx is done.
func (p *BacklogPoller) Run(ctx context.Context) {
	t := time.NewTicker(p.interval)
	defer t.Stop()
	p.PollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.PollOnce(ctx)
		}
	}
}
