// Package telemetry holds the Prometheus metrics of the queue source and
// the side-channel backlog poller.
package telemetry

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sluice"

var (
	MessagesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Messages received and mapped by readers",
		},
		[]string{"queue"},
	)

	MessagesAckedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_acked_total",
			Help:      "Messages acknowledged by checkpoint finalization",
		},
		[]string{"queue"},
	)

	AckFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ack_failures_total",
			Help:      "Acknowledgements that failed and aborted a finalize",
		},
		[]string{"queue"},
	)

	CheckpointsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_total",
			Help:      "Checkpoint marks produced by readers",
		},
		[]string{"queue"},
	)

	// StagedMessages is the number of messages waiting in a reader's ack
	// coordinator for a finalize.
	StagedMessages = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "staged_messages",
			Help:      "Messages handed to checkpoints and not yet acknowledged",
		},
		[]string{"queue"},
	)

	QueueBacklog = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_backlog_messages",
			Help:      "Messages waiting on the broker queue, as reported by the management plane",
		},
		[]string{"queue"},
	)

	BacklogQueryErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backlog_query_errors_total",
			Help:      "Failed backlog queries",
		},
		[]string{"queue"},
	)

	FramesPushedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_pushed_total",
			Help:      "Encoded records delivered to every sink",
		},
		[]string{"queue"},
	)

	ReaderRestartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reader_restarts_total",
			Help:      "Readers recreated after a failure",
		},
		[]string{"queue"},
	)
)

func Expose(port int) {
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		_ = http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
	}()
}
