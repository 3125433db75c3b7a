// Package queue exposes a set of durable broker queues as an unbounded,
// checkpointed source. Each queue is one split, read by one Reader;
// acknowledgements are either left to the broker (auto) or deferred until
// the host engine finalizes a checkpoint.
package queue

import (
	"errors"
	"fmt"
	"slices"

	"sluice/internal/logging"
	"sluice/source/broker"
)

// Split is one independently read partition: the full configuration plus
// the single queue assigned to it.
type Split struct {
	Config Config
	Queue  string
	Index  int
}

type Source[T any] struct {
	cfg       Config
	connector broker.Connector
	mapper    Mapper[T]
	codec     Codec[T]
}

func NewSource[T any](cfg Config, connector broker.Connector, mapper Mapper[T], codec Codec[T]) (*Source[T], error) {
	if connector == nil {
		return nil, errors.New("queue source: connector is required")
	}
	if mapper == nil {
		return nil, errors.New("queue source: mapper is required")
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Queues = slices.Clone(cfg.Queues)
	return &Source[T]{cfg: cfg, connector: connector, mapper: mapper, codec: codec}, nil
}

func (s *Source[T]) Config() Config {
	c := s.cfg
	c.Queues = slices.Clone(c.Queues)
	return c
}

// Codec describes the encoding of the records this source produces.
func (s *Source[T]) Codec() Codec[T] { return s.codec }

// GenerateSplits returns one split per queue. Queues are the unit of
// parallelism, so desired is only logged.
func (s *Source[T]) GenerateSplits(desired int) []Split {
	splits := make([]Split, 0, len(s.cfg.Queues))
	for i, q := range s.cfg.Queues {
		c := s.cfg
		c.Queues = []string{q}
		splits = append(splits, Split{Config: c, Queue: q, Index: i})
	}
	logging.L().Debug("generated splits", "desired", desired, "splits", len(splits))
	return splits
}

// CreateReader builds a reader for sp. It does not connect; that happens in
// Reader.Start.
func (s *Source[T]) CreateReader(sp Split) (*Reader[T], error) {
	if !slices.Contains(s.cfg.Queues, sp.Queue) {
		return nil, fmt.Errorf("queue source: split queue %q is not configured", sp.Queue)
	}
	return newReader(sp, s.connector, s.mapper), nil
}
