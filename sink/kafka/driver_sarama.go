package kafka

import (
	"errors"
	"fmt"
	"sync"

	"github.com/IBM/sarama"

	"sluice/internal/logging"
	"sluice/sink"
)

type Config struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	Acks    int16    `yaml:"required_acks"` // 0,1,-1
}

type driver struct {
	cfg Config
	p   sarama.AsyncProducer

	mu       sync.Mutex
	idle     *sync.Cond // signalled when inflight drops to zero
	inflight int
	err      error // first delivery failure since the last Flush
	closed   bool

	drained sync.WaitGroup
}

func (d *driver) Configure(c any) error {
	cfg, ok := c.(Config)
	if !ok {
		return fmt.Errorf("kafka-sink: want Config")
	}
	if cfg.Topic == "" || len(cfg.Brokers) == 0 {
		return fmt.Errorf("kafka-sink: brokers and topic are required")
	}
	sc := sarama.NewConfig()
	sc.Producer.RequiredAcks = sarama.RequiredAcks(cfg.Acks)
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	p, err := sarama.NewAsyncProducer(cfg.Brokers, sc)
	if err != nil {
		return err
	}
	d.start(cfg, p)
	return nil
}

func (d *driver) start(cfg Config, p sarama.AsyncProducer) {
	d.cfg, d.p = cfg, p
	d.idle = sync.NewCond(&d.mu)
	d.drained.Add(2)
	go d.drainSuccesses()
	go d.drainErrors()
}

func (d *driver) drainSuccesses() {
	defer d.drained.Done()
	for range d.p.Successes() {
		d.settle(nil)
	}
}

func (d *driver) drainErrors() {
	defer d.drained.Done()
	for perr := range d.p.Errors() {
		logging.L().Warn("kafka-sink: delivery failed", "topic", d.cfg.Topic, "err", perr.Err)
		d.settle(perr.Err)
	}
}

func (d *driver) settle(err error) {
	d.mu.Lock()
	if err != nil && d.err == nil {
		d.err = err
	}
	d.inflight--
	if d.inflight == 0 {
		d.idle.Broadcast()
	}
	d.mu.Unlock()
}

func (d *driver) Push(f *sink.Frame) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errors.New("kafka-sink: closed")
	}
	d.inflight++
	d.mu.Unlock()

	msg := &sarama.ProducerMessage{
		Topic: d.cfg.Topic,
		Value: sarama.ByteEncoder(f.Value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("source-queue"), Value: []byte(f.Queue)},
			{Key: []byte("record-id"), Value: []byte(f.ID)},
		},
	}
	if len(f.Key) > 0 {
		msg.Key = sarama.ByteEncoder(f.Key)
	}
	if !f.Timestamp.IsZero() {
		msg.Timestamp = f.Timestamp
	}
	d.p.Input() <- msg
	return nil
}

// Flush waits until every pushed frame is acknowledged by Kafka and reports
// the first delivery failure seen since the previous Flush.
func (d *driver) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.inflight > 0 {
		d.idle.Wait()
	}
	err := d.err
	d.err = nil
	return err
}

func (d *driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.p.AsyncClose()
	d.drained.Wait()

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

func init() { sink.Register("kafka", func() sink.Adapter { return &driver{} }) }
