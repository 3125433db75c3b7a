package pipeline

import (
	"fmt"
	"time"

	"sluice/internal/config"
	"sluice/internal/semp"
	"sluice/sink"
	"sluice/sink/kafka"
	"sluice/sink/stdout"
	"sluice/source/broker"
	"sluice/source/queue"
)

func Compile(path string) (*Runner, error) {
	r := NewRunner(Options{})
	if err := LoadYAML(path, r); err != nil {
		return nil, err
	}
	return r, nil
}

// LoadYAML reads the pipeline file at path and wires its source, sinks and
// checkpoint options into r.
func LoadYAML(path string, r *Runner) error {
	cfg, confPath, err := config.LoadPipelineSpec(path)
	if err != nil {
		return err
	}
	r.file = cfg
	r.opts = Options{
		CheckpointEvery: time.Duration(cfg.Checkpoint.IntervalMS) * time.Millisecond,
		MaxPending:      cfg.Checkpoint.MaxPending,
		FinalizeWorkers: cfg.Finalize.Workers,
		RestartAttempts: cfg.Restart.Attempts,
		RestartBackoff:  time.Duration(cfg.Restart.BackoffMS) * time.Millisecond,
	}
	r.opts.defaults()

	qc, err := config.LoadSourceConfig(confPath)
	if err != nil {
		return err
	}
	if cfg.Source.Driver != "" {
		qc.Driver = cfg.Source.Driver
	}
	conn, err := broker.NewConnector(qc.Driver)
	if err != nil {
		return err
	}
	src, err := queue.NewSource[queue.Record](qc, conn, queue.RecordMapper(), queue.RecordCodec{})
	if err != nil {
		return err
	}
	r.SetSource(src)

	if m := qc.Management; m.URL != "" {
		r.SetBacklog(semp.New(semp.Config{
			URL:      m.URL,
			Username: m.Username,
			Password: m.Password,
			VPN:      qc.VPN,
		}, nil), m.Interval, nil)
	} else {
		sb := newSessionBacklog(conn, qc)
		r.SetBacklog(sb, m.Interval, sb.Close)
	}

	for _, name := range cfg.Sinks {
		sDrv, err := sink.NewAdapter(name)
		if err != nil {
			return err
		}

		switch name {
		case "stdout":
			sc := cfg.SinkConfigs.Stdout
			err = sDrv.Configure(stdout.Config{
				PrintCounter:  sc.PrintCounter,
				PrintValue:    sc.PrintValue,
				ValueMaxBytes: sc.ValueMaxBytes,
			})
		case "kafka":
			kc := cfg.SinkConfigs.Kafka
			err = sDrv.Configure(kafka.Config{
				Brokers: kc.Brokers,
				Topic:   kc.Topic,
				Acks:    kc.RequiredAcks,
			})
		default:
			err = fmt.Errorf("no config block for sink %q", name)
		}
		if err != nil {
			return fmt.Errorf("sink %s: %w", name, err)
		}
		r.AddSink(sDrv)
	}
	return nil
}
