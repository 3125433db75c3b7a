package spec

type StdoutSink struct {
	PrintCounter  bool `yaml:"print_counter"`
	PrintValue    bool `yaml:"print_value"`
	ValueMaxBytes int  `yaml:"value_max_bytes"`
}

type KafkaSink struct {
	Brokers      []string `yaml:"brokers"`
	Topic        string   `yaml:"topic"`
	RequiredAcks int16    `yaml:"required_acks"` // 0,1,-1
}

type sinkConfigs struct {
	Kafka  KafkaSink  `yaml:"kafka"`
	Stdout StdoutSink `yaml:"stdout"`
}

// Checkpoint controls how often a split takes and finalizes a mark. A mark
// is due when either limit is reached; zero disables that limit.
type Checkpoint struct {
	IntervalMS int `yaml:"interval_ms"`
	MaxPending int `yaml:"max_pending"`
}

type Finalize struct {
	Workers int `yaml:"workers"`
}

// Restart governs recreating a split's reader after it fails.
type Restart struct {
	Attempts  int `yaml:"attempts"` // -1 = unlimited
	BackoffMS int `yaml:"backoff_ms"`
}

type Ports struct {
	GRPC    int `yaml:"grpc"`
	Metrics int `yaml:"metrics"`
}

type File struct {
	SchemaVersion string `yaml:"schema_version"`

	Source struct {
		Driver string `yaml:"driver"` // overrides the source config's driver
		Config string `yaml:"config"`
	} `yaml:"source"`

	Sinks       []string    `yaml:"sinks"`
	SinkConfigs sinkConfigs `yaml:"sink_configs"`

	Checkpoint Checkpoint `yaml:"checkpoint"`
	Finalize   Finalize   `yaml:"finalize"`
	Restart    Restart    `yaml:"restart"`
	Ports      Ports      `yaml:"ports"`
}
