package queue

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"sluice/source/broker"
)

type AckMode string

const (
	AckAuto     AckMode = "auto"     // broker acknowledges on delivery
	AckDeferred AckMode = "deferred" // acknowledged when a checkpoint is finalized
)

const (
	DefaultPollTimeout = 100 * time.Millisecond
	envPrefix          = "SLUICE_SOURCE__"
)

type ManagementCfg struct {
	URL      string        `koanf:"url"` // SEMP base, e.g. https://broker:943
	Username string        `koanf:"username"`
	Password string        `koanf:"password"`
	Interval time.Duration `koanf:"interval"` // backlog poll cadence
}

type Config struct {
	Driver     string   `koanf:"driver"` // memory|amqp091|amqp10|kafka|redis
	Host       string   `koanf:"host"`
	Username   string   `koanf:"username"`
	Password   string   `koanf:"password"`
	VPN        string   `koanf:"vpn"`
	ClientName string   `koanf:"client_name"`
	Queues     []string `koanf:"queues"`

	AckMode AckMode `koanf:"ack_mode"` // auto|deferred
	// AutoAck is the boolean form of AckMode; it only applies when
	// ack_mode is unset.
	AutoAck       bool `koanf:"auto_ack"`
	PollTimeoutMS int  `koanf:"poll_timeout_ms"`

	UseSenderTimestamp  bool `koanf:"use_sender_timestamp"`
	UseSenderSequenceID bool `koanf:"use_sender_sequence_id"`

	Management ManagementCfg `koanf:"management"`
}

// PollTimeout is how long Advance waits for a message.
func (c Config) PollTimeout() time.Duration {
	return time.Duration(c.PollTimeoutMS) * time.Millisecond
}

func (c Config) brokerAckMode() broker.AckMode {
	if c.AckMode == AckAuto {
		return broker.AckAuto
	}
	return broker.AckClient
}

func (c Config) connConfig() broker.ConnConfig {
	return broker.ConnConfig{
		Host:       c.Host,
		Username:   c.Username,
		Password:   c.Password,
		VPN:        c.VPN,
		ClientName: c.ClientName,
	}
}

// Validate checks the invariants a Source relies on.
func (c Config) Validate() error {
	if len(c.Queues) == 0 {
		return errors.New("queue config: at least one queue is required")
	}
	seen := make(map[string]struct{}, len(c.Queues))
	for _, q := range c.Queues {
		if strings.TrimSpace(q) == "" {
			return errors.New("queue config: empty queue name")
		}
		if _, dup := seen[q]; dup {
			return fmt.Errorf("queue config: queue %q listed twice", q)
		}
		seen[q] = struct{}{}
	}
	if c.AckMode != AckAuto && c.AckMode != AckDeferred {
		return fmt.Errorf("queue config: ack_mode %q not supported (want auto|deferred)", c.AckMode)
	}
	if c.PollTimeoutMS < 0 {
		return errors.New("queue config: poll_timeout_ms must be non-negative")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Loader
// ---------------------------------------------------------------------------

// LoadConfig merges YAML (if present) with env-vars
// (prefix `SLUICE_SOURCE__`, nesting `__`, e.g. SLUICE_SOURCE__MANAGEMENT__URL).
func LoadConfig(path string) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil &&
			!errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	}
	sv := k.String("schema_version")
	if sv != "" && sv != "v1" {
		return Config{}, fmt.Errorf("source schema_version %q not supported (want v1)", sv)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	return cfg, cfg.Validate()
}

func envKey(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}

// ---------------------------------------------------------------------------
// defaults
// ---------------------------------------------------------------------------

func applyDefaults(c *Config) {
	if c.Driver == "" {
		c.Driver = "memory"
	}
	if c.AckMode == "" {
		if c.AutoAck {
			c.AckMode = AckAuto
		} else {
			c.AckMode = AckDeferred
		}
	}
	if c.PollTimeoutMS == 0 {
		c.PollTimeoutMS = int(DefaultPollTimeout / time.Millisecond)
	}
	if c.Management.Interval == 0 {
		c.Management.Interval = 30 * time.Second
	}
}
