package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"sluice/internal/spec"
)

const SupportedSchema = "v1"

const (
	defaultCheckpointMS = 1000
	defaultWorkers      = 4
	defaultAttempts     = 5
	defaultBackoffMS    = 500
	defaultGRPCPort     = 7070
	defaultMetricsPort  = 9100
)

// LoadPipelineSpec parses a pipeline YAML, validates schema_version, and
// returns the parsed spec and an absolute path to the source config (if set).
func LoadPipelineSpec(path string) (spec.File, string, error) {
	var cfg spec.File
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, "", err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, "", err
	}
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = SupportedSchema
	}
	if cfg.SchemaVersion != SupportedSchema {
		return cfg, "", fmt.Errorf("pipeline schema_version %q not supported (want %q)", cfg.SchemaVersion, SupportedSchema)
	}
	if len(cfg.Sinks) == 0 {
		return cfg, "", fmt.Errorf("pipeline %s: at least one sink is required", path)
	}
	pipelineDefaults(&cfg)

	confPath := cfg.Source.Config
	if confPath != "" && !filepath.IsAbs(confPath) {
		confPath = filepath.Join(filepath.Dir(path), confPath)
	}
	return cfg, confPath, nil
}

func pipelineDefaults(f *spec.File) {
	if f.Checkpoint.IntervalMS == 0 && f.Checkpoint.MaxPending == 0 {
		f.Checkpoint.IntervalMS = defaultCheckpointMS
	}
	if f.Finalize.Workers <= 0 {
		f.Finalize.Workers = defaultWorkers
	}
	if f.Restart.Attempts == 0 {
		f.Restart.Attempts = defaultAttempts
	}
	if f.Restart.BackoffMS <= 0 {
		f.Restart.BackoffMS = defaultBackoffMS
	}
	if f.Ports.GRPC == 0 {
		f.Ports.GRPC = defaultGRPCPort
	}
	if f.Ports.Metrics == 0 {
		f.Ports.Metrics = defaultMetricsPort
	}
}
