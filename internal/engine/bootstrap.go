package engine

import (
	"context"
	"errors"
	"fmt"

	"sluice/internal/logging"
	"sluice/internal/pipeline"
	"sluice/internal/telemetry"
	"sluice/internal/transport"
)

// Config overrides the ports of the pipeline file when non-zero.
type Config struct {
	GRPCPort    int
	MetricsPort int
	PipelineYml string
}

func Bootstrap(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.PipelineYml == "" {
		return nil, errors.New("engine: pipeline file is required")
	}

	// 1. pipeline
	runner, err := pipeline.Compile(cfg.PipelineYml)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	ports := runner.Spec().Ports
	if cfg.GRPCPort != 0 {
		ports.GRPC = cfg.GRPCPort
	}
	if cfg.MetricsPort != 0 {
		ports.Metrics = cfg.MetricsPort
	}

	// 2. transport server (health only; NOT_SERVING until the runner is up)
	srv, err := transport.StartServer(ports.GRPC)
	if err != nil {
		_ = runner.Close()
		return nil, fmt.Errorf("transport: %w", err)
	}

	// 3. readers
	if err := runner.Start(ctx); err != nil {
		srv.Stop()
		_ = runner.Close()
		return nil, err
	}
	srv.SetServing(true)

	// 4. metrics + backlog side channel
	telemetry.Expose(ports.Metrics)
	pollCtx, stopPoll := context.WithCancel(ctx)
	if p := runner.BacklogPoller(); p != nil {
		go p.Run(pollCtx)
	}

	logging.L().Info("engine up", "grpc", ports.GRPC, "metrics", ports.Metrics)
	return &Engine{
		transport: srv,
		runner:    runner,
		stopPoll:  stopPoll,
	}, nil
}
