package engine

import (
	"context"
	"errors"

	"sluice/internal/logging"
	"sluice/internal/pipeline"
	"sluice/internal/transport"
)

type Engine struct {
	transport *transport.Server
	runner    *pipeline.Runner
	stopPoll  context.CancelFunc
}

// Run serves health checks until ctx is done or the pipeline stops on its
// own, then shuts everything down. A pipeline failure is returned.
func (e *Engine) Run(ctx context.Context) error {
	served := make(chan error, 1)
	go func() { served <- e.transport.Serve() }()

	var runErr error
	select {
	case <-ctx.Done():
	case <-e.runner.Done():
		runErr = e.runner.Err()
		logging.L().Error("pipeline stopped", "err", runErr)
	case err := <-served:
		runErr = err
	}

	e.transport.SetServing(false)
	e.stopPoll()
	closeErr := e.runner.Close()
	e.transport.Stop()
	return errors.Join(runErr, closeErr)
}
