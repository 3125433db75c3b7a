package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"sluice/internal/engine"
	"sluice/internal/logging"
	"sluice/internal/transport"

	_ "sluice/sink/kafka"
	_ "sluice/sink/stdout"
	_ "sluice/source/broker/amqp091"
	_ "sluice/source/broker/amqp10"
	_ "sluice/source/broker/kafka"
	_ "sluice/source/broker/memory"
	_ "sluice/source/broker/redis"
)

func envInt(key string) int {
	n, _ := strconv.Atoi(os.Getenv(key))
	return n
}

func main() {
	healthcheck := flag.Bool("healthcheck", false, "query the local engine's health and exit")
	flag.Parse()

	cfg := engine.Config{
		GRPCPort:    envInt("SLUICE_GRPC_PORT"),
		MetricsPort: envInt("SLUICE_METRICS_PORT"),
		PipelineYml: os.Getenv("SLUICE_PIPELINE"),
	}
	if cfg.PipelineYml == "" {
		cfg.PipelineYml = "pipeline.yml"
	}

	if *healthcheck {
		port := cfg.GRPCPort
		if port == 0 {
			port = 7070
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		st, err := transport.Check(ctx, transport.LocalAddr(port), transport.Service)
		if err != nil || st != healthpb.HealthCheckResponse_SERVING {
			log.Fatalf("healthcheck: status=%s err=%v", st, err)
		}
		return
	}

	logging.InitFromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := engine.Bootstrap(ctx, cfg)
	if err != nil {
		log.Fatalf("bootstrap: %v", err)
	}

	if err := e.Run(ctx); err != nil {
		log.Fatalf("engine: %v", err)
	}
}
