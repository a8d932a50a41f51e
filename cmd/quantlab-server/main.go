package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"quantlab/internal/api"
	"quantlab/internal/config"
	"quantlab/internal/engine"
	"quantlab/internal/telemetry"
	"quantlab/internal/util"
)

func main() {
	cfg, err := config.LoadOrDefault(config.Path())
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	tel := telemetry.New()
	eng, closeStores, err := engine.Open(cfg, tel, logger)
	if err != nil {
		log.Fatalf("opening engine: %v", err)
	}
	defer closeStores()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv := api.NewServer(cfg.Server, eng, tel, logger)
	logger.Info("quantlab-server starting",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"grpc_port", cfg.Server.GRPCPort,
		"strategies", len(eng.Strategies()),
	)
	if err := srv.ListenAndServe(ctx); err != nil {
		logger.Error("server error", "error", err)
		return
	}
	logger.Info("quantlab-server stopped")
}
