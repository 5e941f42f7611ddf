// kuttalkd is the kuttalk realtime chat gateway: a single-process
// WebSocket server that fans chat messages out to room members and keeps
// per-user unread counters in MySQL.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/kuttalk/gateway/internal/config"
	"github.com/kuttalk/gateway/internal/gateway"
	"github.com/kuttalk/gateway/internal/monitoring"
	"github.com/kuttalk/gateway/internal/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		// Startup misconfiguration (missing DB_USER/DB_PASS included) is
		// fatal; everything after this point only logs and continues.
		bootstrap := monitoring.NewLogger(monitoring.LoggerConfig{Level: "info", Format: "json"})
		bootstrap.Error().Err(err).Msg("Failed to load configuration")
		return 1
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	cfg.LogConfig(logger)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	db, err := store.OpenMySQL(ctx, store.MySQLConfig{
		Host:   cfg.DBHost,
		Port:   cfg.DBPort,
		User:   cfg.DBUser,
		Pass:   cfg.DBPass,
		Schema: cfg.DBSchema,
	})
	cancel()
	if err != nil {
		logger.Error().Err(err).Msg("Failed to connect to database")
		return 1
	}
	defer db.Close()

	metrics := monitoring.NewMetricsServer(cfg.MetricsAddr, logger)
	metrics.Start()

	samplerCtx, samplerCancel := context.WithCancel(context.Background())
	defer samplerCancel()
	go monitoring.NewResourceSampler(cfg.MetricsInterval, logger).Run(samplerCtx)

	srv := gateway.NewServer(gateway.Config{
		Addr:           cfg.Addr,
		MaxConnections: cfg.MaxConnections,
		PingInterval:   cfg.PingInterval,
		PongTimeout:    cfg.PongTimeout,
	}, db, db, logger)

	if err := srv.Start(); err != nil {
		logger.Error().Err(err).Msg("Failed to start gateway")
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Shutting down")

	if err := srv.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metrics.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping metrics server")
	}

	return 0
}
