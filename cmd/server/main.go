package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/atelierhq/billing/internal/config"
	"github.com/atelierhq/billing/internal/db"
	"github.com/atelierhq/billing/internal/gateway"
	"github.com/atelierhq/billing/internal/logger"
	"github.com/atelierhq/billing/internal/notify"
	"github.com/atelierhq/billing/internal/projects"
	"github.com/atelierhq/billing/internal/repository"
	"github.com/atelierhq/billing/internal/server"
	"github.com/atelierhq/billing/internal/services"
)

var migrateOnlyFlag = flag.Bool("migrate-only", false, "Run DB migrations and exit")

func main() {
	flag.Parse()
	_ = godotenv.Load()
	cfg := config.Load()
	if err := logger.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		log.Fatal().Err(err).Msg("failed to configure logging")
	}

	if migrateOnlyFlag != nil && *migrateOnlyFlag {
		if _, err := db.ConnectAndMigrate(); err != nil {
			log.Fatal().Err(err).Msg("migrate-only failed")
		}
		log.Info().Msg("migrations completed; exiting as requested")
		return
	}

	dbConn, err := db.ConnectAndMigrate()
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	log.Info().Str("env", cfg.Env).Str("port", cfg.Port).Msg("starting server")

	repo := repository.NewInvoiceRepository(dbConn)
	notifier := notify.NewBroadcaster(logger.WithComponent("notify"))
	sync := projects.NewStatusSynchronizer(dbConn)
	lifecycle := services.NewLifecycleManager(repo, sync, notifier, logger.WithComponent("lifecycle"))
	gw := gateway.NewClient(cfg.GatewayBaseURL, cfg.GatewayClientID, cfg.GatewayClientSecret, logger.WithComponent("gateway"))
	coordinator := services.NewSettlementCoordinator(repo, lifecycle, gw, logger.WithComponent("settlement"))

	handler := server.New(dbConn, lifecycle, coordinator, logger.WithComponent("http"))
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: handler}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutdown signal received")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("error during shutdown")
	}
	log.Info().Msg("server gracefully stopped")
}
