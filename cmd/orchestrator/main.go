// Command orchestrator runs the fleet orchestrator: the node registry, job
// scheduler, payment engine, workspace directory and their HTTP/websocket
// surface, composed via internal/app.Application.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	app "github.com/r3e-network/fleet-orchestrator/internal/app"
	"github.com/r3e-network/fleet-orchestrator/internal/app/storage/postgres"
	"github.com/r3e-network/fleet-orchestrator/pkg/config"
	"github.com/r3e-network/fleet-orchestrator/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}

	appLog := logger.New(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	stores := app.Stores{}

	if cfg.UsesPostgres() {
		store, err := postgres.Open(cfg.Database.DSN)
		if err != nil {
			appLog.WithError(err).Fatal("connect to postgres")
		}
		defer store.Close()
		stores = app.Stores{
			Accounts:   store,
			Payments:   store,
			Nodes:      store,
			Jobs:       store,
			Workspaces: store,
			Users:      store,
		}
		appLog.WithField("migrate_on_start", cfg.Database.MigrateOnStart).Info("orchestrator storage backed by postgres")
	} else {
		appLog.Info("orchestrator storage running in-memory")
	}

	application, err := app.New(cfg, stores, appLog)
	if err != nil {
		appLog.WithError(err).Fatal("initialise application")
	}

	ctx := context.Background()
	if err := application.Start(ctx); err != nil {
		appLog.WithError(err).Fatal("start application")
	}
	appLog.WithField("port", cfg.Server.Port).WithField("ws_path", cfg.Server.WSPath).Info("fleet orchestrator listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := application.Stop(shutdownCtx); err != nil {
		appLog.WithError(err).Fatal("shutdown")
	}
}
