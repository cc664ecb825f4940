package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/voltgrid/csms/config"
	"github.com/voltgrid/csms/internal/api"
	"github.com/voltgrid/csms/internal/db"
	"github.com/voltgrid/csms/internal/notifier"
	"github.com/voltgrid/csms/internal/ocpp"
	"github.com/voltgrid/csms/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	// Setup logger
	cfg.SetupLogger()
	logrus.Info("Starting CSMS server")

	// Connect to database
	store, err := db.NewPostgresStore(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to database")
	}
	defer store.Close()

	// Event notifier
	var events notifier.Notifier = notifier.Noop{}
	if cfg.NATSURL != "" {
		nats, err := notifier.NewNATS(cfg.NATSURL)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to connect to NATS")
		}
		events = nats
	}
	defer events.Close()

	// Services
	auth := service.NewAuthorizer(store)
	tariffs := service.NewTariffEngine(store)
	tracker := service.NewTracker(store, tariffs)
	payments := service.NewPaymentSync(store)

	// OCPP protocol engine
	registry := ocpp.NewRegistry(store)
	handlers := ocpp.NewHandlers(store, auth, tracker, events, cfg.HeartbeatInterval)
	ocppServer := ocpp.NewServer(store, registry, ocpp.NewRouter(handlers), cfg.CallTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watchdogInterval := time.Duration(cfg.HeartbeatInterval) * time.Second
	go registry.RunWatchdog(ctx, watchdogInterval, cfg.HeartbeatTimeout())

	// OCPP websocket endpoint
	ocppRouter := chi.NewRouter()
	ocppRouter.Get(cfg.OCPPPath+"/{id}", func(w http.ResponseWriter, r *http.Request) {
		ocppServer.HandleConnection(w, r, chi.URLParam(r, "id"))
	})
	ocppSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.ServerPort),
		Handler: ocppRouter,
	}
	go func() {
		logrus.Infof("Starting OCPP server on port %d", cfg.ServerPort)
		if err := ocppSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("Failed to start OCPP server")
		}
	}()

	// Admin API server
	apiServer := api.NewAPI(registry, store, tracker, payments)
	apiSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.APIPort),
		Handler: apiServer,
	}
	go func() {
		logrus.Infof("Starting API server on port %d", cfg.APIPort)
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("Failed to start API server")
		}
	}()

	// Wait for interrupt signal to gracefully shut down the servers
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logrus.Info("Shutting down server...")

	// Create a deadline for the shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("API server forced to shutdown")
	}
	if err := ocppSrv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("OCPP server forced to shutdown")
	}

	logrus.Info("Server exited")
}
