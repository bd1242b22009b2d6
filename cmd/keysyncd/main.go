package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"keysync/internal/config"
	"keysync/internal/httpapi"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Create router with all dependencies
	handler, deps, err := httpapi.NewRouter(cfg)
	if err != nil {
		log.Fatalf("Failed to build router: %v", err)
	}

	// Create the table on startup so a fresh database works without a separate migrate step
	if deps.DB != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := deps.DB.Migrate(ctx)
		cancel()
		if err != nil {
			_ = deps.Close()
			log.Fatalf("Failed to migrate database: %v", err)
		}
	}

	addr := ":" + cfg.HTTPPort
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Long enough for an event that fans out to slow apps
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		deps.Logger.Info("keysync listening", "addr", addr, "apps", len(deps.Catalog.Apps()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	deps.Logger.Info("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		deps.Logger.Error("Server forced to shutdown", "error", err)
	}

	// Stops the notification worker after in-flight deliveries finish
	if err := deps.Close(); err != nil {
		deps.Logger.Error("Failed to release dependencies", "error", err)
	}

	deps.Logger.Info("Server exited")
}
