package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/strikeDusha/noexcel/internal/app"
	"github.com/strikeDusha/noexcel/internal/config"
	"github.com/strikeDusha/noexcel/internal/hub"
	"github.com/strikeDusha/noexcel/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	broadcasts := hub.New(cfg.QueueSize)
	defer broadcasts.Drain()

	// With Redis configured, publishes are mirrored across instances;
	// without it the in-process hub is the whole fan-out.
	var publisher app.Publisher = broadcasts
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis relay for cross-instance fan-out")
		relay, err := hub.NewRelay(cfg.RedisURL, broadcasts)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer relay.Close()
		publisher = relay
	}

	service := app.NewService(dataStore, publisher)

	httpServer := app.NewHTTPServer(service, broadcasts, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("noexcel API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
