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

	"vecinal/api/internal/app"
	"vecinal/api/internal/chat"
	"vecinal/api/internal/config"
	"vecinal/api/internal/incident"
	"vecinal/api/internal/notify"
	"vecinal/api/internal/panicalert"
	"vecinal/api/internal/presence"
	"vecinal/api/internal/realtime"
	"vecinal/api/internal/reconcile"
	"vecinal/api/internal/search"
	"vecinal/api/internal/store"
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

	rt, err := realtime.NewStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer rt.Close()

	pgSearch := search.NewPgSearch(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgSearch)

	bus := chat.NewBus(rt)
	tracker := presence.NewTracker(rt, cfg.PresenceOnlineWindow, cfg.PresenceAwayWindow, cfg.TypingTTL)
	notifier := notify.NewService(rt, dataStore, nil)
	incidents := incident.NewBroadcaster(dataStore, rt, bus, searchService, notifier, cfg.IncidentTypes, cfg.IncidentDefaultMinutes)
	panicSvc := panicalert.NewService(dataStore, dataStore, bus, searchService, notifier)
	coordinator := reconcile.NewCoordinator(dataStore, rt)

	if cfg.ReconcileInterval > 0 {
		go coordinator.RunEvery(ctx, cfg.ReconcileInterval)
	}

	service := app.NewService(
		[]byte(cfg.JWTSecret),
		dataStore,
		rt,
		bus,
		tracker,
		incidents,
		panicSvc,
		searchService,
		coordinator,
	)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Vecinal API listening on %s", cfg.Addr)
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
