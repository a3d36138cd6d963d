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

	"atelier/api/internal/app"
	"atelier/api/internal/authz"
	"atelier/api/internal/config"
	"atelier/api/internal/outbox"
	"atelier/api/internal/resource"
	"atelier/api/internal/search"
	"atelier/api/internal/store"
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

	var roles authz.Roles = authz.NewStoreRoles(dataStore)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		cached, err := authz.NewCachedRoles(cfg.RedisURL, roles, cfg.RoleCacheTTL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer cached.Close()
		roles = cached
	}

	var resources resource.Store = resource.NewInMemoryStore()
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		minioStore, err := resource.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("minio connection failed: %v", err)
		}
		resources = minioStore
	} else {
		log.Printf("WARNING: no MINIO_ENDPOINT configured, using in-memory resource store")
	}

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)

	relayCtx, stopRelay := context.WithCancel(ctx)
	defer stopRelay()
	if strings.TrimSpace(cfg.RedisURL) != "" {
		publisher, err := outbox.NewRedisPublisher(cfg.RedisURL, cfg.EventStream)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer publisher.Close()
		relay := outbox.NewRelay(dataStore, publisher)
		go relay.Run(relayCtx)
	} else {
		log.Printf("WARNING: no REDIS_URL configured, outbox events stay queued")
	}

	service := app.New(dataStore, roles, resources, searchService)

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
		log.Printf("Atelier API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	stopRelay()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
