package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/overlaykit/theatersync/internal/coordinator"
	"github.com/overlaykit/theatersync/internal/hoststore"
	"github.com/overlaykit/theatersync/internal/httpapi"
	"github.com/overlaykit/theatersync/internal/settings"
	"github.com/overlaykit/theatersync/internal/tabcache"
)

func main() {
	addr := os.Getenv("THEATERSYNC_ADDR")
	if addr == "" {
		addr = ":8787"
	}

	primary, err := hoststore.BuildBackendFromDSN(os.Getenv("THEATERSYNC_STORE_DSN"))
	if err != nil {
		log.Fatalf("failed to initialize host store backend: %v", err)
	}
	defer hoststore.CloseBackend(primary)
	fallbackPath := envOrDefault("THEATERSYNC_FALLBACK_FILE", "theatersync-settings.json")
	fallback := hoststore.NewFallbackStore(fallbackPath, log.Default())

	repo := settings.NewRepository(settings.RepositoryOptions{
		Primary:       primary,
		Fallback:      fallback,
		RetryAttempts: intEnv("THEATERSYNC_RETRY_ATTEMPTS", 0),
		RetryDelay:    durationEnv("THEATERSYNC_RETRY_DELAY", 0),
	})

	record := repo.Load(context.Background())
	log.Printf("settings loaded: theaterMode=%t opacity=%.2f", record.TheaterModeEnabled, record.Opacity)

	hub := httpapi.NewHub(log.Default())
	cache := tabcache.New(repo, tabcache.Options{
		Pusher:      hub,
		Logger:      log.Default(),
		PushTimeout: durationEnv("THEATERSYNC_PUSH_TIMEOUT", 0),
	})
	coord := coordinator.New(repo, cache, coordinator.Options{
		ResyncInterval: durationEnv("THEATERSYNC_RESYNC_INTERVAL", 5*time.Second),
	})
	defer coord.Close()

	watcher, err := hoststore.WatchFallback(fallbackPath, coord.OnFallbackChanged, log.Default())
	if err != nil {
		log.Printf("fallback file watcher disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	server := httpapi.NewServerWithConfig(coord, hub, httpapi.ServerConfig{
		RateLimitMax:    intEnv("THEATERSYNC_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("THEATERSYNC_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("THEATERSYNC_MAX_BODY_BYTES", 0),
	})

	log.Printf("theatersyncd listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
