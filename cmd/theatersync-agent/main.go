package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/overlaykit/theatersync/internal/surfacesync"
)

func main() {
	baseURL := flag.String("base-url", envOrDefault("THEATERSYNC_BASE_URL", "http://127.0.0.1:8787"), "theatersyncd base URL")
	tabID := flag.String("tab", strings.TrimSpace(os.Getenv("THEATERSYNC_TAB_ID")), "tab identifier")
	pageURL := flag.String("url", strings.TrimSpace(os.Getenv("THEATERSYNC_TAB_URL")), "page URL shown for this tab")
	title := flag.String("title", strings.TrimSpace(os.Getenv("THEATERSYNC_TAB_TITLE")), "page title shown for this tab")
	mirrorFile := flag.String("mirror-file", strings.TrimSpace(os.Getenv("THEATERSYNC_MIRROR_FILE")), "local state mirror file path")
	activate := flag.Bool("activate", boolEnv("THEATERSYNC_ACTIVATE", false), "mark this tab active on startup")
	pullInterval := flag.Duration("pull-interval", durationEnv("THEATERSYNC_PULL_INTERVAL", 5*time.Second), "pull resync interval while the push socket is down")
	timeout := flag.Duration("timeout", durationEnv("THEATERSYNC_TIMEOUT", 15*time.Second), "per-request timeout")
	flag.Parse()

	if strings.TrimSpace(*tabID) == "" {
		log.Fatalf("tab is required (--tab or THEATERSYNC_TAB_ID)")
	}
	if *pullInterval <= 0 {
		*pullInterval = 5 * time.Second
	}
	if *timeout <= 0 {
		*timeout = 15 * time.Second
	}

	client := surfacesync.NewClient(*baseURL, &http.Client{Timeout: *timeout})
	agent, err := surfacesync.NewAgent(client, surfacesync.AgentOptions{
		TabID:        strings.TrimSpace(*tabID),
		PageURL:      *pageURL,
		Title:        *title,
		MirrorFile:   *mirrorFile,
		Activate:     *activate,
		PullInterval: *pullInterval,
		Logger:       log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize agent: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := agent.Run(rootCtx); err != nil {
		log.Fatalf("agent failed: %v", err)
	}
	log.Printf("agent stopped")
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	switch raw {
	case "":
		return fallback
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		log.Printf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
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
