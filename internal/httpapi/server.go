// Package httpapi exposes the coordinator to surfaces: JSON endpoints for
// the popup and tab agents, plus a WebSocket per tab for syncState pushes.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/overlaykit/theatersync/internal/coordinator"
	"github.com/overlaykit/theatersync/internal/tabcache"
)

type Logger interface {
	Printf(format string, args ...any)
}

type ServerConfig struct {
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Logger          Logger
}

type Server struct {
	coord       *coordinator.Coordinator
	hub         *Hub
	cfg         ServerConfig
	rateLimiter *rateLimiter
}

func NewServer(coord *coordinator.Coordinator, hub *Hub) *Server {
	return NewServerWithConfig(coord, hub, ServerConfig{})
}

func NewServerWithConfig(coord *coordinator.Coordinator, hub *Hub, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		coord:       coord,
		hub:         hub,
		cfg:         cfg,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	correlationID := getCorrelationID(r)
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	if parts[1] == "settings" && len(parts) == 2 && r.Method == http.MethodGet {
		writeResult(w, s.coord.GetSettings(r.Context()))
		return
	}
	if parts[1] != "tabs" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	switch {
	case len(parts) == 2 && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{
			"success":   true,
			"tabStates": s.coord.GetAllTabStates(),
		})
	case len(parts) == 3 && parts[2] == "active" && r.Method == http.MethodGet:
		writeResult(w, s.coord.GetActiveTabState())
	case len(parts) == 3 && r.Method == http.MethodGet:
		writeResult(w, s.coord.GetTabState(parts[2]))
	case len(parts) == 3 && r.Method == http.MethodDelete:
		writeResult(w, s.coord.UnregisterTab(parts[2]))
	case len(parts) == 4 && parts[3] == "register" && r.Method == http.MethodPost:
		s.handleRegister(w, r, parts[2], correlationID)
	case len(parts) == 4 && parts[3] == "activate" && r.Method == http.MethodPost:
		writeResult(w, s.coord.ActivateTab(r.Context(), parts[2]))
	case len(parts) == 5 && parts[3] == "theater-mode" && parts[4] == "toggle" && r.Method == http.MethodPost:
		writeResult(w, s.coord.ToggleTheaterMode(r.Context(), parts[2]))
	case len(parts) == 4 && parts[3] == "opacity" && r.Method == http.MethodPost:
		s.handleOpacity(w, r, parts[2], correlationID)
	case len(parts) == 5 && parts[3] == "opacity" && parts[4] == "default" && r.Method == http.MethodPost:
		writeResult(w, s.coord.SetDefaultOpacity(r.Context(), parts[2]))
	case len(parts) == 4 && parts[3] == "ws" && r.Method == http.MethodGet:
		s.handleAttach(w, r, parts[2], correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request, tabID, correlationID string) {
	var req struct {
		URL   string `json:"url"`
		Title string `json:"title"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	writeResult(w, s.coord.RegisterTab(r.Context(), tabID, tabcache.SurfaceInfo{URL: req.URL, Title: req.Title}))
}

func (s *Server) handleOpacity(w http.ResponseWriter, r *http.Request, tabID, correlationID string) {
	var req struct {
		Value *float64 `json:"value"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if req.Value == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "missing value", correlationID)
		return
	}
	writeResult(w, s.coord.UpdateOpacity(r.Context(), tabID, *req.Value))
}

// handleAttach upgrades to a WebSocket and hands the connection to the hub.
// The tab must already be registered. A read loop drains the socket so
// close frames are noticed and the handle is released promptly.
func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request, tabID, correlationID string) {
	if result := s.coord.GetTabState(tabID); !result.Success {
		writeError(w, http.StatusNotFound, "not_found", "tab is not registered", correlationID)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.cfg.Logger.Printf("websocket accept for tab %s failed: %v", tabID, err)
		return
	}
	s.hub.Attach(tabID, conn)
	go func() {
		// The request context dies when this handler returns; the socket
		// outlives it.
		ctx := context.Background()
		for {
			if _, _, readErr := conn.Read(ctx); readErr != nil {
				// Release only this conn. A reconnect may already have
				// replaced it in the hub; dropping by tab id here would
				// tear down the replacement.
				s.hub.detach(tabID, conn)
				return
			}
		}
	}()
}

// writeResult maps a coordinator result onto a status code: accepted
// changes are 200, validation rejections 422, persistence failures 502,
// lookups that find nothing 404.
func writeResult(w http.ResponseWriter, result coordinator.Result) {
	status := http.StatusOK
	if !result.Success {
		switch {
		case len(result.Issues) > 0:
			status = http.StatusUnprocessableEntity
		case result.Error == "settings could not be persisted":
			status = http.StatusBadGateway
		default:
			status = http.StatusNotFound
		}
	}
	writeJSON(w, status, result)
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return uuid.NewString()
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"success":       false,
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func (l *rateLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok || now.After(entry.resetAt) {
		l.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(l.window),
		}
		return true
	}
	if entry.count >= l.max {
		return false
	}
	entry.count++
	l.entries[key] = entry
	return true
}
