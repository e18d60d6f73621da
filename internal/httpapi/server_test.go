package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/overlaykit/theatersync/internal/coordinator"
	"github.com/overlaykit/theatersync/internal/hoststore"
	"github.com/overlaykit/theatersync/internal/settings"
	"github.com/overlaykit/theatersync/internal/tabcache"
)

type quietLogger struct{}

func (quietLogger) Printf(format string, args ...any) {}

func newTestServer(t *testing.T, cfg ServerConfig) *Server {
	t.Helper()
	repo := settings.NewRepository(settings.RepositoryOptions{
		Primary:    hoststore.NewInMemoryBackend(),
		RetryDelay: time.Millisecond,
		Logger:     quietLogger{},
	})
	hub := NewHub(quietLogger{})
	cache := tabcache.New(repo, tabcache.Options{Pusher: hub, Logger: quietLogger{}})
	coord := coordinator.New(repo, cache, coordinator.Options{DisableResync: true, Logger: quietLogger{}})
	t.Cleanup(coord.Close)
	t.Cleanup(func() { hub.Close() })
	if cfg.Logger == nil {
		cfg.Logger = quietLogger{}
	}
	return NewServerWithConfig(coord, hub, cfg)
}

func doJSON(t *testing.T, server *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "203.0.113.10:44321"
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("%s %s returned invalid json: %v", method, path, err)
		}
	}
	return rec, decoded
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(t, ServerConfig{})
	rec, body := doJSON(t, server, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health: %d %v", rec.Code, body)
	}
}

func TestGetSettingsReturnsDefaults(t *testing.T) {
	server := newTestServer(t, ServerConfig{})
	rec, body := doJSON(t, server, http.MethodGet, "/v1/settings", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	record, ok := body["settings"].(map[string]any)
	if !ok {
		t.Fatalf("no settings in response: %v", body)
	}
	if record["opacity"] != settings.DefaultOpacity || record["theaterModeEnabled"] != false {
		t.Fatalf("unexpected defaults: %v", record)
	}
}

func TestTabLifecycleOverHTTP(t *testing.T) {
	server := newTestServer(t, ServerConfig{})

	rec, body := doJSON(t, server, http.MethodPost, "/v1/tabs/tab-1/register", `{"url":"https://example.com","title":"Example"}`)
	if rec.Code != http.StatusOK || body["success"] != true {
		t.Fatalf("register: %d %v", rec.Code, body)
	}
	state := body["tabState"].(map[string]any)
	if state["tabId"] != "tab-1" || state["url"] != "https://example.com" {
		t.Fatalf("register state: %v", state)
	}

	rec, body = doJSON(t, server, http.MethodGet, "/v1/tabs", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	if states := body["tabStates"].([]any); len(states) != 1 {
		t.Fatalf("list: %v", states)
	}

	rec, _ = doJSON(t, server, http.MethodGet, "/v1/tabs/active", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("no active tab yet, got %d", rec.Code)
	}
	rec, body = doJSON(t, server, http.MethodPost, "/v1/tabs/tab-1/activate", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("activate: %d %v", rec.Code, body)
	}
	rec, body = doJSON(t, server, http.MethodGet, "/v1/tabs/active", "")
	if rec.Code != http.StatusOK || body["tabState"].(map[string]any)["tabId"] != "tab-1" {
		t.Fatalf("active: %d %v", rec.Code, body)
	}

	rec, _ = doJSON(t, server, http.MethodDelete, "/v1/tabs/tab-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unregister: %d", rec.Code)
	}
	rec, _ = doJSON(t, server, http.MethodGet, "/v1/tabs/tab-1", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("deleted tab still resolves: %d", rec.Code)
	}
}

func TestToggleAndOpacityRoutes(t *testing.T) {
	server := newTestServer(t, ServerConfig{})
	doJSON(t, server, http.MethodPost, "/v1/tabs/tab-1/register", `{}`)

	rec, body := doJSON(t, server, http.MethodPost, "/v1/tabs/tab-1/theater-mode/toggle", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("toggle: %d %v", rec.Code, body)
	}
	if body["settings"].(map[string]any)["theaterModeEnabled"] != true {
		t.Fatalf("toggle did not enable: %v", body)
	}

	rec, body = doJSON(t, server, http.MethodPost, "/v1/tabs/tab-1/opacity", `{"value":0.3}`)
	if rec.Code != http.StatusOK || body["settings"].(map[string]any)["opacity"] != 0.3 {
		t.Fatalf("opacity: %d %v", rec.Code, body)
	}

	rec, body = doJSON(t, server, http.MethodPost, "/v1/tabs/tab-1/opacity", `{"value":5}`)
	if rec.Code != http.StatusOK || body["settings"].(map[string]any)["opacity"] != settings.MaxOpacity {
		t.Fatalf("out-of-range opacity must clamp: %d %v", rec.Code, body)
	}

	rec, _ = doJSON(t, server, http.MethodPost, "/v1/tabs/tab-1/opacity", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing value must be a 400, got %d", rec.Code)
	}
	rec, _ = doJSON(t, server, http.MethodPost, "/v1/tabs/tab-1/opacity", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid json must be a 400, got %d", rec.Code)
	}

	rec, body = doJSON(t, server, http.MethodPost, "/v1/tabs/tab-1/opacity/default", "")
	if rec.Code != http.StatusOK || body["settings"].(map[string]any)["opacity"] != settings.DefaultOpacity {
		t.Fatalf("default opacity: %d %v", rec.Code, body)
	}
}

func TestUnknownRoutesReturn404(t *testing.T) {
	server := newTestServer(t, ServerConfig{})
	for _, path := range []string{"/", "/v2/settings", "/v1/other", "/v1/tabs/tab-1/unknown"} {
		rec, body := doJSON(t, server, http.MethodGet, path, "")
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", path, rec.Code)
		}
		if body["success"] != false || body["correlationId"] == "" {
			t.Fatalf("%s: error envelope malformed: %v", path, body)
		}
	}
}

func TestCorrelationIDIsEchoed(t *testing.T) {
	server := newTestServer(t, ServerConfig{})
	req := httptest.NewRequest(http.MethodGet, "/v1/nope", nil)
	req.Header.Set("X-Correlation-Id", "corr-123")
	req.RemoteAddr = "203.0.113.10:44321"
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["correlationId"] != "corr-123" {
		t.Fatalf("correlation id not echoed: %v", body)
	}
}

func TestRateLimiting(t *testing.T) {
	server := newTestServer(t, ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Minute})

	for i := 0; i < 2; i++ {
		rec, _ := doJSON(t, server, http.MethodGet, "/v1/settings", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: %d", i, rec.Code)
		}
	}
	rec, _ := doJSON(t, server, http.MethodGet, "/v1/settings", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("429 must carry Retry-After")
	}

	// A different client has its own window.
	req := httptest.NewRequest(http.MethodGet, "/v1/settings", nil)
	req.RemoteAddr = "198.51.100.7:1000"
	other := httptest.NewRecorder()
	server.ServeHTTP(other, req)
	if other.Code != http.StatusOK {
		t.Fatalf("other client should not be limited: %d", other.Code)
	}
}

func TestOversizedBodyRejected(t *testing.T) {
	server := newTestServer(t, ServerConfig{MaxBodyBytes: 64})
	payload := `{"url":"` + strings.Repeat("x", 256) + `"}`
	rec, _ := doJSON(t, server, http.MethodPost, "/v1/tabs/tab-1/register", payload)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestWriteResultStatusMapping(t *testing.T) {
	cases := []struct {
		result coordinator.Result
		want   int
	}{
		{coordinator.Result{Success: true}, http.StatusOK},
		{coordinator.Result{Success: false, Issues: []settings.FieldIssue{{Field: "opacity"}}}, http.StatusUnprocessableEntity},
		{coordinator.Result{Success: false, Error: "settings could not be persisted"}, http.StatusBadGateway},
		{coordinator.Result{Success: false, Error: "unknown tab"}, http.StatusNotFound},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		writeResult(rec, tc.result)
		if rec.Code != tc.want {
			t.Fatalf("result %+v: want %d got %d", tc.result, tc.want, rec.Code)
		}
	}
}

func TestWebSocketReceivesStatePushes(t *testing.T) {
	server := newTestServer(t, ServerConfig{})
	ts := httptest.NewServer(server)
	defer ts.Close()

	client := ts.Client()
	post := func(path, body string) *http.Response {
		t.Helper()
		resp, err := client.Post(ts.URL+path, "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		return resp
	}

	resp := post("/v1/tabs/tab-1/register", `{"url":"u","title":"t"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register: %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/tabs/tab-1/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	resp = post("/v1/tabs/tab-1/theater-mode/toggle", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("toggle: %d", resp.StatusCode)
	}

	var envelope syncEnvelope
	if err := wsjson.Read(ctx, conn, &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Type != envelopeTypeSyncState {
		t.Fatalf("unexpected envelope type: %s", envelope.Type)
	}
	if !envelope.TabState.TheaterModeEnabled || envelope.TabState.TabID != "tab-1" {
		t.Fatalf("pushed state wrong: %+v", envelope.TabState)
	}
	if envelope.EventID == "" {
		t.Fatal("push must carry an event id")
	}

	resp = post("/v1/tabs/tab-2/register", "")
	resp.Body.Close()
	wsResp, err := client.Get(ts.URL + "/v1/tabs/tab-9/ws")
	if err != nil {
		t.Fatal(err)
	}
	wsResp.Body.Close()
	if wsResp.StatusCode != http.StatusNotFound {
		t.Fatalf("attach for unknown tab must 404, got %d", wsResp.StatusCode)
	}
}

func TestReconnectedWebSocketKeepsReceivingPushes(t *testing.T) {
	server := newTestServer(t, ServerConfig{})
	ts := httptest.NewServer(server)
	defer ts.Close()

	client := ts.Client()
	resp, err := client.Post(ts.URL+"/v1/tabs/tab-1/register", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/tabs/tab-1/ws"

	first, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close(websocket.StatusNormalClosure, "done")

	// Reconnect. The hub displaces the first socket; its server-side read
	// loop will observe the close and must release only its own conn, not
	// whatever the tab holds by then.
	second, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close(websocket.StatusNormalClosure, "done")

	// Wait for the displaced socket's read loop to run its release path.
	if _, _, readErr := first.Read(ctx); readErr == nil {
		t.Fatal("displaced socket should have been closed")
	}
	time.Sleep(50 * time.Millisecond)

	resp, err = client.Post(ts.URL+"/v1/tabs/tab-1/theater-mode/toggle", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("toggle: %d", resp.StatusCode)
	}

	var envelope syncEnvelope
	if err := wsjson.Read(ctx, second, &envelope); err != nil {
		t.Fatalf("reconnected socket lost the push: %v", err)
	}
	if !envelope.TabState.TheaterModeEnabled {
		t.Fatalf("pushed state wrong: %+v", envelope.TabState)
	}
}
