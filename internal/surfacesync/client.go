// Package surfacesync is the tab-side half of the system: a retrying HTTP
// client for the daemon's API, a WebSocket listener for syncState pushes,
// and an agent that mirrors the authoritative state into a local file.
package surfacesync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// SettingsRecord mirrors the daemon's canonical record.
type SettingsRecord struct {
	TheaterModeEnabled bool    `json:"theaterModeEnabled"`
	Opacity            float64 `json:"opacity"`
	ShortcutBinding    string  `json:"shortcutBinding"`
	LastUsed           *int64  `json:"lastUsed"`
	SchemaVersion      string  `json:"schemaVersion"`
}

// TabState mirrors the daemon's per-tab projection.
type TabState struct {
	TabID              string  `json:"tabId"`
	URL                string  `json:"url"`
	Title              string  `json:"title"`
	TheaterModeEnabled bool    `json:"theaterModeEnabled"`
	Opacity            float64 `json:"opacity"`
	IsActive           bool    `json:"isActive"`
	LastSync           int64   `json:"lastSync"`
}

type FieldIssue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// OpResult mirrors the daemon's uniform operation reply.
type OpResult struct {
	Success  bool            `json:"success"`
	Error    string          `json:"error,omitempty"`
	Issues   []FieldIssue    `json:"issues,omitempty"`
	Settings *SettingsRecord `json:"settings,omitempty"`
	TabState *TabState       `json:"tabState,omitempty"`
}

type syncEnvelope struct {
	EventID  string   `json:"eventId"`
	Type     string   `json:"type"`
	TabState TabState `json:"tabState"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8787"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *Client) RegisterTab(ctx context.Context, tabID, pageURL, title string) (OpResult, error) {
	body := map[string]any{"url": pageURL, "title": title}
	var out OpResult
	err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/v1/tabs/%s/register", url.PathEscape(tabID)), body, &out)
	return out, err
}

func (c *Client) ActivateTab(ctx context.Context, tabID string) (OpResult, error) {
	var out OpResult
	err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/v1/tabs/%s/activate", url.PathEscape(tabID)), nil, &out)
	return out, err
}

func (c *Client) UnregisterTab(ctx context.Context, tabID string) error {
	return c.doJSON(ctx, http.MethodDelete, fmt.Sprintf("/v1/tabs/%s", url.PathEscape(tabID)), nil, nil)
}

func (c *Client) ToggleTheaterMode(ctx context.Context, tabID string) (OpResult, error) {
	var out OpResult
	err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/v1/tabs/%s/theater-mode/toggle", url.PathEscape(tabID)), nil, &out)
	return out, err
}

func (c *Client) SetOpacity(ctx context.Context, tabID string, value float64) (OpResult, error) {
	var out OpResult
	err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/v1/tabs/%s/opacity", url.PathEscape(tabID)), map[string]any{"value": value}, &out)
	return out, err
}

func (c *Client) UseDefaultOpacity(ctx context.Context, tabID string) (OpResult, error) {
	var out OpResult
	err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/v1/tabs/%s/opacity/default", url.PathEscape(tabID)), nil, &out)
	return out, err
}

func (c *Client) GetSettings(ctx context.Context) (OpResult, error) {
	var out OpResult
	err := c.doJSON(ctx, http.MethodGet, "/v1/settings", nil, &out)
	return out, err
}

func (c *Client) GetTabState(ctx context.Context, tabID string) (OpResult, error) {
	var out OpResult
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/v1/tabs/%s", url.PathEscape(tabID)), nil, &out)
	return out, err
}

// Listen attaches the tab's WebSocket and invokes onState for every
// syncState envelope until the context ends or the socket drops.
func (c *Client) Listen(ctx context.Context, tabID string, onState func(TabState)) error {
	wsURL, err := c.websocketURL(tabID)
	if err != nil {
		return err
	}
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "listener stopped")
	for {
		var envelope syncEnvelope
		if err := wsjson.Read(ctx, conn, &envelope); err != nil {
			return err
		}
		if envelope.Type != "syncState" {
			continue
		}
		if onState != nil {
			onState(envelope.TabState)
		}
	}
}

func (c *Client) websocketURL(tabID string) (string, error) {
	parsed, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + fmt.Sprintf("/v1/tabs/%s/ws", url.PathEscape(tabID))
	return parsed.String(), nil
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("X-Correlation-Id", uuid.NewString())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		// 422 carries a well-formed rejection result; surface it to the
		// caller instead of treating it as a transport failure.
		if (resp.StatusCode >= 200 && resp.StatusCode <= 299) || resp.StatusCode == http.StatusUnprocessableEntity {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		message := errPayload.Message
		if message == "" {
			message = errPayload.Error
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    message,
		}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
