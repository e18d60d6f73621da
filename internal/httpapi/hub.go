package httpapi

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/overlaykit/theatersync/internal/tabcache"
)

// syncEnvelope is the outbound push notification: the full current tab
// state for one surface. Delivery is best-effort; no acknowledgment is
// expected on the periodic path.
type syncEnvelope struct {
	EventID  string            `json:"eventId"`
	Type     string            `json:"type"`
	TabState tabcache.TabState `json:"tabState"`
}

const envelopeTypeSyncState = "syncState"

// Hub holds at most one WebSocket per registered tab and writes syncState
// envelopes to it. It is the arena of per-surface transport handles;
// Drop guarantees release when a tab unregisters.
type Hub struct {
	logger Logger

	mu    sync.Mutex
	conns map[string]*websocket.Conn
}

func NewHub(logger Logger) *Hub {
	return &Hub{
		logger: logger,
		conns:  map[string]*websocket.Conn{},
	}
}

// Attach adopts a freshly accepted socket for tabID, displacing any
// previous one.
func (h *Hub) Attach(tabID string, conn *websocket.Conn) {
	if h == nil || tabID == "" || conn == nil {
		return
	}
	h.mu.Lock()
	previous := h.conns[tabID]
	h.conns[tabID] = conn
	h.mu.Unlock()
	if previous != nil {
		_ = previous.Close(websocket.StatusPolicyViolation, "superseded by a newer connection")
	}
}

// Push writes the state to the tab's socket, if one is attached. A tab
// without a socket is not a delivery failure; the periodic resync simply
// has nothing to do for it.
func (h *Hub) Push(ctx context.Context, state tabcache.TabState) error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	conn := h.conns[state.TabID]
	h.mu.Unlock()
	if conn == nil {
		return nil
	}
	envelope := syncEnvelope{
		EventID:  uuid.NewString(),
		Type:     envelopeTypeSyncState,
		TabState: state,
	}
	if err := wsjson.Write(ctx, conn, envelope); err != nil {
		h.detach(state.TabID, conn)
		return err
	}
	return nil
}

// Drop releases the tab's socket. Safe to call for tabs that never
// attached one.
func (h *Hub) Drop(tabID string) {
	if h == nil {
		return
	}
	h.mu.Lock()
	conn := h.conns[tabID]
	delete(h.conns, tabID)
	h.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "tab unregistered")
	}
}

func (h *Hub) Close() {
	if h == nil {
		return
	}
	h.mu.Lock()
	conns := h.conns
	h.conns = map[string]*websocket.Conn{}
	h.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

// detach removes a conn only if it is still the one registered for the
// tab, so a reconnect racing a failed push is not torn down.
func (h *Hub) detach(tabID string, conn *websocket.Conn) {
	h.mu.Lock()
	if h.conns[tabID] == conn {
		delete(h.conns, tabID)
	}
	h.mu.Unlock()
	_ = conn.Close(websocket.StatusAbnormalClosure, "push failed")
}
