// Package tabcache tracks the per-surface projections of the settings
// record: one state entry per live tab, mirroring the canonical snapshot at
// its last sync.
package tabcache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/overlaykit/theatersync/internal/settings"
)

var ErrTabNotFound = errors.New("tab not found")

// TabState is a derived, eventually-consistent projection of the settings
// record plus surface-local fields. Surfaces receive copies; only the cache
// mutates its own entries.
type TabState struct {
	TabID              string  `json:"tabId"`
	URL                string  `json:"url"`
	Title              string  `json:"title"`
	TheaterModeEnabled bool    `json:"theaterModeEnabled"`
	Opacity            float64 `json:"opacity"`
	IsActive           bool    `json:"isActive"`
	LastSync           int64   `json:"lastSync"`
}

type SurfaceInfo struct {
	URL   string
	Title string
}

// Source yields the canonical settings record a sync mirrors from.
type Source interface {
	Current(ctx context.Context) settings.Record
}

// Pusher delivers a fresh state to the surface behind a tab, and releases
// whatever transport handle it holds for that tab on Drop. Delivery is
// best-effort; the surface may have navigated away.
type Pusher interface {
	Push(ctx context.Context, state TabState) error
	Drop(tabID string)
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Pusher      Pusher
	Logger      Logger
	PushTimeout time.Duration
	Now         func() time.Time
}

type Cache struct {
	source      Source
	pusher      Pusher
	logger      Logger
	pushTimeout time.Duration
	now         func() time.Time

	mu    sync.Mutex
	tabs  map[string]*TabState
	order []string
}

func New(source Source, opts Options) *Cache {
	pushTimeout := opts.PushTimeout
	if pushTimeout <= 0 {
		pushTimeout = 2 * time.Second
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Cache{
		source:      source,
		pusher:      opts.Pusher,
		logger:      opts.Logger,
		pushTimeout: pushTimeout,
		now:         now,
		tabs:        map[string]*TabState{},
	}
}

// RegisterTab creates a state entry seeded from the current canonical
// record. The new tab starts inactive. Re-registering an existing tab
// refreshes its surface info and keeps its position and activity.
func (c *Cache) RegisterTab(ctx context.Context, tabID string, info SurfaceInfo) {
	if tabID == "" {
		return
	}
	record := c.source.Current(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.tabs[tabID]; ok {
		existing.URL = info.URL
		existing.Title = info.Title
		existing.TheaterModeEnabled = record.TheaterModeEnabled
		existing.Opacity = record.Opacity
		return
	}
	c.tabs[tabID] = &TabState{
		TabID:              tabID,
		URL:                info.URL,
		Title:              info.Title,
		TheaterModeEnabled: record.TheaterModeEnabled,
		Opacity:            record.Opacity,
		IsActive:           false,
	}
	c.order = append(c.order, tabID)
}

// SetActiveTab marks tabID active and deactivates whatever was active
// before. At most one entry is active at any time; that invariant is
// enforced here, not by callers.
func (c *Cache) SetActiveTab(tabID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	target, ok := c.tabs[tabID]
	if !ok {
		return ErrTabNotFound
	}
	for _, state := range c.tabs {
		state.IsActive = false
	}
	target.IsActive = true
	return nil
}

// SyncTab overwrites the mirrored fields from the canonical record, stamps
// LastSync, and pushes the updated state to the surface. Delivery failure
// is logged, not retried: the tab may have navigated away and the periodic
// resync will catch it up if it is still there.
func (c *Cache) SyncTab(ctx context.Context, tabID string) error {
	record := c.source.Current(ctx)

	c.mu.Lock()
	state, ok := c.tabs[tabID]
	if !ok {
		c.mu.Unlock()
		return ErrTabNotFound
	}
	state.TheaterModeEnabled = record.TheaterModeEnabled
	state.Opacity = record.Opacity
	state.LastSync = c.now().UnixMilli()
	snapshot := *state
	c.mu.Unlock()

	c.push(ctx, snapshot)
	return nil
}

// SyncAllTabs runs SyncTab for every registered tab. Invoked after every
// accepted change and on a fixed interval as self-healing against missed
// pushes. Overlapping calls are safe: each simply overwrites the mirrored
// fields from the canonical record.
func (c *Cache) SyncAllTabs(ctx context.Context) {
	for _, tabID := range c.tabIDs() {
		if err := c.SyncTab(ctx, tabID); err != nil && !errors.Is(err, ErrTabNotFound) {
			c.logf("sync of tab %s failed: %v", tabID, err)
		}
	}
}

// UnregisterTab removes the entry and releases the tab's push handle. When
// the active tab goes away, the first remaining tab in registration order
// is promoted; no recency weighting (accepted simplification).
func (c *Cache) UnregisterTab(tabID string) {
	c.mu.Lock()
	state, ok := c.tabs[tabID]
	if !ok {
		c.mu.Unlock()
		return
	}
	wasActive := state.IsActive
	delete(c.tabs, tabID)
	for i, id := range c.order {
		if id == tabID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	if wasActive && len(c.order) > 0 {
		c.tabs[c.order[0]].IsActive = true
	}
	c.mu.Unlock()

	if c.pusher != nil {
		c.pusher.Drop(tabID)
	}
}

func (c *Cache) Get(tabID string) (TabState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.tabs[tabID]
	if !ok {
		return TabState{}, false
	}
	return *state, true
}

func (c *Cache) Active() (TabState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, state := range c.tabs {
		if state.IsActive {
			return *state, true
		}
	}
	return TabState{}, false
}

// All returns copies of every entry in registration order.
func (c *Cache) All() []TabState {
	c.mu.Lock()
	defer c.mu.Unlock()
	states := make([]TabState, 0, len(c.order))
	for _, tabID := range c.order {
		if state, ok := c.tabs[tabID]; ok {
			states = append(states, *state)
		}
	}
	return states
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tabs)
}

func (c *Cache) tabIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, len(c.order))
	copy(ids, c.order)
	return ids
}

func (c *Cache) push(ctx context.Context, state TabState) {
	if c.pusher == nil {
		return
	}
	pushCtx, cancel := context.WithTimeout(ctx, c.pushTimeout)
	defer cancel()
	if err := c.pusher.Push(pushCtx, state); err != nil {
		c.logf("push to tab %s failed: %v", state.TabID, err)
	}
}

func (c *Cache) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}
