// Package coordinator is the background authority: the only component that
// commits settings changes on behalf of a surface and the only one that
// fans the resulting state out to every tracked tab.
package coordinator

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/overlaykit/theatersync/internal/settings"
	"github.com/overlaykit/theatersync/internal/tabcache"
)

type Logger interface {
	Printf(format string, args ...any)
}

// Result is the uniform reply for every inbound surface request.
type Result struct {
	Success  bool                  `json:"success"`
	Error    string                `json:"error,omitempty"`
	Issues   []settings.FieldIssue `json:"issues,omitempty"`
	Settings *settings.Record      `json:"settings,omitempty"`
	TabState *tabcache.TabState    `json:"tabState,omitempty"`
}

type Options struct {
	ResyncInterval time.Duration
	DisableResync  bool
	Logger         Logger
}

type Coordinator struct {
	repo   *settings.Repository
	cache  *tabcache.Cache
	logger Logger

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func New(repo *settings.Repository, cache *tabcache.Cache, opts Options) *Coordinator {
	interval := opts.ResyncInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	c := &Coordinator{
		repo:   repo,
		cache:  cache,
		logger: logger,
		closed: make(chan struct{}),
	}
	if !opts.DisableResync {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.resyncLoop(interval)
		}()
	}
	return c
}

// resyncLoop periodically re-pushes the canonical state to every tab as
// self-healing against missed push notifications.
func (c *Coordinator) resyncLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			c.cache.SyncAllTabs(ctx)
			cancel()
		}
	}
}

func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.wg.Wait()
	})
}

// ApplyChange validates and persists a change requested by tabID, then
// propagates the accepted state to every tab. A rejected change reports its
// validation issues and leaves all tab state untouched; there is no partial
// propagation.
func (c *Coordinator) ApplyChange(ctx context.Context, tabID string, patch settings.Patch) Result {
	ok, err := c.repo.Save(ctx, patch)
	if err != nil {
		if verr, isValidation := settings.AsValidationError(err); isValidation {
			return Result{Success: false, Error: "validation failed", Issues: verr.Issues}
		}
		return Result{Success: false, Error: err.Error()}
	}
	if !ok {
		return Result{Success: false, Error: "settings could not be persisted"}
	}

	if syncErr := c.cache.SyncTab(ctx, tabID); syncErr != nil && !errors.Is(syncErr, tabcache.ErrTabNotFound) {
		c.logger.Printf("post-save sync of tab %s failed: %v", tabID, syncErr)
	}
	c.cache.SyncAllTabs(ctx)

	record := c.repo.Current(ctx)
	result := Result{Success: true, Settings: &record}
	if state, found := c.cache.Get(tabID); found {
		result.TabState = &state
	}
	return result
}

// ToggleTheaterMode flips the current theater-mode flag.
func (c *Coordinator) ToggleTheaterMode(ctx context.Context, tabID string) Result {
	record := c.repo.Current(ctx)
	enabled := !record.TheaterModeEnabled
	return c.ApplyChange(ctx, tabID, settings.Patch{TheaterModeEnabled: &enabled})
}

// UpdateOpacity clamps the slider value into range before applying it.
// Clamping, not rejection, is deliberate here: direct user input gets the
// nearest legal value, while corrupted persisted data is reset to the
// default by validation.
func (c *Coordinator) UpdateOpacity(ctx context.Context, tabID string, value float64) Result {
	clamped := settings.ClampOpacity(value)
	return c.ApplyChange(ctx, tabID, settings.Patch{Opacity: &clamped})
}

// SetDefaultOpacity restores the schema default opacity.
func (c *Coordinator) SetDefaultOpacity(ctx context.Context, tabID string) Result {
	value := settings.DefaultOpacity
	return c.ApplyChange(ctx, tabID, settings.Patch{Opacity: &value})
}

func (c *Coordinator) GetSettings(ctx context.Context) Result {
	record := c.repo.Current(ctx)
	return Result{Success: true, Settings: &record}
}

func (c *Coordinator) GetTabState(tabID string) Result {
	state, ok := c.cache.Get(tabID)
	if !ok {
		return Result{Success: false, Error: "unknown tab"}
	}
	return Result{Success: true, TabState: &state}
}

func (c *Coordinator) GetAllTabStates() []tabcache.TabState {
	return c.cache.All()
}

func (c *Coordinator) GetActiveTabState() Result {
	state, ok := c.cache.Active()
	if !ok {
		return Result{Success: false, Error: "no active tab"}
	}
	return Result{Success: true, TabState: &state}
}

// RegisterTab admits a new surface and delivers its initial state.
func (c *Coordinator) RegisterTab(ctx context.Context, tabID string, info tabcache.SurfaceInfo) Result {
	if tabID == "" {
		return Result{Success: false, Error: "tab id is required"}
	}
	c.cache.RegisterTab(ctx, tabID, info)
	if err := c.cache.SyncTab(ctx, tabID); err != nil {
		c.logger.Printf("initial sync of tab %s failed: %v", tabID, err)
	}
	return c.GetTabState(tabID)
}

// ActivateTab moves the single active marker to tabID.
func (c *Coordinator) ActivateTab(ctx context.Context, tabID string) Result {
	if err := c.cache.SetActiveTab(tabID); err != nil {
		return Result{Success: false, Error: "unknown tab"}
	}
	return c.GetTabState(tabID)
}

// UnregisterTab removes a closed surface and releases its push handle.
func (c *Coordinator) UnregisterTab(tabID string) Result {
	c.cache.UnregisterTab(tabID)
	return Result{Success: true}
}

// OnFallbackChanged reloads the canonical record and re-pushes it to every
// tab; wired to the fallback file watcher.
func (c *Coordinator) OnFallbackChanged() {
	c.repo.Invalidate()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c.cache.SyncAllTabs(ctx)
}
