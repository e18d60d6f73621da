package surfacesync

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type Logger interface {
	Printf(format string, args ...any)
}

type AgentOptions struct {
	TabID        string
	PageURL      string
	Title        string
	MirrorFile   string
	Activate     bool
	PullInterval time.Duration
	Logger       Logger
}

// Agent runs on the tab side. It registers its surface with the daemon,
// listens for syncState pushes over the WebSocket, and falls back to
// periodic pulls whenever the socket is down, so a missed push only delays
// convergence instead of losing it.
type Agent struct {
	client       *Client
	tabID        string
	pageURL      string
	title        string
	mirrorFile   string
	activate     bool
	pullInterval time.Duration
	logger       Logger

	mu    sync.Mutex
	state *TabState
}

func NewAgent(client *Client, opts AgentOptions) (*Agent, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	tabID := strings.TrimSpace(opts.TabID)
	if tabID == "" {
		return nil, errors.New("tab id is required")
	}
	pullInterval := opts.PullInterval
	if pullInterval <= 0 {
		pullInterval = 5 * time.Second
	}
	return &Agent{
		client:       client,
		tabID:        tabID,
		pageURL:      strings.TrimSpace(opts.PageURL),
		title:        strings.TrimSpace(opts.Title),
		mirrorFile:   strings.TrimSpace(opts.MirrorFile),
		activate:     opts.Activate,
		pullInterval: pullInterval,
		logger:       opts.Logger,
	}, nil
}

// Run registers the tab and keeps it converged until the context ends.
// The tab is unregistered on the way out so the daemon releases its push
// handle.
func (a *Agent) Run(ctx context.Context) error {
	result, err := a.client.RegisterTab(ctx, a.tabID, a.pageURL, a.title)
	if err != nil {
		return err
	}
	if result.TabState != nil {
		a.apply(*result.TabState)
	}
	if a.activate {
		if _, err := a.client.ActivateTab(ctx, a.tabID); err != nil {
			a.logf("activate failed: %v", err)
		}
	}

	defer a.unregister()

	for {
		err := a.client.Listen(ctx, a.tabID, a.apply)
		if ctx.Err() != nil {
			return nil
		}
		a.logf("push listener dropped, pulling until it recovers: %v", err)
		if pullErr := a.SyncOnce(ctx); pullErr != nil && ctx.Err() == nil {
			a.logf("pull resync failed: %v", pullErr)
		}
		if waitErr := waitWithContext(ctx, a.pullInterval); waitErr != nil {
			return nil
		}
	}
}

// SyncOnce pulls the current tab state and applies it locally.
func (a *Agent) SyncOnce(ctx context.Context) error {
	result, err := a.client.GetTabState(ctx, a.tabID)
	if err != nil {
		return err
	}
	if !result.Success || result.TabState == nil {
		return errors.New(result.Error)
	}
	a.apply(*result.TabState)
	return nil
}

// State returns the last state the agent observed.
func (a *Agent) State() (TabState, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == nil {
		return TabState{}, false
	}
	return *a.state, true
}

func (a *Agent) apply(state TabState) {
	a.mu.Lock()
	previous := a.state
	clone := state
	a.state = &clone
	a.mu.Unlock()

	if previous == nil || previous.TheaterModeEnabled != state.TheaterModeEnabled || previous.Opacity != state.Opacity {
		a.logf("tab %s state: theaterMode=%t opacity=%.2f", state.TabID, state.TheaterModeEnabled, state.Opacity)
	}
	if err := a.writeMirror(state); err != nil {
		a.logf("mirror write failed: %v", err)
	}
}

func (a *Agent) writeMirror(state TabState) error {
	if a.mirrorFile == "" {
		return nil
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(a.mirrorFile)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := a.mirrorFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, a.mirrorFile)
}

func (a *Agent) unregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.client.UnregisterTab(ctx, a.tabID); err != nil {
		a.logf("unregister failed: %v", err)
	}
}

func (a *Agent) logf(format string, args ...any) {
	if a.logger == nil {
		return
	}
	a.logger.Printf(format, args...)
}
