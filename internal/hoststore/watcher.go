package hoststore

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FallbackWatcher observes the fallback file for external edits. The file is
// replaced by rename on every write, so the parent directory is watched and
// events are filtered to the file's base name.
type FallbackWatcher struct {
	watcher   *fsnotify.Watcher
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// WatchFallback invokes onChange whenever path is written, created, or
// renamed. onChange runs on its own goroutine and may block; changes that
// arrive while it runs are coalesced into one follow-up call.
func WatchFallback(path string, onChange func(), logger Logger) (*FallbackWatcher, error) {
	path = strings.TrimSpace(path)
	if path == "" || onChange == nil {
		return nil, ErrInvalidInput
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	base := filepath.Base(path)

	w := &FallbackWatcher{
		watcher: watcher,
		done:    make(chan struct{}),
	}

	changed := make(chan struct{}, 1)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-w.done:
				return
			case <-changed:
				onChange()
			}
		}
	}()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-w.done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case changed <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if logger != nil {
					logger.Printf("fallback watcher error: %v", err)
				}
			}
		}
	}()
	return w, nil
}

func (w *FallbackWatcher) Close() error {
	if w == nil {
		return nil
	}
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
		w.wg.Wait()
	})
	return err
}
