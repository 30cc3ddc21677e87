package daemon

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// WakeEvent is a wake file appearing in the watched directory.
type WakeEvent struct {
	// Path is the absolute path of the wake file.
	Path string
	// Tag is the tag the file was named after.
	Tag string
}

// WakeWatcher turns files named after a background-sync tag into wake
// events. A host scheduler that cannot call into the process (cron, a
// platform background task, a CLI in another shell) touches
// <dir>/<tag> or <dir>/<tag>.<anything> to ask for a drain.
type WakeWatcher struct {
	watcher *fsnotify.Watcher
	events  chan WakeEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	dir     string
	tag     string
}

// NewWakeWatcher creates a watcher for tag. It must be started with Start
// before it emits events.
func NewWakeWatcher(tag string) (*WakeWatcher, error) {
	if tag == "" {
		return nil, fmt.Errorf("wake tag cannot be empty")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &WakeWatcher{
		watcher: watcher,
		events:  make(chan WakeEvent, 16),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
		tag:     tag,
	}, nil
}

// Start begins watching dir.
func (ww *WakeWatcher) Start(dir string) error {
	ww.mu.Lock()
	defer ww.mu.Unlock()

	if ww.running {
		return fmt.Errorf("watcher already running")
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve wake directory %s: %w", dir, err)
	}
	if err := ww.watcher.Add(abs); err != nil {
		return fmt.Errorf("failed to watch wake directory %s: %w", abs, err)
	}
	ww.dir = abs

	ww.running = true
	ww.wg.Add(1)
	go ww.processEvents()

	return nil
}

// Stop stops watching and waits for the event loop to exit. Both channels are
// closed afterwards.
func (ww *WakeWatcher) Stop() error {
	ww.mu.Lock()
	if !ww.running {
		ww.mu.Unlock()
		return nil
	}
	ww.running = false
	ww.mu.Unlock()

	close(ww.done)

	if err := ww.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	ww.wg.Wait()

	close(ww.events)
	close(ww.errors)

	return nil
}

// Events returns the wake event channel.
func (ww *WakeWatcher) Events() <-chan WakeEvent {
	return ww.events
}

// Errors returns the watcher error channel.
func (ww *WakeWatcher) Errors() <-chan error {
	return ww.errors
}

// IsRunning reports whether the watcher is started.
func (ww *WakeWatcher) IsRunning() bool {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	return ww.running
}

// Matches reports whether a file name is a wake file for the watcher's tag.
func (ww *WakeWatcher) Matches(name string) bool {
	base := filepath.Base(name)
	return base == ww.tag || strings.HasPrefix(base, ww.tag+".")
}

func (ww *WakeWatcher) processEvents() {
	defer ww.wg.Done()

	for {
		select {
		case <-ww.done:
			return

		case event, ok := <-ww.watcher.Events:
			if !ok {
				return
			}

			if ev, ok := ww.convertEvent(event); ok {
				select {
				case ww.events <- ev:
				case <-ww.done:
					return
				}
			}

		case err, ok := <-ww.watcher.Errors:
			if !ok {
				return
			}

			select {
			case ww.errors <- err:
			case <-ww.done:
				return
			}
		}
	}
}

func (ww *WakeWatcher) convertEvent(event fsnotify.Event) (WakeEvent, bool) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return WakeEvent{}, false
	}
	if !ww.Matches(event.Name) {
		return WakeEvent{}, false
	}
	if filepath.Dir(event.Name) != ww.dir {
		return WakeEvent{}, false
	}
	return WakeEvent{Path: event.Name, Tag: ww.tag}, true
}
