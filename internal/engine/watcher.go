package engine

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// fileWatcher watches the backup directory for markdown edits made by
// external tools while the app is running. It uses fsnotify for
// cross-platform file system event monitoring.
//
// Events are debounced: editors typically emit a burst of writes per
// save, and one rescan per burst is enough.
type fileWatcher struct {
	watcher *fsnotify.Watcher
	dir     string
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	running bool
}

func newFileWatcher(dir string) (*fileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &fileWatcher{
		watcher: watcher,
		dir:     dir,
		done:    make(chan struct{}),
	}, nil
}

// start begins watching. changed is called once per debounced burst of
// markdown edits.
func (fw *fileWatcher) start(debounce time.Duration, changed func()) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.running {
		return fmt.Errorf("watcher already running")
	}
	if err := fw.watcher.Add(fw.dir); err != nil {
		return fmt.Errorf("failed to watch backup directory %s: %w", fw.dir, err)
	}

	fw.running = true
	fw.wg.Add(1)
	go fw.processEvents(debounce, changed)
	return nil
}

// stop stops watching and blocks until the event loop has exited.
func (fw *fileWatcher) stop() error {
	fw.mu.Lock()
	if !fw.running {
		fw.mu.Unlock()
		return nil
	}
	fw.running = false
	fw.mu.Unlock()

	close(fw.done)
	if err := fw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	fw.wg.Wait()
	return nil
}

// processEvents is the main event loop. It collapses bursts of fsnotify
// events into a single changed() call per debounce window.
func (fw *fileWatcher) processEvents(debounce time.Duration, changed func()) {
	defer fw.wg.Done()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-fw.done:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if !fw.relevant(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				timer.Reset(debounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			changed()

		case _, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			// Watch errors are transient on the platforms we care about;
			// the next event burst re-triggers normally.
		}
	}
}

// relevant filters to content-changing events on markdown files.
func (fw *fileWatcher) relevant(event fsnotify.Event) bool {
	if !strings.HasSuffix(event.Name, ".md") {
		return false
	}
	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write),
		event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		return true
	default:
		// Ignore chmod and other events.
		return false
	}
}

// startWatcher wires the backup-directory watcher to a full-tree rescan.
// Timestamps cannot be trusted after an external edit, so the dirty set
// is rebuilt from the whole tree rather than diffed.
func (e *Engine) startWatcher() error {
	fw, err := newFileWatcher(e.config.BackupDir)
	if err != nil {
		return err
	}
	err = fw.start(e.config.DebounceInterval, func() {
		e.config.Logger.Printf("External edit detected in %s; rescanning tree", e.config.BackupDir)
		e.RescanTree(e.ctx)
	})
	if err != nil {
		return err
	}
	e.watcher = fw
	return nil
}

func (e *Engine) stopWatcher() {
	if e.watcher == nil {
		return
	}
	if err := e.watcher.stop(); err != nil {
		e.config.Logger.Printf("Warning: failed to stop file watcher: %v", err)
	}
	e.watcher = nil
}
