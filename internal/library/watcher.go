package library

import (
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// AssetEvent represents one observed change to the asset directory.
type AssetEvent struct {
	Path      string    `json:"path"`
	Operation string    `json:"operation"` // "created", "modified", "deleted", "renamed"
	Time      time.Time `json:"time"`
}

// Watcher monitors the asset directory so assets deleted or replaced outside
// the controller (a sync tool, a culling pass) are reflected in the library:
// removals flag the asset record as missing, and every event lands in the
// asset_events table.
type Watcher struct {
	watcher *fsnotify.Watcher
	store   *Store
	log     *slog.Logger
	Events  chan AssetEvent
	done    chan struct{}
}

// NewWatcher creates a watcher over the store's asset directory.
func NewWatcher(store *Store, log *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher: fw,
		store:   store,
		log:     log,
		Events:  make(chan AssetEvent, 100),
		done:    make(chan struct{}),
	}, nil
}

// Start begins monitoring the asset directory.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(w.store.AssetDir()); err != nil {
		return err
	}
	w.log.Info("watching asset library", "dir", w.store.AssetDir())
	go w.processEvents()
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *Watcher) processEvents() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			var operation string
			switch {
			case event.Op&fsnotify.Create == fsnotify.Create:
				operation = "created"
			case event.Op&fsnotify.Write == fsnotify.Write:
				operation = "modified"
			case event.Op&fsnotify.Remove == fsnotify.Remove:
				operation = "deleted"
			case event.Op&fsnotify.Rename == fsnotify.Rename:
				operation = "renamed"
			default:
				continue
			}
			if !isAssetFile(event.Name) {
				continue
			}

			now := time.Now()
			if err := w.store.RecordAssetEvent(event.Name, operation, now); err != nil {
				w.log.Warn("asset event record failed", "path", event.Name, "error", err)
			}
			if operation == "deleted" || operation == "renamed" {
				if err := w.store.MarkAssetMissing(event.Name); err != nil {
					w.log.Warn("asset missing flag failed", "path", event.Name, "error", err)
				} else {
					w.log.Info("asset removed outside controller", "path", event.Name)
				}
			}

			select {
			case w.Events <- AssetEvent{Path: event.Name, Operation: operation, Time: now}:
			default:
				// Drop rather than stall the watch loop.
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("asset watcher error", "error", err)
		}
	}
}

func isAssetFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".dng", ".heic", ".jpg", ".jpeg":
		return true
	}
	return false
}
