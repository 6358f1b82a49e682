// Package watcher is the one concrete implementation of the filesystem
// watcher collaborator contract (spec §6), backed by fsnotify. The core
// SyncEngine only ever depends on the Callback contract; this package is
// the external glue the ambient CLI needs to actually run end to end.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/synxpo/synxpo/internal/logger"
	"github.com/synxpo/synxpo/internal/synxpoerr"
)

// EventType mirrors the four event kinds SyncEngine's watcher intake
// understands.
type EventType string

const (
	EventCreated  EventType = "Created"
	EventModified EventType = "Modified"
	EventDeleted  EventType = "Deleted"
	EventRenamed  EventType = "Renamed"
)

// EntryType distinguishes what changed, when the watcher can tell.
type EntryType string

const (
	EntryFile      EntryType = "File"
	EntryDirectory EntryType = "Directory"
	EntryUnknown   EntryType = "Unknown"
)

// Event is delivered to the callback the SyncEngine registers.
type Event struct {
	Type    EventType
	Entry   EntryType
	Path    string
	OldPath string // set only for EventRenamed
	Time    time.Time
}

// Callback is the collaborator contract the SyncEngine consumes.
type Callback func(Event)

// pairWindow is the ~1s window spec §6 allows for pairing a Deleted +
// Created pair into a single Renamed event.
const pairWindow = 1 * time.Second

// Watcher recursively watches a set of root directories and delivers
// debounced-nothing (that's the SyncEngine's job), rename-paired events.
type Watcher struct {
	fsw      *fsnotify.Watcher
	callback Callback

	mu          sync.Mutex
	pendingOld  *Event // most recent unpaired removal/rename-source, if still within window
	pendingTime time.Time
}

// New creates a Watcher over roots, delivering events to cb.
func New(roots []string, cb Callback) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, synxpoerr.NewInternal("create fsnotify watcher", err)
	}
	w := &Watcher{fsw: fsw, callback: cb}
	for _, root := range roots {
		if err := w.addRecursive(root); err != nil {
			fsw.Close()
			return nil, err
		}
	}
	return w, nil
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := w.fsw.Add(path); err != nil {
				return synxpoerr.NewInternal("watch directory "+path, err)
			}
		}
		return nil
	})
}

// Run consumes fsnotify events until ctx is cancelled or the watcher is
// closed.
func (w *Watcher) Run(ctx context.Context) error {
	flushTicker := time.NewTicker(pairWindow / 2)
	defer flushTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return w.fsw.Close()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watcher: fsnotify error: %v", err)
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case <-flushTicker.C:
			w.flushStalePending()
		}
	}
}

func entryTypeOf(path string) EntryType {
	info, err := os.Stat(path)
	if err != nil {
		return EntryUnknown
	}
	if info.IsDir() {
		return EntryDirectory
	}
	return EntryFile
}

func (w *Watcher) handle(ev fsnotify.Event) {
	now := time.Now()

	switch {
	case ev.Op&fsnotify.Create != 0:
		w.mu.Lock()
		if w.pendingOld != nil && now.Sub(w.pendingTime) <= pairWindow {
			renamed := Event{Type: EventRenamed, Entry: entryTypeOf(ev.Name), Path: ev.Name, OldPath: w.pendingOld.Path, Time: now}
			w.pendingOld = nil
			w.mu.Unlock()
			w.deliver(renamed)
			return
		}
		w.mu.Unlock()

		entry := entryTypeOf(ev.Name)
		if entry == EntryDirectory {
			_ = w.addRecursive(ev.Name)
		}
		w.deliver(Event{Type: EventCreated, Entry: entry, Path: ev.Name, Time: now})

	case ev.Op&fsnotify.Write != 0:
		w.deliver(Event{Type: EventModified, Entry: entryTypeOf(ev.Name), Path: ev.Name, Time: now})

	case ev.Op&fsnotify.Remove != 0 || ev.Op&fsnotify.Rename != 0:
		pending := Event{Type: EventDeleted, Entry: EntryUnknown, Path: ev.Name, Time: now}
		w.mu.Lock()
		w.pendingOld = &pending
		w.pendingTime = now
		w.mu.Unlock()
	}
}

// flushStalePending delivers any Deleted event that failed to pair with a
// Created within the window.
func (w *Watcher) flushStalePending() {
	w.mu.Lock()
	var stale *Event
	if w.pendingOld != nil && time.Since(w.pendingTime) > pairWindow {
		stale = w.pendingOld
		w.pendingOld = nil
	}
	w.mu.Unlock()
	if stale != nil {
		w.deliver(*stale)
	}
}

func (w *Watcher) deliver(ev Event) {
	if w.callback != nil {
		w.callback(ev)
	}
}
