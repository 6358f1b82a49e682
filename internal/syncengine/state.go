// Package syncengine implements C6, the client-side reconciler that keeps
// local directories in agreement with the server (spec §4.6).
package syncengine

import (
	"time"

	"github.com/synxpo/synxpo/internal/wire"
)

// FileChangeInfo is the translated form of a watcher event, queued in a
// directory's pending_changes map until the debounce loop drains it.
type FileChangeInfo struct {
	FileID         string // empty if the local MetadataStore has no matching record
	DirectoryID    string
	RelPath        string
	Deleted        bool
	ContentChanged bool
	FirstTryTime   wire.Timestamp
}

// dirState is the per-directory client-side state of spec §4.6.
type dirState struct {
	id        string
	localPath string

	subscribed bool
	isSyncing  bool // advisory only, per spec §9 open question 3

	blockedFiles      map[string]struct{}       // file id
	pendingChanges    map[string]FileChangeInfo // rel path -> change
	filesBeingWritten map[string]struct{}       // abs path, suppresses watcher echo
	lastChangeTime    time.Time
}

func newDirState(id, localPath string) *dirState {
	return &dirState{
		id:                id,
		localPath:         localPath,
		blockedFiles:      make(map[string]struct{}),
		pendingChanges:    make(map[string]FileChangeInfo),
		filesBeingWritten: make(map[string]struct{}),
	}
}

func (d *dirState) markBeingWritten(paths ...string) {
	for _, p := range paths {
		d.filesBeingWritten[p] = struct{}{}
	}
}

func (d *dirState) unmarkBeingWritten(paths ...string) {
	for _, p := range paths {
		delete(d.filesBeingWritten, p)
	}
}

func (d *dirState) isBeingWritten(path string) bool {
	_, ok := d.filesBeingWritten[path]
	return ok
}

// IsSyncing reports whether dirID currently has a reconciliation round in
// flight. Advisory only (spec §9 open question 3): nothing blocks on it.
func (e *Engine) IsSyncing(dirID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	dir, ok := e.dirs[dirID]
	if !ok {
		return false
	}
	return dir.isSyncing
}

func (e *Engine) setSyncing(dir *dirState, v bool) {
	e.mu.Lock()
	dir.isSyncing = v
	e.mu.Unlock()
}
