package syncengine

import "testing"

func TestIsSyncingReflectsSetSyncingAndDefaultsFalse(t *testing.T) {
	e := &Engine{dirs: map[string]*dirState{}}
	dir := newDirState("dir-1", "/tmp/dir-1")
	e.dirs[dir.id] = dir

	if e.IsSyncing("dir-1") {
		t.Fatalf("expected IsSyncing to start false")
	}
	if e.IsSyncing("unknown-dir") {
		t.Fatalf("expected unknown directory to report not syncing")
	}

	e.setSyncing(dir, true)
	if !e.IsSyncing("dir-1") {
		t.Fatalf("expected IsSyncing true after setSyncing(true)")
	}

	e.setSyncing(dir, false)
	if e.IsSyncing("dir-1") {
		t.Fatalf("expected IsSyncing false after setSyncing(false)")
	}
}
