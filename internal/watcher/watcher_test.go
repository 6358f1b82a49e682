package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, root string, trigger func()) []Event {
	t.Helper()
	events := make(chan Event, 16)
	w, err := New([]string{root}, func(ev Event) { events <- ev })
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go w.Run(ctx)

	time.Sleep(50 * time.Millisecond) // let fsnotify's Add() settle
	trigger()

	var got []Event
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-deadline:
			return got
		}
	}
}

func TestRenameWithinWindowPairsIntoRenamedEvent(t *testing.T) {
	root := t.TempDir()
	oldPath := filepath.Join(root, "old.txt")
	newPath := filepath.Join(root, "new.txt")
	require.NoError(t, os.WriteFile(oldPath, []byte("data"), 0o644))

	events := collect(t, root, func() {
		require.NoError(t, os.Rename(oldPath, newPath))
	})

	require.NotEmpty(t, events)
	found := false
	for _, ev := range events {
		if ev.Type == EventRenamed {
			require.Equal(t, oldPath, ev.OldPath)
			require.Equal(t, newPath, ev.Path)
			found = true
		}
	}
	require.True(t, found, "expected a paired Renamed event, got %+v", events)
}

func TestDeleteWithNoFollowUpFlushesAsStaleDelete(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "gone.txt")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))

	events := collect(t, root, func() {
		require.NoError(t, os.Remove(path))
	})

	require.Len(t, events, 1)
	require.Equal(t, EventDeleted, events[0].Type)
	require.Equal(t, path, events[0].Path)
}
