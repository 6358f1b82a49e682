package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/synxpo/synxpo/internal/content"
	"github.com/synxpo/synxpo/internal/metadata/memstore"
	"github.com/synxpo/synxpo/internal/wire"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	return New(memstore.New(), content.New(t.TempDir()))
}

func createAndUpload(t *testing.T, s *Storage, clientID, path string, firstTry wire.Timestamp, data []byte) (dirID string, fileID string) {
	t.Helper()
	ctx := context.Background()

	dirID, err := s.CreateDirectory(ctx)
	require.NoError(t, err)

	req := []wire.VersionIncreaseFile{{
		DirectoryID: dirID, CurrentPath: path, Type: wire.FileTypeFile,
		ContentChanged: true, FirstTryTime: firstTry,
	}}
	results := s.CheckVersionIncrease(clientID, req)
	require.Equal(t, wire.StatusFree, results[0].Status)

	s.LockFilesForWrite(clientID, req)
	updated, err := s.ApplyVersionIncrease(ctx, clientID, req, map[string][]byte{path: data})
	require.NoError(t, err)
	require.Len(t, updated, 1)
	return dirID, updated[0].ID
}

func TestVersionMonotonicityAcrossCommits(t *testing.T) {
	s := newTestStorage(t)
	dirID, fileID := createAndUpload(t, s, "client-a", "a.txt", 1, []byte("v1"))

	for i, want := range []uint64{2, 3, 4} {
		req := []wire.VersionIncreaseFile{{
			ID: fileID, DirectoryID: dirID, CurrentPath: "a.txt", Type: wire.FileTypeFile,
			ContentChanged: true, FirstTryTime: wire.Timestamp(10 + i),
		}}
		results := s.CheckVersionIncrease("client-a", req)
		require.Equal(t, wire.StatusFree, results[0].Status)
		s.LockFilesForWrite("client-a", req)
		updated, err := s.ApplyVersionIncrease(context.Background(), "client-a", req, map[string][]byte{fileID: []byte("v")})
		require.NoError(t, err)
		require.Equal(t, want, updated[0].Version)
		require.Equal(t, want, updated[0].ContentChangedVersion)
	}
}

func TestRenamePreservesContentChangedVersion(t *testing.T) {
	s := newTestStorage(t)
	dirID, fileID := createAndUpload(t, s, "client-a", "old.txt", 1, []byte("hello"))

	req := []wire.VersionIncreaseFile{{
		ID: fileID, DirectoryID: dirID, CurrentPath: "new.txt", Type: wire.FileTypeFile,
		ContentChanged: false, FirstTryTime: 2,
	}}
	results := s.CheckVersionIncrease("client-a", req)
	require.Equal(t, wire.StatusFree, results[0].Status)
	s.LockFilesForWrite("client-a", req)
	updated, err := s.ApplyVersionIncrease(context.Background(), "client-a", req, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(2), updated[0].Version)
	require.Equal(t, uint64(1), updated[0].ContentChangedVersion)
	require.Equal(t, "new.txt", updated[0].CurrentPath)
}

func TestLastTryPriorityDeniesOlderRequestAfterNewerCommits(t *testing.T) {
	s := newTestStorage(t)
	dirID, fileID := createAndUpload(t, s, "client-a", "a.txt", 1, []byte("v1"))

	newer := []wire.VersionIncreaseFile{{
		ID: fileID, DirectoryID: dirID, CurrentPath: "a.txt", Type: wire.FileTypeFile,
		ContentChanged: true, FirstTryTime: 100,
	}}
	results := s.CheckVersionIncrease("client-b", newer)
	require.Equal(t, wire.StatusFree, results[0].Status)
	s.LockFilesForWrite("client-b", newer)
	_, err := s.ApplyVersionIncrease(context.Background(), "client-b", newer, map[string][]byte{fileID: []byte("v2")})
	require.NoError(t, err)

	older := []wire.VersionIncreaseFile{{
		ID: fileID, DirectoryID: dirID, CurrentPath: "a.txt", Type: wire.FileTypeFile,
		ContentChanged: true, FirstTryTime: 1,
	}}
	results = s.CheckVersionIncrease("client-a", older)
	require.Equal(t, wire.StatusDenied, results[0].Status)
}

func TestRetryIdempotenceSameClientSameTimestamp(t *testing.T) {
	s := newTestStorage(t)
	dirID, fileID := createAndUpload(t, s, "client-a", "a.txt", 1, []byte("v1"))

	req := []wire.VersionIncreaseFile{{
		ID: fileID, DirectoryID: dirID, CurrentPath: "a.txt", Type: wire.FileTypeFile,
		ContentChanged: true, FirstTryTime: 1,
	}}
	// Repeating the exact same first_try_time from the same client stays FREE.
	results := s.CheckVersionIncrease("client-a", req)
	require.Equal(t, wire.StatusFree, results[0].Status)
}

func TestConcurrentAskSecondSeesBlocked(t *testing.T) {
	s := newTestStorage(t)
	dirID, fileID := createAndUpload(t, s, "client-a", "a.txt", 1, []byte("v1"))

	askA := []wire.VersionIncreaseFile{{
		ID: fileID, DirectoryID: dirID, CurrentPath: "a.txt", Type: wire.FileTypeFile,
		ContentChanged: true, FirstTryTime: 5,
	}}
	results := s.CheckVersionIncrease("client-a", askA)
	require.Equal(t, wire.StatusFree, results[0].Status)
	s.LockFilesForWrite("client-a", askA) // A holds the lock, never writes.

	askB := []wire.VersionIncreaseFile{{
		ID: fileID, DirectoryID: dirID, CurrentPath: "a.txt", Type: wire.FileTypeFile,
		ContentChanged: true, FirstTryTime: 10,
	}}
	results = s.CheckVersionIncrease("client-b", askB)
	require.Equal(t, wire.StatusBlocked, results[0].Status)
}

func TestNewFilePathRaceSecondCreatorBlocked(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	dirID, err := s.CreateDirectory(ctx)
	require.NoError(t, err)

	reqA := []wire.VersionIncreaseFile{{DirectoryID: dirID, CurrentPath: "new.txt", Type: wire.FileTypeFile, ContentChanged: true, FirstTryTime: 1}}
	results := s.CheckVersionIncrease("client-a", reqA)
	require.Equal(t, wire.StatusFree, results[0].Status)
	s.LockFilesForWrite("client-a", reqA)

	reqB := []wire.VersionIncreaseFile{{DirectoryID: dirID, CurrentPath: "new.txt", Type: wire.FileTypeFile, ContentChanged: true, FirstTryTime: 2}}
	results = s.CheckVersionIncrease("client-b", reqB)
	require.Equal(t, wire.StatusBlocked, results[0].Status)
}

func TestRollbackRestoresPreLockSnapshot(t *testing.T) {
	s := newTestStorage(t)
	dirID, fileID := createAndUpload(t, s, "client-a", "a.txt", 1, []byte("v1"))

	before, err := s.GetFile(context.Background(), dirID, fileID)
	require.NoError(t, err)

	req := []wire.VersionIncreaseFile{{
		ID: fileID, DirectoryID: dirID, CurrentPath: "renamed.txt", Type: wire.FileTypeFile,
		ContentChanged: true, FirstTryTime: 5,
	}}
	results := s.CheckVersionIncrease("client-a", req)
	require.Equal(t, wire.StatusFree, results[0].Status)
	s.LockFilesForWrite("client-a", req)

	s.RollbackUpload("client-a", req)

	after, err := s.GetFile(context.Background(), dirID, fileID)
	require.NoError(t, err)
	require.Equal(t, before.Version, after.Version)
	require.Equal(t, before.CurrentPath, after.CurrentPath)
	require.False(t, after.WriteLocked)
	require.Empty(t, after.LockedBy)

	byPath, err := s.GetFileByPath(context.Background(), dirID, "a.txt")
	require.NoError(t, err)
	require.Equal(t, fileID, byPath.ID)
}

func TestRoundTripUploadDownloadIncludingEmptyFile(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	dirID, fileID := createAndUpload(t, s, "client-a", "empty.txt", 1, []byte{})
	f, err := s.GetFile(ctx, dirID, fileID)
	require.NoError(t, err)
	require.Empty(t, f.Content)
	require.NotNil(t, f.Content) // distinguishes "read succeeded with zero bytes" from "not cached"

	dirID2, fileID2 := createAndUpload(t, s, "client-a", "hello.txt", 1, []byte("hello, synxpo"))
	f2, err := s.GetFile(ctx, dirID2, fileID2)
	require.NoError(t, err)
	require.Equal(t, []byte("hello, synxpo"), f2.Content)
}

func TestSoftDeleteRemovesFromPathIndexAndBlob(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	dirID, fileID := createAndUpload(t, s, "client-a", "a.txt", 1, []byte("v1"))

	req := []wire.VersionIncreaseFile{{
		ID: fileID, DirectoryID: dirID, CurrentPath: "a.txt", Type: wire.FileTypeFile,
		Deleted: true, ContentChanged: false, FirstTryTime: 2,
	}}
	results := s.CheckVersionIncrease("client-a", req)
	require.Equal(t, wire.StatusFree, results[0].Status)
	s.LockFilesForWrite("client-a", req)
	_, err := s.ApplyVersionIncrease(ctx, "client-a", req, nil)
	require.NoError(t, err)

	_, err = s.GetFileByPath(ctx, dirID, "a.txt")
	require.Error(t, err)

	files, err := s.GetDirectoryFiles(dirID)
	require.NoError(t, err)
	require.Empty(t, files)

	allFiles, err := s.ListDirectoryState(dirID)
	require.NoError(t, err)
	require.Len(t, allFiles, 1)
	require.True(t, allFiles[0].Deleted)
}

func TestCheckStaleLocksClearsExpiredLock(t *testing.T) {
	s := newTestStorage(t)
	dirID, fileID := createAndUpload(t, s, "client-a", "a.txt", 1, []byte("v1"))

	req := []wire.VersionIncreaseFile{{ID: fileID, DirectoryID: dirID, CurrentPath: "a.txt", Type: wire.FileTypeFile, ContentChanged: true, FirstTryTime: 5}}
	s.CheckVersionIncrease("client-a", req)
	s.LockFilesForWrite("client-a", req)

	s.CheckStaleLocks(0) // any positive elapsed time exceeds a zero timeout

	f, err := s.GetFile(context.Background(), dirID, fileID)
	require.NoError(t, err)
	require.False(t, f.WriteLocked)
}
