package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/synxpo/synxpo/internal/metadata"
	"github.com/synxpo/synxpo/internal/synxpoerr"
	"github.com/synxpo/synxpo/internal/wire"
)

func TestUpsertAndLookup(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.RegisterDirectory(ctx, "dir-1", "/tmp/dir-1"))

	rec := metadata.FileMetadata{
		ID: "file-1", DirectoryID: "dir-1", Version: 1, ContentChangedVersion: 1,
		Type: wire.FileTypeFile, CurrentPath: "a.txt",
	}
	require.NoError(t, s.Upsert(ctx, rec))

	byID, err := s.GetByID(ctx, "dir-1", "file-1")
	require.NoError(t, err)
	require.Equal(t, rec, byID)

	byPath, err := s.GetByPath(ctx, "dir-1", "a.txt")
	require.NoError(t, err)
	require.Equal(t, rec, byPath)
}

func TestUpsertPathMoveDropsOldMapping(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.RegisterDirectory(ctx, "dir-1", "/tmp/dir-1"))
	require.NoError(t, s.Upsert(ctx, metadata.FileMetadata{ID: "file-1", DirectoryID: "dir-1", Version: 1, CurrentPath: "a.txt"}))
	require.NoError(t, s.Upsert(ctx, metadata.FileMetadata{ID: "file-1", DirectoryID: "dir-1", Version: 2, CurrentPath: "b.txt"}))

	_, err := s.GetByPath(ctx, "dir-1", "a.txt")
	require.ErrorIs(t, err, synxpoerr.ErrNotFound)

	byPath, err := s.GetByPath(ctx, "dir-1", "b.txt")
	require.NoError(t, err)
	require.Equal(t, "file-1", byPath.ID)
}

func TestDeletedFilesAbsentFromPathIndex(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.RegisterDirectory(ctx, "dir-1", "/tmp/dir-1"))
	require.NoError(t, s.Upsert(ctx, metadata.FileMetadata{ID: "file-1", DirectoryID: "dir-1", Version: 1, CurrentPath: "a.txt"}))
	require.NoError(t, s.Upsert(ctx, metadata.FileMetadata{ID: "file-1", DirectoryID: "dir-1", Version: 2, CurrentPath: "a.txt", Deleted: true}))

	_, err := s.GetByPath(ctx, "dir-1", "a.txt")
	require.ErrorIs(t, err, synxpoerr.ErrNotFound)

	files, err := s.ListFiles(ctx, "dir-1")
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.True(t, files[0].Deleted)
}

func TestUnregisterDirectoryCascades(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.RegisterDirectory(ctx, "dir-1", "/tmp/dir-1"))
	require.NoError(t, s.Upsert(ctx, metadata.FileMetadata{ID: "file-1", DirectoryID: "dir-1", Version: 1, CurrentPath: "a.txt"}))
	require.NoError(t, s.UnregisterDirectory(ctx, "dir-1"))

	_, err := s.ListFiles(ctx, "dir-1")
	require.ErrorIs(t, err, synxpoerr.ErrNotFound)
}

func TestListFilesUnknownDirectory(t *testing.T) {
	s := New()
	_, err := s.ListFiles(context.Background(), "nope")
	require.ErrorIs(t, err, synxpoerr.ErrNotFound)
}
