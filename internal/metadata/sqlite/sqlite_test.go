package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/synxpo/synxpo/internal/metadata"
	"github.com/synxpo/synxpo/internal/synxpoerr"
	"github.com/synxpo/synxpo/internal/wire"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "metadata.db")
	s, err := Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSqliteRegisterAndUpsert(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.RegisterDirectory(ctx, "dir-1", "/data/dir-1"))
	require.NoError(t, s.Upsert(ctx, metadata.FileMetadata{
		ID: "file-1", DirectoryID: "dir-1", Version: 1, ContentChangedVersion: 1,
		Type: wire.FileTypeFile, CurrentPath: "a.txt",
	}))

	got, err := s.GetByPath(ctx, "dir-1", "a.txt")
	require.NoError(t, err)
	require.Equal(t, uint64(1), got.Version)

	files, err := s.ListFiles(ctx, "dir-1")
	require.NoError(t, err)
	require.Len(t, files, 1)
}

func TestSqliteUniquePathAllowsCollisionWithDeleted(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.RegisterDirectory(ctx, "dir-1", "/data/dir-1"))

	require.NoError(t, s.Upsert(ctx, metadata.FileMetadata{
		ID: "file-1", DirectoryID: "dir-1", Version: 2, CurrentPath: "a.txt", Deleted: true,
	}))
	// A second, unrelated file may now legitimately occupy the same path
	// since the first is soft-deleted.
	require.NoError(t, s.Upsert(ctx, metadata.FileMetadata{
		ID: "file-2", DirectoryID: "dir-1", Version: 1, CurrentPath: "a.txt",
	}))

	got, err := s.GetByPath(ctx, "dir-1", "a.txt")
	require.NoError(t, err)
	require.Equal(t, "file-2", got.ID)
}

func TestSqliteUnregisterDirectoryCascades(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.RegisterDirectory(ctx, "dir-1", "/data/dir-1"))
	require.NoError(t, s.Upsert(ctx, metadata.FileMetadata{ID: "file-1", DirectoryID: "dir-1", Version: 1, CurrentPath: "a.txt"}))

	require.NoError(t, s.UnregisterDirectory(ctx, "dir-1"))

	_, err := s.ListFiles(ctx, "dir-1")
	require.ErrorIs(t, err, synxpoerr.ErrNotFound)
}

func TestSqliteGetByIDNotFound(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.RegisterDirectory(ctx, "dir-1", "/data/dir-1"))

	_, err := s.GetByID(ctx, "dir-1", "missing")
	require.ErrorIs(t, err, synxpoerr.ErrNotFound)
}
