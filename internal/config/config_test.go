package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := Default()
	cfg.Directories = []DirectoryConfig{{DirectoryID: "dir-1", LocalPath: "/home/user/docs", Enabled: true}}

	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.ServerAddress, loaded.ServerAddress)
	require.Equal(t, cfg.ChunkSize, loaded.ChunkSize)
	require.Len(t, loaded.Directories, 1)
	require.Equal(t, "dir-1", loaded.Directories[0].DirectoryID)
}

func TestDefaultsMatchReferenceValues(t *testing.T) {
	def := Default()
	require.Equal(t, "localhost:50051", def.ServerAddress)
	require.Equal(t, 100, def.WatchDebounceMs)
	require.Equal(t, int64(100*1024*1024), def.MaxFileSize)
	require.Equal(t, 64*1024, def.ChunkSize)
	require.Equal(t, 3, def.MaxRetryAttempts)
	require.Equal(t, 5, def.RetryDelayS)
	require.Equal(t, "info", def.LogLevel)
}
