package syncengine

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/synxpo/synxpo/internal/config"
	"github.com/synxpo/synxpo/internal/content"
	"github.com/synxpo/synxpo/internal/metadata/memstore"
	"github.com/synxpo/synxpo/internal/session"
	"github.com/synxpo/synxpo/internal/storage"
	"github.com/synxpo/synxpo/internal/subscription"
	"github.com/synxpo/synxpo/internal/watcher"
	"github.com/synxpo/synxpo/internal/wire"
)

func newTestServer(t *testing.T, st *storage.Storage, subs *subscription.Registry, ctx context.Context) wire.Transport {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	sess := session.New(wire.NewStreamTransport(serverConn), st, subs, session.DefaultOptions())
	go sess.Run(ctx)
	return wire.NewStreamTransport(clientConn)
}

func createDirectory(t *testing.T, ctx context.Context, tx wire.Transport) string {
	t.Helper()
	f, err := wire.NewFrame(wire.TypeDirectoryCreate, "setup", wire.DirectoryCreateRequest{})
	require.NoError(t, err)
	require.NoError(t, tx.Send(ctx, f))
	reply, err := tx.Recv(ctx)
	require.NoError(t, err)
	var created wire.OKDirectoryCreated
	require.NoError(t, reply.Decode(&created))
	require.NoError(t, tx.Close())
	return created.DirectoryID
}

func testConfig(dirID, localPath string) config.Config {
	cfg := config.Default()
	cfg.WatchDebounceMs = 20
	cfg.ChunkSize = 1024
	cfg.Directories = []config.DirectoryConfig{{DirectoryID: dirID, LocalPath: localPath, Enabled: true}}
	return cfg
}

func TestEngineInitializationUploadsLocalFilesOnStartup(t *testing.T) {
	st := storage.New(memstore.New(), content.New(t.TempDir()))
	subs := subscription.New()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	setupTx := newTestServer(t, st, subs, ctx)
	dirID := createDirectory(t, ctx, setupTx)

	localDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(localDir, "hello.txt"), []byte("hello from client one"), 0o644))

	tx := newTestServer(t, st, subs, ctx)
	engine := New(testConfig(dirID, localDir), nil, tx, memstore.New())
	go engine.Run(ctx)

	require.Eventually(t, func() bool {
		files, err := st.GetDirectoryFiles(dirID)
		return err == nil && len(files) == 1
	}, 2*time.Second, 20*time.Millisecond)

	files, err := st.GetDirectoryFiles(dirID)
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.Equal(t, "hello.txt", files[0].CurrentPath)
}

func TestEngineDownloadsExistingServerFileOnStartup(t *testing.T) {
	st := storage.New(memstore.New(), content.New(t.TempDir()))
	subs := subscription.New()
	ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
	defer cancel()

	setupTx := newTestServer(t, st, subs, ctx)
	dirID := createDirectory(t, ctx, setupTx)

	uploaderDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(uploaderDir, "shared.txt"), []byte("shared payload"), 0o644))
	uploaderTx := newTestServer(t, st, subs, ctx)
	uploader := New(testConfig(dirID, uploaderDir), nil, uploaderTx, memstore.New())
	go uploader.Run(ctx)

	require.Eventually(t, func() bool {
		files, err := st.GetDirectoryFiles(dirID)
		return err == nil && len(files) == 1
	}, 2*time.Second, 20*time.Millisecond)

	downloaderDir := t.TempDir()
	downloaderTx := newTestServer(t, st, subs, ctx)
	downloader := New(testConfig(dirID, downloaderDir), nil, downloaderTx, memstore.New())
	go downloader.Run(ctx)

	downloadedPath := filepath.Join(downloaderDir, "shared.txt")
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(downloadedPath)
		return err == nil && string(data) == "shared payload"
	}, 3*time.Second, 20*time.Millisecond)
}

// TestEngineLocalDeletionPropagatesToSubscribedPeer exercises the
// applyRenamesAndSoftDeletes branch of handleCheckVersion: one engine
// deletes a file it already uploaded, and a second engine subscribed to
// the same directory removes its own local copy once the server's
// CHECK_VERSION push reaches it.
func TestEngineLocalDeletionPropagatesToSubscribedPeer(t *testing.T) {
	st := storage.New(memstore.New(), content.New(t.TempDir()))
	subs := subscription.New()
	ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
	defer cancel()

	setupTx := newTestServer(t, st, subs, ctx)
	dirID := createDirectory(t, ctx, setupTx)

	ownerDir := t.TempDir()
	ownerPath := filepath.Join(ownerDir, "shared.txt")
	require.NoError(t, os.WriteFile(ownerPath, []byte("shared payload"), 0o644))
	ownerTx := newTestServer(t, st, subs, ctx)
	owner := New(testConfig(dirID, ownerDir), nil, ownerTx, memstore.New())
	go owner.Run(ctx)

	require.Eventually(t, func() bool {
		files, err := st.GetDirectoryFiles(dirID)
		return err == nil && len(files) == 1
	}, 2*time.Second, 20*time.Millisecond)

	peerDir := t.TempDir()
	peerPath := filepath.Join(peerDir, "shared.txt")
	peerTx := newTestServer(t, st, subs, ctx)
	peer := New(testConfig(dirID, peerDir), nil, peerTx, memstore.New())
	go peer.Run(ctx)

	require.Eventually(t, func() bool {
		_, err := os.Stat(peerPath)
		return err == nil
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, os.Remove(ownerPath))
	owner.OnFileEvent(ctx, watcher.Event{
		Type: watcher.EventDeleted, Entry: watcher.EntryFile, Path: ownerPath, Time: time.Now(),
	})

	require.Eventually(t, func() bool {
		_, err := os.Stat(peerPath)
		return os.IsNotExist(err)
	}, 3*time.Second, 20*time.Millisecond)
}
