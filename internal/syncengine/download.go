package syncengine

import (
	"context"
	"os"
	"path/filepath"

	"github.com/synxpo/synxpo/internal/logger"
	"github.com/synxpo/synxpo/internal/wire"
)

// tmpSuffix marks a file mid-download; the final rename is atomic within
// the same filesystem.
const tmpSuffix = ".synxpo_tmp"

// downloadFiles pulls the current bytes for files whose server-side
// content_changed_version outran the local copy. Only one download is in
// flight at a time (spec §5): downloadMu guards the whole streaming phase.
func (e *Engine) downloadFiles(ctx context.Context, dir *dirState, files []wire.FileMetadata) {
	if len(files) == 0 {
		return
	}
	e.downloadMu.Lock()

	ids := make([]wire.FileID, len(files))
	for i, f := range files {
		ids[i] = wire.FileID{ID: f.ID, DirectoryID: f.DirectoryID}
	}

	reply, err := e.sendRequest(ctx, wire.TypeRequestFileContent, wire.RequestFileContentRequest{Files: ids}, requestTimeout)
	if err != nil {
		e.downloadMu.Unlock()
		logger.Error("syncengine: request file content for %s: %v", dir.id, err)
		return
	}

	switch reply.Type {
	case wire.TypeFileContentAllow:
		e.receiveDownload(ctx, dir, files)
		e.downloadMu.Unlock()
	case wire.TypeFileContentDeny:
		// Released before the retry, which takes downloadMu again.
		e.downloadMu.Unlock()
		var deny wire.FileContentRequestDeny
		if err := reply.Decode(&deny); err != nil {
			logger.Error("syncengine: decode FILE_CONTENT_REQUEST_DENY: %v", err)
			return
		}
		e.retryFreeDownloads(ctx, dir, files, deny.Files)
	default:
		e.downloadMu.Unlock()
		logger.Error("syncengine: unexpected reply to REQUEST_FILE_CONTENT: %s", reply.Type)
	}
}

func (e *Engine) retryFreeDownloads(ctx context.Context, dir *dirState, files []wire.FileMetadata, statuses []wire.FileStatusInfo) {
	if len(statuses) != len(files) {
		return
	}
	var retry []wire.FileMetadata
	for i, f := range files {
		if statuses[i].Status == wire.StatusFree {
			retry = append(retry, f)
		}
	}
	if len(retry) > 0 {
		e.downloadFiles(ctx, dir, retry)
	}
}

// receiveDownload reads the FILE_WRITE stream that follows ALLOW: one or
// more chunks per file, terminated by a single FILE_WRITE_END for the
// whole batch (mirroring StreamSession.streamFileContent on the server
// side). Chunks are demultiplexed by file id, falling back to path for
// records that only just adopted an id.
func (e *Engine) receiveDownload(ctx context.Context, dir *dirState, files []wire.FileMetadata) {
	byKey := make(map[string]wire.FileMetadata, len(files))
	temps := make(map[string]*os.File, len(files))
	var absPaths []string

	cleanup := func() {
		for _, f := range temps {
			f.Close()
		}
		e.mu.Lock()
		dir.unmarkBeingWritten(absPaths...)
		e.mu.Unlock()
	}

	for _, f := range files {
		abs := filepath.Join(dir.localPath, f.CurrentPath)
		absPaths = append(absPaths, abs)
		byKey[f.ID] = f
		byKey[f.CurrentPath] = f
	}
	e.mu.Lock()
	dir.markBeingWritten(absPaths...)
	e.mu.Unlock()

	openTemp := func(key string) (*os.File, wire.FileMetadata, bool) {
		f, ok := byKey[key]
		if !ok {
			return nil, wire.FileMetadata{}, false
		}
		if tf, ok := temps[f.ID]; ok {
			return tf, f, true
		}
		abs := filepath.Join(dir.localPath, f.CurrentPath)
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			logger.Error("syncengine: mkdir for download %s: %v", abs, err)
			return nil, f, false
		}
		tf, err := os.Create(abs + tmpSuffix)
		if err != nil {
			logger.Error("syncengine: create temp file for %s: %v", abs, err)
			return nil, f, false
		}
		temps[f.ID] = tf
		return tf, f, true
	}

	for {
		frame, ok := e.nextCallback(ctx)
		if !ok {
			cleanup()
			return
		}
		switch frame.Type {
		case wire.TypeFileWriteEnd:
			e.finalizeDownload(dir, files, temps)
			cleanup()
			return
		case wire.TypeFileWrite:
			var msg wire.FileWriteMessage
			if err := frame.Decode(&msg); err != nil {
				logger.Warn("syncengine: malformed FILE_WRITE during download: %v", err)
				continue
			}
			key := msg.Chunk.ID
			if key == "" {
				key = msg.Chunk.CurrentPath
			}
			tf, _, ok := openTemp(key)
			if !ok {
				continue
			}
			if _, err := tf.WriteAt(msg.Chunk.Data, msg.Chunk.Offset); err != nil {
				logger.Error("syncengine: write download chunk: %v", err)
			}
		default:
			logger.Warn("syncengine: unexpected message %s mid-download", frame.Type)
		}
	}
}

func (e *Engine) finalizeDownload(dir *dirState, files []wire.FileMetadata, temps map[string]*os.File) {
	for _, f := range files {
		tf, ok := temps[f.ID]
		if !ok {
			continue
		}
		tmpPath := tf.Name()
		if err := tf.Close(); err != nil {
			logger.Error("syncengine: close temp file %s: %v", tmpPath, err)
			continue
		}
		finalPath := filepath.Join(dir.localPath, f.CurrentPath)
		if err := os.Rename(tmpPath, finalPath); err != nil {
			logger.Error("syncengine: finalize download %s: %v", finalPath, err)
			continue
		}
		if err := e.local.Upsert(context.Background(), wireToLocal(f)); err != nil {
			logger.Warn("syncengine: upsert downloaded metadata %s: %v", f.ID, err)
		}
	}
}
