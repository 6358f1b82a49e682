package syncengine

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/synxpo/synxpo/internal/logger"
	"github.com/synxpo/synxpo/internal/metadata"
	"github.com/synxpo/synxpo/internal/synxpoerr"
	"github.com/synxpo/synxpo/internal/wire"
)

func wireToLocal(m wire.FileMetadata) metadata.FileMetadata {
	return metadata.FileMetadata{
		ID: m.ID, DirectoryID: m.DirectoryID, Version: m.Version,
		ContentChangedVersion: m.ContentChangedVersion, Type: m.Type,
		CurrentPath: m.CurrentPath, Deleted: m.Deleted,
	}
}

// handleCheckVersion is the diff-and-apply core of spec §4.6: it compares
// the server's view of a directory against the local mirror and applies
// the difference in a fixed order (renames/deletes, then downloads, then
// re-uploads of anything locally ahead, then local deletions of anything
// the server no longer has).
func (e *Engine) handleCheckVersion(ctx context.Context, dirID string, serverFiles []wire.FileMetadata) {
	dir := e.getDir(dirID)
	if dir == nil {
		return
	}
	e.setSyncing(dir, true)
	defer e.setSyncing(dir, false)

	localFiles, err := e.local.ListFiles(ctx, dirID)
	if err != nil && !errors.Is(err, synxpoerr.ErrNotFound) {
		logger.Error("syncengine: list local files for %s: %v", dirID, err)
		return
	}
	localByID := make(map[string]metadata.FileMetadata, len(localFiles))
	for _, lf := range localFiles {
		localByID[lf.ID] = lf
	}
	serverByID := make(map[string]wire.FileMetadata, len(serverFiles))

	var toRenameOrDelete []wire.FileMetadata
	var toDownload []wire.FileMetadata
	var toUpload []metadata.FileMetadata

	for _, sf := range serverFiles {
		serverByID[sf.ID] = sf
		lf, exists := localByID[sf.ID]
		if !exists {
			if sf.Deleted {
				// Never existed locally and the server already has it
				// tombstoned: nothing to fetch. applyRenamesAndSoftDeletes
				// skips it, since it has no local record to update.
				toRenameOrDelete = append(toRenameOrDelete, sf)
			} else {
				toDownload = append(toDownload, sf)
			}
			continue
		}
		if lf.CurrentPath != sf.CurrentPath || lf.Deleted != sf.Deleted {
			toRenameOrDelete = append(toRenameOrDelete, sf)
		}
		switch {
		case sf.ContentChangedVersion > lf.ContentChangedVersion && !sf.Deleted:
			toDownload = append(toDownload, sf)
		case lf.Version > sf.Version:
			toUpload = append(toUpload, lf)
		}
	}

	var toDeleteLocal []metadata.FileMetadata
	for _, lf := range localFiles {
		if lf.Deleted {
			continue
		}
		if _, exists := serverByID[lf.ID]; !exists {
			toDeleteLocal = append(toDeleteLocal, lf)
		}
	}

	e.applyRenamesAndSoftDeletes(ctx, dir, toRenameOrDelete)
	e.downloadFiles(ctx, dir, toDownload)
	if len(toUpload) > 0 {
		e.reuploadLocalAhead(ctx, dir, toUpload)
	}
	e.deleteLocalFiles(ctx, dir, toDeleteLocal)
}

func (e *Engine) applyRenamesAndSoftDeletes(ctx context.Context, dir *dirState, files []wire.FileMetadata) {
	for _, sf := range files {
		lf, err := e.local.GetByID(ctx, dir.id, sf.ID)
		if err != nil {
			// No local record: only tombstones the client never had
			// reach this list that way (live files go to downloadFiles),
			// so there is nothing to rename or remove.
			continue
		}
		oldAbs := filepath.Join(dir.localPath, lf.CurrentPath)
		newAbs := filepath.Join(dir.localPath, sf.CurrentPath)

		e.mu.Lock()
		dir.markBeingWritten(oldAbs, newAbs)
		e.mu.Unlock()

		if sf.Deleted {
			_ = os.Remove(oldAbs)
		} else if oldAbs != newAbs {
			if err := os.MkdirAll(filepath.Dir(newAbs), 0o755); err != nil {
				logger.Error("syncengine: mkdir for rename target %s: %v", newAbs, err)
			} else if err := os.Rename(oldAbs, newAbs); err != nil {
				logger.Error("syncengine: rename %s -> %s: %v", oldAbs, newAbs, err)
			}
		}

		if err := e.local.Upsert(ctx, wireToLocal(sf)); err != nil {
			logger.Warn("syncengine: upsert renamed/deleted record %s: %v", sf.ID, err)
		}

		e.mu.Lock()
		dir.unmarkBeingWritten(oldAbs, newAbs)
		e.mu.Unlock()
	}
}

func (e *Engine) deleteLocalFiles(ctx context.Context, dir *dirState, files []metadata.FileMetadata) {
	for _, lf := range files {
		abs := filepath.Join(dir.localPath, lf.CurrentPath)

		e.mu.Lock()
		dir.markBeingWritten(abs)
		e.mu.Unlock()

		if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
			logger.Error("syncengine: remove %s: %v", abs, err)
		}
		if err := e.local.Remove(ctx, dir.id, lf.ID); err != nil {
			logger.Warn("syncengine: drop local record %s: %v", lf.ID, err)
		}

		e.mu.Lock()
		dir.unmarkBeingWritten(abs)
		e.mu.Unlock()
	}
}

// reuploadLocalAhead re-drives ASK_VERSION_INCREASE for files whose local
// version outpaces the server's, e.g. a change made while briefly
// disconnected that a plain CHECK_VERSION push can't have carried.
func (e *Engine) reuploadLocalAhead(ctx context.Context, dir *dirState, files []metadata.FileMetadata) {
	changes := make([]FileChangeInfo, 0, len(files))
	for _, lf := range files {
		changes = append(changes, FileChangeInfo{
			FileID: lf.ID, DirectoryID: dir.id, RelPath: lf.CurrentPath,
			Deleted: lf.Deleted, ContentChanged: true, FirstTryTime: nowMicros(),
		})
	}
	if err := e.askVersionIncrease(ctx, dir, changes); err != nil {
		logger.Error("syncengine: reupload local-ahead files for %s: %v", dir.id, err)
	}
}
