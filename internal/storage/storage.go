// Package storage implements C3, the server's authoritative in-memory
// per-file state, and the conflict arbiter that guards it (spec §4.3). It
// is the heart of the system: every other server component either feeds it
// (StreamSession) or is fed by it (SubscriptionRegistry via the metadata it
// returns on commit).
package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/synxpo/synxpo/internal/logger"
	"github.com/synxpo/synxpo/internal/metadata"
	"github.com/synxpo/synxpo/internal/synxpoerr"
	"github.com/synxpo/synxpo/internal/wire"
)

// ContentStore is the subset of content.Store the engine depends on.
type ContentStore interface {
	Write(ctx context.Context, dirID, fileID string, data []byte) error
	Read(ctx context.Context, dirID, fileID string) ([]byte, error)
	Delete(ctx context.Context, dirID, fileID string) error
}

// File is the engine's live per-file record: metadata§3 plus lock state and
// LastTry, none of which are persisted.
type File struct {
	ID                    string
	DirectoryID           string
	Version               uint64
	ContentChangedVersion uint64
	Type                  wire.FileType
	CurrentPath           string
	Deleted               bool

	Content       []byte // in-memory cache; nil until first write or lazy load
	contentLoaded bool

	WriteLocked    bool
	LockedBy       string
	LockAcquiredAt time.Time
	ReadCount      int

	LastTryTime   wire.Timestamp
	LastTryClient string
}

// ToMetadata projects f onto the persisted metadata record.
func (f File) ToMetadata() metadata.FileMetadata {
	return metadata.FileMetadata{
		ID: f.ID, DirectoryID: f.DirectoryID, Version: f.Version,
		ContentChangedVersion: f.ContentChangedVersion, Type: f.Type,
		CurrentPath: f.CurrentPath, Deleted: f.Deleted,
	}
}

// ToWire projects f onto the wire representation sent to clients.
func (f File) ToWire() wire.FileMetadata {
	return f.ToMetadata().ToWire()
}

type directory struct {
	id       string
	rootPath string
	files    map[string]*File
	byPath   map[string]string // current_path -> file id, excludes deleted

	// pendingNewPaths reserves a not-yet-committed path for a brand new
	// file so a second racing ASK_VERSION_INCREASE for the same path is
	// BLOCKED rather than silently admitted twice (open question in
	// spec §9, resolved in favor of preserving single-writer for new
	// files too).
	pendingNewPaths map[string]string // path -> reserving client id
}

// VersionCheckResult is the arbitration verdict for one requested file,
// preserving the request's ordering and identifying which existing record
// (if any) it resolved to.
type VersionCheckResult struct {
	FileID      string
	DirectoryID string
	CurrentPath string
	Status      wire.FileStatus
}

// Storage is the C3 engine: one reader-writer lock guarding every directory
// and file, backed by a MetadataStore and a ContentStore.
type Storage struct {
	mu   sync.RWMutex
	dirs map[string]*directory

	// backups[client_id][file_id] holds the pre-lock snapshot for
	// RollbackUpload, populated by LockFilesForWrite.
	backups map[string]map[string]File

	metadataStore metadata.Store
	contentStore  ContentStore
}

// New builds an empty Storage engine over the given collaborators.
func New(metadataStore metadata.Store, contentStore ContentStore) *Storage {
	return &Storage{
		dirs:          make(map[string]*directory),
		backups:       make(map[string]map[string]File),
		metadataStore: metadataStore,
		contentStore:  contentStore,
	}
}

// CreateDirectory mints a fresh id, registers an empty directory, and
// records it with the MetadataStore.
func (s *Storage) CreateDirectory(ctx context.Context) (string, error) {
	id := wire.NewID()

	s.mu.Lock()
	s.dirs[id] = &directory{
		id:              id,
		files:           make(map[string]*File),
		byPath:          make(map[string]string),
		pendingNewPaths: make(map[string]string),
	}
	s.mu.Unlock()

	if err := s.metadataStore.RegisterDirectory(ctx, id, ""); err != nil {
		logger.Warn("create directory: metadata register failed: %v", err)
	}
	return id, nil
}

// DirectoryExists is a shared-lock read.
func (s *Storage) DirectoryExists(dirID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.dirs[dirID]
	return ok
}

// ListDirectoryIDs is a diagnostics-only read, backing the admin
// introspection endpoint. It intentionally returns bare ids, not a
// snapshot of file state, to keep the lock held for as little time as
// possible.
func (s *Storage) ListDirectoryIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.dirs))
	for id := range s.dirs {
		ids = append(ids, id)
	}
	return ids
}

// GetDirectoryFiles returns every non-deleted file in dirID.
func (s *Storage) GetDirectoryFiles(dirID string) ([]File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dir, ok := s.dirs[dirID]
	if !ok {
		return nil, synxpoerr.NewNotFound(synxpoerr.KindDirectory, dirID)
	}
	out := make([]File, 0, len(dir.files))
	for _, f := range dir.files {
		if !f.Deleted {
			out = append(out, *f)
		}
	}
	return out, nil
}

// ListDirectoryState returns every file in dirID, tombstones included. Used
// wherever a CHECK_VERSION listing is built: a client's reconciliation diff
// needs to see a soft-deleted record's deleted flag directly rather than
// inferring deletion purely from its absence, and an all-deleted directory
// must still yield a listing that names the directory.
func (s *Storage) ListDirectoryState(dirID string) ([]File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dir, ok := s.dirs[dirID]
	if !ok {
		return nil, synxpoerr.NewNotFound(synxpoerr.KindDirectory, dirID)
	}
	out := make([]File, 0, len(dir.files))
	for _, f := range dir.files {
		out = append(out, *f)
	}
	return out, nil
}

// GetFile returns a snapshot of one file, lazily consulting the
// ContentStore if its bytes are not yet cached in memory.
func (s *Storage) GetFile(ctx context.Context, dirID, fileID string) (File, error) {
	s.mu.RLock()
	dir, ok := s.dirs[dirID]
	if !ok {
		s.mu.RUnlock()
		return File{}, synxpoerr.NewNotFound(synxpoerr.KindDirectory, dirID)
	}
	f, ok := dir.files[fileID]
	if !ok {
		s.mu.RUnlock()
		return File{}, synxpoerr.NewNotFound(synxpoerr.KindFile, fileID)
	}
	snapshot := *f
	needsLoad := !snapshot.Deleted && !snapshot.contentLoaded
	s.mu.RUnlock()

	if needsLoad {
		if data, err := s.contentStore.Read(ctx, dirID, fileID); err == nil {
			snapshot.Content = data
			snapshot.contentLoaded = true

			s.mu.Lock()
			if live, ok := s.dirs[dirID]; ok {
				if lf, ok := live.files[fileID]; ok && !lf.contentLoaded {
					lf.Content = data
					lf.contentLoaded = true
				}
			}
			s.mu.Unlock()
		}
	}
	return snapshot, nil
}

// GetFileByPath resolves a path through the directory's index and defers
// to GetFile.
func (s *Storage) GetFileByPath(ctx context.Context, dirID, relPath string) (File, error) {
	s.mu.RLock()
	dir, ok := s.dirs[dirID]
	if !ok {
		s.mu.RUnlock()
		return File{}, synxpoerr.NewNotFound(synxpoerr.KindDirectory, dirID)
	}
	id, ok := dir.byPath[relPath]
	s.mu.RUnlock()
	if !ok {
		return File{}, synxpoerr.NewNotFound(synxpoerr.KindFile, relPath)
	}
	return s.GetFile(ctx, dirID, id)
}

func (d *directory) resolve(req wire.VersionIncreaseFile) *File {
	if req.ID != "" {
		return d.files[req.ID]
	}
	if id, ok := d.byPath[req.CurrentPath]; ok {
		return d.files[id]
	}
	return nil
}

func mkResult(f *File, status wire.FileStatus) VersionCheckResult {
	return VersionCheckResult{FileID: f.ID, DirectoryID: f.DirectoryID, CurrentPath: f.CurrentPath, Status: status}
}

// CheckVersionIncrease is the conflict arbiter (spec §4.3). It mutates
// LastTry as a side effect of admitting a FREE result, so it takes the
// exclusive lock even though most of its work is read-only.
func (s *Storage) CheckVersionIncrease(clientID string, files []wire.VersionIncreaseFile) []VersionCheckResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	results := make([]VersionCheckResult, len(files))
	for i, req := range files {
		dir, ok := s.dirs[req.DirectoryID]
		if !ok {
			results[i] = VersionCheckResult{DirectoryID: req.DirectoryID, CurrentPath: req.CurrentPath, Status: wire.StatusDenied}
			continue
		}

		f := dir.resolve(req)
		if f == nil {
			owner, reserved := dir.pendingNewPaths[req.CurrentPath]
			status := wire.StatusFree
			if reserved && owner != clientID {
				status = wire.StatusBlocked
			}
			results[i] = VersionCheckResult{DirectoryID: req.DirectoryID, CurrentPath: req.CurrentPath, Status: status}
			continue
		}

		switch {
		case f.LastTryTime > req.FirstTryTime:
			results[i] = mkResult(f, wire.StatusDenied)
		case f.LastTryTime < req.FirstTryTime || (f.LastTryTime == req.FirstTryTime && f.LastTryClient == clientID):
			switch {
			case f.WriteLocked && f.LockedBy != clientID:
				results[i] = mkResult(f, wire.StatusBlocked)
			case f.ReadCount > 0:
				results[i] = mkResult(f, wire.StatusBlocked)
			default:
				f.LastTryTime = req.FirstTryTime
				f.LastTryClient = clientID
				results[i] = mkResult(f, wire.StatusFree)
			}
		default:
			// last_try.T == req.T but a different client: deterministic tie-break.
			results[i] = mkResult(f, wire.StatusDenied)
		}
	}
	return results
}

// LockFilesForWrite assumes the caller already confirmed every file is
// FREE via CheckVersionIncrease. For existing files it snapshots the
// pre-lock state and marks the file blocked-for-write; for brand new files
// it reserves the path so a racing second creator sees BLOCKED.
func (s *Storage) LockFilesForWrite(clientID string, files []wire.VersionIncreaseFile) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if s.backups[clientID] == nil {
		s.backups[clientID] = make(map[string]File)
	}
	for _, req := range files {
		dir, ok := s.dirs[req.DirectoryID]
		if !ok {
			continue
		}
		f := dir.resolve(req)
		if f == nil {
			dir.pendingNewPaths[req.CurrentPath] = clientID
			continue
		}
		s.backups[clientID][f.ID] = *f
		f.WriteLocked = true
		f.LockedBy = clientID
		f.LockAcquiredAt = now
	}
}

func lookupContent(contents map[string][]byte, id, path string) ([]byte, bool) {
	if id != "" {
		if v, ok := contents[id]; ok {
			return v, true
		}
	}
	v, ok := contents[path]
	return v, ok
}

// ApplyVersionIncrease commits files, minting new records where necessary,
// writing changed content through the ContentStore, and upserting the
// result to the MetadataStore. contents is keyed by file id when known,
// falling back to current_path for not-yet-created files.
func (s *Storage) ApplyVersionIncrease(ctx context.Context, clientID string, files []wire.VersionIncreaseFile, contents map[string][]byte) ([]metadata.FileMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated := make([]metadata.FileMetadata, 0, len(files))
	for _, req := range files {
		dir, ok := s.dirs[req.DirectoryID]
		if !ok {
			return nil, synxpoerr.NewNotFound(synxpoerr.KindDirectory, req.DirectoryID)
		}

		f := dir.resolve(req)
		if f == nil {
			f = &File{
				ID: wire.NewID(), DirectoryID: req.DirectoryID, Version: 1,
				LastTryTime: req.FirstTryTime, LastTryClient: clientID,
			}
			dir.files[f.ID] = f
			if req.ContentChanged {
				f.ContentChangedVersion = 1
			}
		} else {
			f.Version++
			if req.ContentChanged {
				f.ContentChangedVersion = f.Version
			}
		}

		if req.ContentChanged {
			data, ok := lookupContent(contents, f.ID, req.CurrentPath)
			if !ok {
				return nil, synxpoerr.NewInternal(fmt.Sprintf("missing staged content for %s", req.CurrentPath), nil)
			}
			if err := s.contentStore.Write(ctx, req.DirectoryID, f.ID, data); err != nil {
				return nil, err
			}
			f.Content = data
			f.contentLoaded = true
		}

		oldPath := f.CurrentPath
		f.CurrentPath = req.CurrentPath
		f.Type = req.Type
		f.Deleted = req.Deleted

		if oldPath != "" && oldPath != f.CurrentPath {
			delete(dir.byPath, oldPath)
		}
		if f.Deleted {
			delete(dir.byPath, f.CurrentPath)
			if err := s.contentStore.Delete(ctx, req.DirectoryID, f.ID); err != nil {
				logger.Warn("apply version increase: delete blob for %s: %v", f.ID, err)
			}
			f.Content = nil
			f.contentLoaded = false
		} else {
			dir.byPath[f.CurrentPath] = f.ID
		}

		f.WriteLocked = false
		f.LockedBy = ""
		delete(dir.pendingNewPaths, req.CurrentPath)

		rec := f.ToMetadata()
		if err := s.metadataStore.Upsert(ctx, rec); err != nil {
			logger.Warn("apply version increase: metadata upsert failed for %s: %v", f.ID, err)
		}
		updated = append(updated, rec)
	}
	delete(s.backups, clientID)
	return updated, nil
}

// RollbackUpload restores every backed-up record for clientID and clears
// any write locks the request still holds. ContentStore writes already
// performed are left in place; the next successful commit overwrites them,
// and lock + version gating keeps intermediate bytes from ever being
// observed by a reader.
func (s *Storage) RollbackUpload(clientID string, files []wire.VersionIncreaseFile) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, snapshot := range s.backups[clientID] {
		dir, ok := s.dirs[snapshot.DirectoryID]
		if !ok {
			continue
		}
		restored := snapshot
		dir.files[id] = &restored
		for path, fid := range dir.byPath {
			if fid == id {
				delete(dir.byPath, path)
			}
		}
		if !restored.Deleted {
			dir.byPath[restored.CurrentPath] = id
		}
	}
	delete(s.backups, clientID)

	for _, req := range files {
		dir, ok := s.dirs[req.DirectoryID]
		if !ok {
			continue
		}
		if f := dir.resolve(req); f != nil && f.LockedBy == clientID {
			f.WriteLocked = false
			f.LockedBy = ""
		}
		if owner, ok := dir.pendingNewPaths[req.CurrentPath]; ok && owner == clientID {
			delete(dir.pendingNewPaths, req.CurrentPath)
		}
	}
}

// CheckFilesForRead is the reader-side analogue of CheckVersionIncrease:
// DENIED for an unknown directory or file, BLOCKED if write-locked by any
// client, else FREE.
func (s *Storage) CheckFilesForRead(fileIDs []wire.FileID) []wire.FileStatusInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]wire.FileStatusInfo, len(fileIDs))
	for i, id := range fileIDs {
		dir, ok := s.dirs[id.DirectoryID]
		if !ok {
			out[i] = wire.FileStatusInfo{ID: id.ID, DirectoryID: id.DirectoryID, Status: wire.StatusDenied}
			continue
		}
		f, ok := dir.files[id.ID]
		if !ok {
			out[i] = wire.FileStatusInfo{ID: id.ID, DirectoryID: id.DirectoryID, Status: wire.StatusDenied}
			continue
		}
		status := wire.StatusFree
		if f.WriteLocked {
			status = wire.StatusBlocked
		}
		out[i] = wire.FileStatusInfo{ID: id.ID, DirectoryID: id.DirectoryID, Status: status}
	}
	return out
}

// LockFilesForRead increments the reader count for each file; multiple
// concurrent readers are allowed.
func (s *Storage) LockFilesForRead(fileIDs []wire.FileID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range fileIDs {
		if dir, ok := s.dirs[id.DirectoryID]; ok {
			if f, ok := dir.files[id.ID]; ok {
				f.ReadCount++
			}
		}
	}
}

// UnlockFilesAfterRead is LockFilesForRead's inverse.
func (s *Storage) UnlockFilesAfterRead(fileIDs []wire.FileID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range fileIDs {
		if dir, ok := s.dirs[id.DirectoryID]; ok {
			if f, ok := dir.files[id.ID]; ok && f.ReadCount > 0 {
				f.ReadCount--
			}
		}
	}
}

// ReleaseLocks clears every write lock held by clientID and drops its
// backups and path reservations, on disconnect.
func (s *Storage) ReleaseLocks(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, dir := range s.dirs {
		for _, f := range dir.files {
			if f.LockedBy == clientID {
				f.WriteLocked = false
				f.LockedBy = ""
			}
		}
		for path, owner := range dir.pendingNewPaths {
			if owner == clientID {
				delete(dir.pendingNewPaths, path)
			}
		}
	}
	delete(s.backups, clientID)
}

// CheckStaleLocks sweeps every blocked-for-write file whose lock has been
// held longer than writeTimeout and clears it. Backups are intentionally
// not restored: the pending upload is deemed lost and the client is
// expected to retry from scratch.
func (s *Storage) CheckStaleLocks(writeTimeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, dir := range s.dirs {
		for _, f := range dir.files {
			if f.WriteLocked && now.Sub(f.LockAcquiredAt) > writeTimeout {
				logger.Warn("storage: stale write lock cleared for file %s (held by %s)", f.ID, f.LockedBy)
				f.WriteLocked = false
				f.LockedBy = ""
			}
		}
	}
}
