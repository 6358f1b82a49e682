// Package memstore is the in-memory metadata.Store implementation: a single
// mutex guarding two nested maps, as specified in spec §4.1.
package memstore

import (
	"context"
	"sync"

	"github.com/synxpo/synxpo/internal/metadata"
	"github.com/synxpo/synxpo/internal/synxpoerr"
)

type directory struct {
	rootPath string
	files    map[string]metadata.FileMetadata // file id -> record
	byPath   map[string]string                // current_path -> file id (deleted excluded)
}

// Store is a metadata.Store that keeps everything in process memory. It is
// the default for tests and for single-process deployments that accept
// losing metadata across restarts (content blobs on disk are unaffected).
type Store struct {
	mu   sync.RWMutex
	dirs map[string]*directory
}

// New returns an empty Store.
func New() *Store {
	return &Store{dirs: make(map[string]*directory)}
}

var _ metadata.Store = (*Store)(nil)

func (s *Store) RegisterDirectory(_ context.Context, dirID, rootPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dirs[dirID]
	if !ok {
		d = &directory{files: make(map[string]metadata.FileMetadata), byPath: make(map[string]string)}
		s.dirs[dirID] = d
	}
	d.rootPath = rootPath
	return nil
}

func (s *Store) UnregisterDirectory(_ context.Context, dirID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dirs, dirID)
	return nil
}

func (s *Store) ListDirectories(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.dirs))
	for id := range s.dirs {
		out = append(out, id)
	}
	return out, nil
}

func (s *Store) ListFiles(_ context.Context, dirID string) ([]metadata.FileMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.dirs[dirID]
	if !ok {
		return nil, synxpoerr.NewNotFound(synxpoerr.KindDirectory, dirID)
	}
	out := make([]metadata.FileMetadata, 0, len(d.files))
	for _, f := range d.files {
		out = append(out, f)
	}
	return out, nil
}

func (s *Store) GetByID(_ context.Context, dirID, fileID string) (metadata.FileMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.dirs[dirID]
	if !ok {
		return metadata.FileMetadata{}, synxpoerr.NewNotFound(synxpoerr.KindDirectory, dirID)
	}
	f, ok := d.files[fileID]
	if !ok {
		return metadata.FileMetadata{}, synxpoerr.NewNotFound(synxpoerr.KindFile, fileID)
	}
	return f, nil
}

func (s *Store) GetByPath(_ context.Context, dirID, relPath string) (metadata.FileMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.dirs[dirID]
	if !ok {
		return metadata.FileMetadata{}, synxpoerr.NewNotFound(synxpoerr.KindDirectory, dirID)
	}
	id, ok := d.byPath[relPath]
	if !ok {
		return metadata.FileMetadata{}, synxpoerr.NewNotFound(synxpoerr.KindFile, relPath)
	}
	return d.files[id], nil
}

func (s *Store) Upsert(_ context.Context, meta metadata.FileMetadata) error {
	if meta.ID == "" || meta.DirectoryID == "" {
		return synxpoerr.NewInternal("upsert requires non-empty id and directory_id", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dirs[meta.DirectoryID]
	if !ok {
		return synxpoerr.NewNotFound(synxpoerr.KindDirectory, meta.DirectoryID)
	}
	if old, existed := d.files[meta.ID]; existed && old.CurrentPath != meta.CurrentPath {
		delete(d.byPath, old.CurrentPath)
	}
	d.files[meta.ID] = meta
	if !meta.Deleted {
		d.byPath[meta.CurrentPath] = meta.ID
	} else {
		delete(d.byPath, meta.CurrentPath)
	}
	return nil
}

func (s *Store) Remove(_ context.Context, dirID, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dirs[dirID]
	if !ok {
		return synxpoerr.NewNotFound(synxpoerr.KindDirectory, dirID)
	}
	f, ok := d.files[fileID]
	if !ok {
		return synxpoerr.NewNotFound(synxpoerr.KindFile, fileID)
	}
	delete(d.files, fileID)
	if !f.Deleted {
		delete(d.byPath, f.CurrentPath)
	}
	return nil
}
