// Package content implements C2, the byte-addressed blob store keyed by
// (directory id, file id) at path convention <root>/<dir_id>/<file_id>
// (spec §4.2).
package content

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/synxpo/synxpo/internal/logger"
	"github.com/synxpo/synxpo/internal/synxpoerr"
)

// Store is the on-disk ContentStore rooted at Root.
type Store struct {
	Root string
}

// New returns a Store rooted at root. The directory is created lazily on
// first write.
func New(root string) *Store {
	return &Store{Root: root}
}

// PathFor derives the deterministic blob path for (dirID, fileID). It does
// not guarantee the path exists.
func (s *Store) PathFor(dirID, fileID string) string {
	return filepath.Join(s.Root, dirID, fileID)
}

// Write truncates any prior blob and writes data in full, creating the
// parent directory as needed.
func (s *Store) Write(_ context.Context, dirID, fileID string, data []byte) error {
	dir := filepath.Join(s.Root, dirID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return synxpoerr.NewInternal("create content directory", err)
	}
	path := s.PathFor(dirID, fileID)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return synxpoerr.NewInternal("write blob", err)
	}
	logger.Debug("content: wrote %s (%s)", path, humanize.Bytes(uint64(len(data))))
	return nil
}

// Read returns the full blob for (dirID, fileID). It distinguishes absence
// (synxpoerr.ErrNotFound) from a genuine zero-length file by stat-ing
// before reading, rather than treating an empty slice as "missing".
func (s *Store) Read(_ context.Context, dirID, fileID string) ([]byte, error) {
	path := s.PathFor(dirID, fileID)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, synxpoerr.NewNotFound(synxpoerr.KindBlob, path)
		}
		return nil, synxpoerr.NewInternal("stat blob", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, synxpoerr.NewInternal("read blob", err)
	}
	return data, nil
}

// Delete removes the blob for (dirID, fileID). A missing blob is not an
// error.
func (s *Store) Delete(_ context.Context, dirID, fileID string) error {
	path := s.PathFor(dirID, fileID)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return synxpoerr.NewInternal("delete blob", err)
	}
	return nil
}
