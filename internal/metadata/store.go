// Package metadata defines the durable mapping from directory id to the set
// of file records it contains (spec §4.1). It is the only persistence
// abstraction the Storage engine depends on; everything else about
// arbitration, locking and content lives above this package.
package metadata

import (
	"context"

	"github.com/synxpo/synxpo/internal/wire"
)

// FileMetadata is the persisted projection of a file record: exactly the
// fields that survive a server restart. Lock state, LastTry and in-memory
// content caching belong to the Storage engine, not here.
type FileMetadata struct {
	ID                    string
	DirectoryID           string
	Version               uint64
	ContentChangedVersion uint64
	Type                  wire.FileType
	CurrentPath           string
	Deleted               bool
}

// ToWire projects a persisted record onto the wire representation sent to
// clients.
func (m FileMetadata) ToWire() wire.FileMetadata {
	return wire.FileMetadata{
		ID:                    m.ID,
		DirectoryID:           m.DirectoryID,
		Version:               m.Version,
		ContentChangedVersion: m.ContentChangedVersion,
		Type:                  m.Type,
		CurrentPath:           m.CurrentPath,
		Deleted:               m.Deleted,
	}
}

// Store is the C1 MetadataStore interface (spec §4.1). Every method
// surfaces failure as a typed error from internal/synxpoerr; there is no
// panic path across this boundary.
type Store interface {
	// RegisterDirectory is idempotent; the latest call wins on RootPath.
	RegisterDirectory(ctx context.Context, dirID, rootPath string) error

	// UnregisterDirectory cascades: every file record owned by dirID is
	// removed with it.
	UnregisterDirectory(ctx context.Context, dirID string) error

	ListDirectories(ctx context.Context) ([]string, error)

	// ListFiles returns synxpoerr.ErrNotFound if dirID is unknown.
	ListFiles(ctx context.Context, dirID string) ([]FileMetadata, error)

	GetByID(ctx context.Context, dirID, fileID string) (FileMetadata, error)

	// GetByPath returns synxpoerr.ErrNotFound for deleted files: they are
	// absent from the path index by construction.
	GetByPath(ctx context.Context, dirID, relPath string) (FileMetadata, error)

	// Upsert atomically replaces the record and its (directory, path)
	// mapping, dropping any prior mapping for the record's old path.
	// meta.ID and meta.DirectoryID must be non-empty and dirID must be
	// registered.
	Upsert(ctx context.Context, meta FileMetadata) error

	Remove(ctx context.Context, dirID, fileID string) error
}
