// Package sqlite is the durable metadata.Store implementation: two tables
// (directories, files) in an embedded SQLite database, migrated with
// golang-migrate on open (spec §4.1, §3.2 of the expanded design).
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"github.com/synxpo/synxpo/internal/logger"
	"github.com/synxpo/synxpo/internal/metadata"
	"github.com/synxpo/synxpo/internal/synxpoerr"
	"github.com/synxpo/synxpo/internal/wire"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is a metadata.Store backed by an embedded SQLite database.
// UnregisterDirectory runs its two deletes inside one transaction; the other
// writes are single statements outside any transaction, and Upsert checks
// that the directory exists in a separate statement before its insert.
// Reads rely on go-sqlite3's serialized driver mode plus SQLite's own file
// locking rather than an application-level mutex.
type Store struct {
	db *sql.DB
}

var _ metadata.Store = (*Store)(nil)

// Open opens (creating if absent) the SQLite database at path and applies
// any pending migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on", path))
	if err != nil {
		return nil, synxpoerr.NewInternal("open sqlite metadata store", err)
	}
	db.SetMaxOpenConns(1) // go-sqlite3 serializes writers anyway; avoids SQLITE_BUSY under our own concurrency.

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return synxpoerr.NewInternal("sqlite migration driver", err)
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return synxpoerr.NewInternal("load embedded migrations", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return synxpoerr.NewInternal("build migrator", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return synxpoerr.NewInternal("apply migrations", err)
	}
	logger.Debug("metadata store migrations applied")
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) RegisterDirectory(ctx context.Context, dirID, rootPath string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO directories (id, root_path) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET root_path = excluded.root_path
	`, dirID, rootPath)
	if err != nil {
		return synxpoerr.NewInternal("register directory", err)
	}
	return nil
}

func (s *Store) UnregisterDirectory(ctx context.Context, dirID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return synxpoerr.NewInternal("begin unregister directory", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE directory_id = ?`, dirID); err != nil {
		return synxpoerr.NewInternal("delete directory files", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM directories WHERE id = ?`, dirID); err != nil {
		return synxpoerr.NewInternal("delete directory", err)
	}
	if err := tx.Commit(); err != nil {
		return synxpoerr.NewInternal("commit unregister directory", err)
	}
	return nil
}

func (s *Store) ListDirectories(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM directories`)
	if err != nil {
		return nil, synxpoerr.NewInternal("list directories", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, synxpoerr.NewInternal("scan directory id", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) directoryExists(ctx context.Context, dirID string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM directories WHERE id = ?`, dirID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, synxpoerr.NewInternal("check directory existence", err)
	}
	return true, nil
}

func (s *Store) ListFiles(ctx context.Context, dirID string) ([]metadata.FileMetadata, error) {
	ok, err := s.directoryExists(ctx, dirID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, synxpoerr.NewNotFound(synxpoerr.KindDirectory, dirID)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, directory_id, version, content_changed_version, type, current_path, deleted
		FROM files WHERE directory_id = ?
	`, dirID)
	if err != nil {
		return nil, synxpoerr.NewInternal("list files", err)
	}
	defer rows.Close()

	var out []metadata.FileMetadata
	for rows.Next() {
		m, err := scanFileMetadata(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFileMetadata(row scanner) (metadata.FileMetadata, error) {
	var m metadata.FileMetadata
	var typ string
	var deleted int
	if err := row.Scan(&m.ID, &m.DirectoryID, &m.Version, &m.ContentChangedVersion, &typ, &m.CurrentPath, &deleted); err != nil {
		return metadata.FileMetadata{}, synxpoerr.NewInternal("scan file metadata", err)
	}
	m.Type = wire.FileType(typ)
	m.Deleted = deleted != 0
	return m, nil
}

func (s *Store) GetByID(ctx context.Context, dirID, fileID string) (metadata.FileMetadata, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, directory_id, version, content_changed_version, type, current_path, deleted
		FROM files WHERE directory_id = ? AND id = ?
	`, dirID, fileID)
	m, err := scanFileMetadata(row)
	if errors.Is(err, sql.ErrNoRows) {
		return metadata.FileMetadata{}, synxpoerr.NewNotFound(synxpoerr.KindFile, fileID)
	}
	return m, err
}

func (s *Store) GetByPath(ctx context.Context, dirID, relPath string) (metadata.FileMetadata, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, directory_id, version, content_changed_version, type, current_path, deleted
		FROM files WHERE directory_id = ? AND current_path = ? AND deleted = 0
	`, dirID, relPath)
	m, err := scanFileMetadata(row)
	if errors.Is(err, sql.ErrNoRows) {
		return metadata.FileMetadata{}, synxpoerr.NewNotFound(synxpoerr.KindFile, relPath)
	}
	return m, err
}

func (s *Store) Upsert(ctx context.Context, meta metadata.FileMetadata) error {
	if meta.ID == "" || meta.DirectoryID == "" {
		return synxpoerr.NewInternal("upsert requires non-empty id and directory_id", nil)
	}
	ok, err := s.directoryExists(ctx, meta.DirectoryID)
	if err != nil {
		return err
	}
	if !ok {
		return synxpoerr.NewNotFound(synxpoerr.KindDirectory, meta.DirectoryID)
	}

	deleted := 0
	if meta.Deleted {
		deleted = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO files (id, directory_id, version, content_changed_version, type, current_path, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(directory_id, id) DO UPDATE SET
			version = excluded.version,
			content_changed_version = excluded.content_changed_version,
			type = excluded.type,
			current_path = excluded.current_path,
			deleted = excluded.deleted
	`, meta.ID, meta.DirectoryID, meta.Version, meta.ContentChangedVersion, string(meta.Type), meta.CurrentPath, deleted)
	if err != nil {
		return synxpoerr.NewInternal("upsert file metadata", err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, dirID, fileID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE directory_id = ? AND id = ?`, dirID, fileID)
	if err != nil {
		return synxpoerr.NewInternal("remove file metadata", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return synxpoerr.NewInternal("remove file metadata rows affected", err)
	}
	if n == 0 {
		return synxpoerr.NewNotFound(synxpoerr.KindFile, fileID)
	}
	return nil
}
