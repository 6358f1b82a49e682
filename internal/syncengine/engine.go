package syncengine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/synxpo/synxpo/internal/config"
	"github.com/synxpo/synxpo/internal/logger"
	"github.com/synxpo/synxpo/internal/metadata"
	"github.com/synxpo/synxpo/internal/synxpoerr"
	"github.com/synxpo/synxpo/internal/wire"
)

// SaveConfig persists a Config, used by Engine to record a freshly minted
// directory id after DIRECTORY_CREATE.
type SaveConfig func(config.Config) error

// requestTimeout bounds every request/reply round trip that isn't the
// long-running upload/download data phase.
const requestTimeout = 30 * time.Second

// Engine is C6: the client-side reconciler. It owns one Transport, a local
// MetadataStore mirroring the directories it syncs, and one dirState per
// synced directory.
type Engine struct {
	cfg        config.Config
	saveConfig SaveConfig
	tx         wire.Transport
	local      metadata.Store

	waiters    *waiterMap
	callbackCh chan wire.Frame

	mu   sync.Mutex
	dirs map[string]*dirState

	// uploadMu and downloadMu enforce spec §5's "single shared transfer
	// state" simplification: only one upload and one download run at a
	// time across the whole connection.
	uploadMu   sync.Mutex
	downloadMu sync.Mutex
}

// New builds an Engine. local may already hold records from an earlier
// connection or run (the CLI reuses one store across reconnects);
// Initialization registers every enabled directory of cfg.Directories in it
// and unregisters directories the config no longer names.
func New(cfg config.Config, saveConfig SaveConfig, tx wire.Transport, local metadata.Store) *Engine {
	return &Engine{
		cfg:        cfg,
		saveConfig: saveConfig,
		tx:         tx,
		local:      local,
		waiters:    newWaiterMap(),
		callbackCh: make(chan wire.Frame, 32),
		dirs:       make(map[string]*dirState),
	}
}

// Run starts the read loop, the reconciliation consumer and the debounce
// loop, then performs Initialization for every configured directory. It
// blocks until ctx is cancelled or the transport closes; a closed transport
// is returned as an error.
func (e *Engine) Run(ctx context.Context) error {
	go e.readLoop(ctx)
	go e.debounceLoop(ctx)

	if err := e.initializeAll(ctx); err != nil {
		return err
	}

	for {
		f, ok := e.nextCallback(ctx)
		if !ok {
			if err := ctx.Err(); err != nil {
				return err
			}
			return synxpoerr.NewInternal("transport closed", nil)
		}
		e.handlePush(ctx, f)
	}
}

func (e *Engine) handlePush(ctx context.Context, f wire.Frame) {
	switch f.Type {
	case wire.TypeCheckVersion:
		var cv wire.CheckVersion
		if err := f.Decode(&cv); err != nil {
			logger.Warn("syncengine: malformed CHECK_VERSION push: %v", err)
			return
		}
		dirID := checkVersionDirID(cv.Files)
		if dirID == "" {
			return
		}
		e.handleCheckVersion(ctx, dirID, cv.Files)
	default:
		logger.Warn("syncengine: unexpected unsolicited message type %s", f.Type)
	}
}

func checkVersionDirID(files []wire.FileMetadata) string {
	if len(files) == 0 {
		return ""
	}
	return files[0].DirectoryID
}

func (e *Engine) getDir(dirID string) *dirState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dirs[dirID]
}

// initializeAll runs spec §4.6's Initialization for every configured
// directory: mint-or-adopt an id, register locally, subscribe, and diff
// against the server's current state.
func (e *Engine) initializeAll(ctx context.Context) error {
	known, _ := e.local.ListDirectories(ctx)
	knownSet := make(map[string]struct{}, len(known))
	for _, id := range known {
		knownSet[id] = struct{}{}
	}

	for i := range e.cfg.Directories {
		dc := &e.cfg.Directories[i]
		if !dc.Enabled {
			continue
		}
		if dc.DirectoryID == "" {
			if err := e.createAndAdopt(ctx, dc); err != nil {
				logger.Error("syncengine: create directory for %s: %v", dc.LocalPath, err)
				continue
			}
		}
		delete(knownSet, dc.DirectoryID)
		if err := e.initDirectory(ctx, dc.DirectoryID, dc.LocalPath); err != nil {
			logger.Error("syncengine: initialize directory %s: %v", dc.DirectoryID, err)
		}
	}

	// Any directory the local store still remembers but the config no
	// longer names has been unlinked; drop it.
	for id := range knownSet {
		_ = e.local.UnregisterDirectory(ctx, id)
	}
	return nil
}

func (e *Engine) createAndAdopt(ctx context.Context, dc *config.DirectoryConfig) error {
	reply, err := e.sendRequest(ctx, wire.TypeDirectoryCreate, wire.DirectoryCreateRequest{}, requestTimeout)
	if err != nil {
		return err
	}
	var created wire.OKDirectoryCreated
	if err := reply.Decode(&created); err != nil {
		return synxpoerr.NewInternal("decode OK_DIRECTORY_CREATED", err)
	}
	dc.DirectoryID = created.DirectoryID
	if e.saveConfig != nil {
		if err := e.saveConfig(e.cfg); err != nil {
			logger.Warn("syncengine: persist new directory id: %v", err)
		}
	}
	return nil
}

func (e *Engine) initDirectory(ctx context.Context, dirID, localPath string) error {
	if err := os.MkdirAll(localPath, 0o755); err != nil {
		return synxpoerr.NewInternal("create local root "+localPath, err)
	}
	if err := e.local.RegisterDirectory(ctx, dirID, localPath); err != nil {
		return err
	}

	dir := newDirState(dirID, localPath)
	e.mu.Lock()
	e.dirs[dirID] = dir
	e.mu.Unlock()

	if _, err := e.sendRequest(ctx, wire.TypeDirectorySubscribe, wire.DirectorySubscribeRequest{DirectoryID: dirID}, requestTimeout); err != nil {
		return err
	}
	e.mu.Lock()
	dir.subscribed = true
	e.mu.Unlock()

	// Catch-up: ask for the server's whole-directory state and reconcile
	// against it before folding in any local changes made while offline.
	reply, err := e.sendRequest(ctx, wire.TypeRequestVersion, wire.RequestVersionRequest{
		Requests: []wire.VersionRequest{{DirectoryID: dirID}},
	}, requestTimeout)
	if err != nil {
		return err
	}
	var cv wire.CheckVersion
	if err := reply.Decode(&cv); err != nil {
		return synxpoerr.NewInternal("decode CHECK_VERSION reply", err)
	}
	e.handleCheckVersion(ctx, dirID, cv.Files)

	return e.scanLocalForOfflineChanges(ctx, dir)
}

// scanLocalForOfflineChanges walks localPath and queues an ASK_VERSION_INCREASE
// for anything the just-completed catch-up didn't already know about
// (spec §4.6's initial local scan).
func (e *Engine) scanLocalForOfflineChanges(ctx context.Context, dir *dirState) error {
	var pending []FileChangeInfo
	err := filepath.WalkDir(dir.localPath, func(path string, d os.DirEntry, err error) error {
		if err != nil || path == dir.localPath || d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(dir.localPath, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		change := FileChangeInfo{DirectoryID: dir.id, RelPath: rel, ContentChanged: true, FirstTryTime: nowMicros()}
		if rec, err := e.local.GetByPath(ctx, dir.id, rel); err == nil {
			change.FileID = rec.ID
			// Already known and, per the catch-up above, already
			// reconciled: only re-offer it if we have no committed
			// content-version to compare against.
			if rec.Version > 0 {
				return nil
			}
		}
		pending = append(pending, change)
		return nil
	})
	if err != nil {
		return synxpoerr.NewInternal("scan local directory "+dir.localPath, err)
	}
	if len(pending) == 0 {
		return nil
	}
	return e.askVersionIncrease(ctx, dir, pending)
}

func nowMicros() wire.Timestamp {
	return wire.Timestamp(time.Now().UnixMicro())
}
