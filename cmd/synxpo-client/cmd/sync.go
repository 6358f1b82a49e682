package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"nhooyr.io/websocket"

	"github.com/synxpo/synxpo/internal/config"
	"github.com/synxpo/synxpo/internal/logger"
	"github.com/synxpo/synxpo/internal/metadata"
	"github.com/synxpo/synxpo/internal/syncengine"
	"github.com/synxpo/synxpo/internal/watcher"
	"github.com/synxpo/synxpo/internal/wire"

	"github.com/synxpo/synxpo/internal/metadata/sqlite"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Connect to the server and keep linked directories in sync (default command)",
	RunE:  runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.RunE = runSync // bare `synxpo-client` defaults to sync
}

// currentEngine lets a single long-lived watcher callback keep delivering
// events across reconnects, since a fresh Engine (and Transport) is built
// for every dial attempt.
type currentEngine struct {
	mu sync.RWMutex
	e  *syncengine.Engine
}

func (c *currentEngine) set(e *syncengine.Engine) {
	c.mu.Lock()
	c.e = e
	c.mu.Unlock()
}

func (c *currentEngine) dispatch(ctx context.Context, ev watcher.Event) {
	c.mu.RLock()
	e := c.e
	c.mu.RUnlock()
	if e != nil {
		e.OnFileEvent(ctx, ev)
	}
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := loadOrInitConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.SetLevel(cfg.LogLevel)

	local, err := openLocalMetadataStore(cfg)
	if err != nil {
		return fmt.Errorf("open local metadata store: %w", err)
	}
	defer local.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("synxpo-client: shutting down")
		cancel()
	}()

	roots := make([]string, 0, len(cfg.Directories))
	for _, d := range cfg.Directories {
		if d.Enabled {
			roots = append(roots, d.LocalPath)
		}
	}

	current := &currentEngine{}
	fsWatcher, err := watcher.New(roots, func(ev watcher.Event) {
		current.dispatch(ctx, ev)
	})
	if err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	go func() {
		if err := fsWatcher.Run(ctx); err != nil {
			logger.Warn("synxpo-client: watcher stopped: %v", err)
		}
	}()

	return runWithReconnect(ctx, cfg, current, local)
}

// openLocalMetadataStore opens the client's persistent local metadata
// database at <storage_path>/metadata.db. This mirrors the original
// implementation's IFileMetadataStorage, which the client and server share:
// the client's view of which files it has already reconciled must survive
// a restart or a reconnect, or every dial after the first would find no
// local record and re-download the whole tree over any offline edit.
func openLocalMetadataStore(cfg config.Config) (*sqlite.Store, error) {
	if err := os.MkdirAll(cfg.StoragePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path %s: %w", cfg.StoragePath, err)
	}
	return sqlite.Open(filepath.Join(cfg.StoragePath, "metadata.db"))
}

// runWithReconnect dials, runs one Engine to completion, and on any
// non-cancellation disconnect waits with exponential-backoff-and-jitter
// before dialing again. A successful connection resets the attempt count,
// matching mountsync.HTTPClient's per-call (not global) retry counter. The
// same local metadata store is reused across every reconnect so a file
// tracked before a disconnect is still known on the next dial, instead of
// looking unseen and triggering a redundant re-download that would clobber
// an offline edit.
func runWithReconnect(ctx context.Context, cfg config.Config, current *currentEngine, local metadata.Store) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, _, err := websocket.Dial(ctx, wsURL(cfg.ServerAddress), nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			attempt++
			if cfg.MaxRetryAttempts > 0 && attempt > cfg.MaxRetryAttempts {
				return fmt.Errorf("dial %s: %w (giving up after %d attempts)", cfg.ServerAddress, err, attempt-1)
			}
			delay := reconnectDelay(attempt, time.Duration(cfg.RetryDelayS)*time.Second, 60*time.Second, 0.2)
			logger.Warn("synxpo-client: dial %s failed (attempt %d): %v, retrying in %s", cfg.ServerAddress, attempt, err, delay)
			if !sleepOrDone(ctx, delay) {
				return nil
			}
			continue
		}

		tx := wire.NewWebSocketTransport(conn)
		engine := syncengine.New(cfg, saveConfig, tx, local)
		current.set(engine)

		logger.Info("synxpo-client: connected to %s, syncing %d directories", cfg.ServerAddress, len(cfg.Directories))
		attempt = 0
		runErr := engine.Run(ctx)
		current.set(nil)
		_ = tx.Close()

		if ctx.Err() != nil {
			return nil
		}
		logger.Warn("synxpo-client: disconnected from %s: %v", cfg.ServerAddress, runErr)
		delay := reconnectDelay(1, time.Duration(cfg.RetryDelayS)*time.Second, 60*time.Second, 0.2)
		if !sleepOrDone(ctx, delay) {
			return nil
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func wsURL(serverAddress string) string {
	if strings.HasPrefix(serverAddress, "ws://") || strings.HasPrefix(serverAddress, "wss://") {
		return serverAddress
	}
	return "ws://" + serverAddress + "/sync"
}
