// Command synxpo-server is the process entrypoint for the SynXpo file
// synchronization server: it wires a MetadataStore, ContentStore, Storage
// engine and SubscriptionRegistry together, then serves StreamSession
// connections over websocket.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/synxpo/synxpo/internal/content"
	"github.com/synxpo/synxpo/internal/logger"
	"github.com/synxpo/synxpo/internal/metadata"
	"github.com/synxpo/synxpo/internal/metadata/memstore"
	"github.com/synxpo/synxpo/internal/metadata/sqlite"
	"github.com/synxpo/synxpo/internal/serverapi"
	"github.com/synxpo/synxpo/internal/session"
	"github.com/synxpo/synxpo/internal/storage"
	"github.com/synxpo/synxpo/internal/subscription"
)

func main() {
	addr := os.Getenv("SYNXPO_ADDR")
	if addr == "" {
		addr = ":8443"
	}
	logger.SetLevel(envOr("SYNXPO_LOG_LEVEL", "info"))

	metadataStore, err := buildMetadataStoreFromEnv()
	if err != nil {
		log.Fatalf("synxpo-server: failed to initialize metadata store: %v", err)
	}

	contentRoot := envOr("SYNXPO_CONTENT_PATH", "./synxpo-data/content")
	contentStore := content.New(contentRoot)

	st := storage.New(metadataStore, contentStore)
	subs := subscription.New()

	opts := session.DefaultOptions()
	if v := durationEnv("SYNXPO_FIRST_WRITE_TIMEOUT", 0); v > 0 {
		opts.FirstWriteTimeout = v
	}
	if v := durationEnv("SYNXPO_WRITE_TIMEOUT", 0); v > 0 {
		opts.WriteTimeout = v
	}
	if v := intEnv("SYNXPO_MAX_CHUNK_SIZE", 0); v > 0 {
		opts.MaxChunkSize = v
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	staleLockTimeout := durationEnv("SYNXPO_STALE_LOCK_TIMEOUT", opts.WriteTimeout)
	go runStaleLockSweeper(ctx, st, staleLockTimeout)

	server := serverapi.NewServer(st, subs, opts)
	httpServer := &http.Server{Addr: addr, Handler: server}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("synxpo-server: shutting down")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("synxpo-server: listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("synxpo-server: server failed: %v", err)
	}
}

func runStaleLockSweeper(ctx context.Context, st *storage.Storage, timeout time.Duration) {
	ticker := time.NewTicker(timeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st.CheckStaleLocks(timeout)
		}
	}
}

func buildMetadataStoreFromEnv() (metadata.Store, error) {
	backend := envOr("SYNXPO_METADATA_BACKEND", "memory")
	switch backend {
	case "memory":
		return memstore.New(), nil
	case "sqlite":
		path := envOr("SYNXPO_SQLITE_PATH", "./synxpo-data/synxpo.db")
		return sqlite.Open(path)
	default:
		log.Fatalf("synxpo-server: unsupported SYNXPO_METADATA_BACKEND: %s", backend)
		return nil, nil
	}
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("synxpo-server: invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("synxpo-server: invalid %s=%q, using fallback %s", name, raw, fallback)
		return fallback
	}
	return value
}
