// Package serverapi is the process-facing HTTP surface of the SynXpo
// server: a websocket upgrade endpoint that hands the connection to a new
// StreamSession, and a small admin introspection endpoint, following
// internal/httpapi's plain http.Handler + manual routing style.
package serverapi

import (
	"encoding/json"
	"net/http"

	"nhooyr.io/websocket"

	"github.com/synxpo/synxpo/internal/logger"
	"github.com/synxpo/synxpo/internal/session"
	"github.com/synxpo/synxpo/internal/storage"
	"github.com/synxpo/synxpo/internal/subscription"
	"github.com/synxpo/synxpo/internal/wire"
)

// Server is the top-level http.Handler cmd/synxpo-server serves.
type Server struct {
	storage *storage.Storage
	subs    *subscription.Registry
	opts    session.Options
}

func NewServer(st *storage.Storage, subs *subscription.Registry, opts session.Options) *Server {
	return &Server{storage: st, subs: subs, opts: opts}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case r.URL.Path == "/sync" && r.Method == http.MethodGet:
		s.handleSync(w, r)
	case r.URL.Path == "/debug/storage" && r.Method == http.MethodGet:
		s.handleDebugStorage(w, r)
	default:
		http.NotFound(w, r)
	}
}

// handleSync upgrades to a websocket and runs one StreamSession for the
// lifetime of the connection, per spec §4.5's "one session per connection".
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // native client, not a browser: no origin to check
	})
	if err != nil {
		logger.Warn("serverapi: websocket accept failed: %v", err)
		return
	}
	defer conn.CloseNow()

	tx := wire.NewWebSocketTransport(conn)
	sess := session.New(tx, s.storage, s.subs, s.opts)
	logger.Info("serverapi: session %s connected", sess.ID())
	if err := sess.Run(r.Context()); err != nil {
		logger.Debug("serverapi: session %s ended: %v", sess.ID(), err)
	}
}

type directoryDebugInfo struct {
	DirectoryID string   `json:"directory_id"`
	FileCount   int      `json:"file_count"`
	LockCount   int      `json:"lock_count"`
	Subscribers []string `json:"subscribers"`
}

// handleDebugStorage dumps a diagnostics snapshot: per-directory file
// counts, held write-lock counts, and current subscriber ids. Never exposes
// file content or paths.
func (s *Server) handleDebugStorage(w http.ResponseWriter, r *http.Request) {
	ids := s.storage.ListDirectoryIDs()
	info := make([]directoryDebugInfo, 0, len(ids))
	for _, id := range ids {
		files, err := s.storage.GetDirectoryFiles(id)
		if err != nil {
			continue
		}
		locked := 0
		for _, f := range files {
			if f.WriteLocked {
				locked++
			}
		}
		info = append(info, directoryDebugInfo{
			DirectoryID: id,
			FileCount:   len(files),
			LockCount:   locked,
			Subscribers: s.subs.Subscribers(id),
		})
	}
	writeJSON(w, http.StatusOK, info)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
