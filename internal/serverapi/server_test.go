package serverapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/synxpo/synxpo/internal/content"
	"github.com/synxpo/synxpo/internal/metadata/memstore"
	"github.com/synxpo/synxpo/internal/session"
	"github.com/synxpo/synxpo/internal/storage"
	"github.com/synxpo/synxpo/internal/subscription"
)

func newTestServer(t *testing.T) (*Server, *storage.Storage) {
	t.Helper()
	st := storage.New(memstore.New(), content.New(t.TempDir()))
	subs := subscription.New()
	return NewServer(st, subs, session.DefaultOptions()), st
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, "ok", body["status"])
}

func TestUnknownRouteIsNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDebugStorageListsCreatedDirectories(t *testing.T) {
	srv, st := newTestServer(t)
	dirID, err := st.CreateDirectory(context.Background())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/debug/storage", nil)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var info []directoryDebugInfo
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&info))
	require.Len(t, info, 1)
	require.Equal(t, dirID, info[0].DirectoryID)
	require.Equal(t, 0, info[0].FileCount)
	require.Equal(t, 0, info[0].LockCount)
	require.Empty(t, info[0].Subscribers)
}

func TestSyncEndpointRejectsNonGet(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/sync", nil)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}
