package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kether/mapd/internal/core"
	"github.com/kether/mapd/internal/fetch"
	"github.com/kether/mapd/internal/installer"
	"github.com/kether/mapd/internal/registry"
	"github.com/kether/mapd/internal/steam"
)

type stubTransport struct{}

func (stubTransport) Discover(ctx context.Context) error { return nil }
func (stubTransport) GetHcontent(ctx context.Context, workshopID uint64) (uint64, error) {
	return 0, nil
}
func (stubTransport) GetDownloadURL(ctx context.Context, hcontent uint64) (string, error) {
	return "", nil
}

func newTestServer(t *testing.T) (*Server, *registry.Registry) {
	t.Helper()
	reg, err := registry.Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	sess := steam.NewSession(&stubTransport{})
	inst := installer.New(reg, fetch.New(), sess, filepath.Join(t.TempDir(), "addons"), filepath.Join(t.TempDir(), "scratch"), nil)
	return New(inst, reg, nil), reg
}

func TestHandleList_Empty(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/maps", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Success)
}

func TestHandleGet_NotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/maps/999", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleGet_BadID(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/maps/not-a-number", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleInstall_BothFieldsRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	body := strings.NewReader(`{"url":"https://x/a.zip","workshop_id":1}`)
	req := httptest.NewRequest(http.MethodPost, "/api/maps/install", body)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleInstall_NeitherFieldRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	body := strings.NewReader(`{"name":"test"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/maps/install", body)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleUninstall_AlwaysOK(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/maps/uninstall/999", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWriteErr_NameConflictMapsTo409(t *testing.T) {
	rec := httptest.NewRecorder()
	writeErr(rec, core.New(core.KindNameConflict, "a map named \"x\" already exists"))
	assert.Equal(t, http.StatusConflict, rec.Code)
}
