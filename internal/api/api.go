// Package api is mapd's thin HTTP control surface: net/http.ServeMux
// method-and-pattern routes over the installation pipeline and registry.
// Four endpoints don't justify a router dependency.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/kether/mapd/internal/core"
	"github.com/kether/mapd/internal/installer"
	"github.com/kether/mapd/internal/registry"
)

// Server wires the installer and registry into the HTTP control surface.
type Server struct {
	inst *installer.Installer
	reg  *registry.Registry
	log  *slog.Logger
	mux  *http.ServeMux
}

func New(inst *installer.Installer, reg *registry.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{inst: inst, reg: reg, log: log, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/maps", s.handleList)
	s.mux.HandleFunc("GET /api/maps/{id}", s.handleGet)
	s.mux.HandleFunc("POST /api/maps/install", s.handleInstall)
	s.mux.HandleFunc("POST /api/maps/uninstall/{id}", s.handleUninstall)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// envelope is the {success, data?, error?} wire shape every response shares.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

// writeErr maps a core error kind to an HTTP status, refining the flat
// 500-for-everything mapping per the registry's own design note: bad
// input is 400, a missing entry is 404, a name collision is 409, and
// anything else falls back to 500.
func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch core.KindOf(err) {
	case core.KindInvalidInput:
		status = http.StatusBadRequest
	case core.KindNotFound:
		status = http.StatusNotFound
	case core.KindNameConflict:
		status = http.StatusConflict
	}
	writeJSON(w, status, envelope{Success: false, Error: err.Error()})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	entries, err := s.reg.ListMaps()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, entries)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	entry, err := s.reg.GetMap(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if entry == nil {
		writeErr(w, core.New(core.KindNotFound, "map not found"))
		return
	}
	writeOK(w, entry)
}

// installRequest is the install endpoint's wire shape: exactly one of url
// or workshop_id, plus an optional display name.
type installRequest struct {
	URL        string  `json:"url,omitempty"`
	WorkshopID *uint64 `json:"workshop_id,omitempty"`
	Name       string  `json:"name,omitempty"`
}

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	var req installRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, core.Wrap(core.KindInvalidInput, "malformed request body", err))
		return
	}
	if len(req.Name) > 255 {
		writeErr(w, core.New(core.KindInvalidInput, "name exceeds 255 characters"))
		return
	}
	if len(req.URL) > 2048 {
		writeErr(w, core.New(core.KindInvalidInput, "url exceeds 2048 characters"))
		return
	}

	spec := core.SourceSpec{DisplayName: req.Name}
	if req.WorkshopID != nil {
		spec.IsWorkshop = true
		spec.WorkshopID = *req.WorkshopID
	}
	if req.URL != "" {
		spec.URL = req.URL
	}
	if (req.WorkshopID != nil) == (req.URL != "") {
		writeErr(w, core.New(core.KindInvalidInput, "exactly one of url or workshop_id must be set"))
		return
	}

	entry, err := s.inst.Install(r.Context(), spec)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, entry)
}

func (s *Server) handleUninstall(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := s.inst.Uninstall(id); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

func parseID(raw string) (uint64, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, core.Wrap(core.KindInvalidInput, "id must be a positive integer", err)
	}
	return id, nil
}
