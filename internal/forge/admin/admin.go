// Package admin exposes the module runtime over a small JSON HTTP API.
package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"starlinker/internal/forge/kvstore"
	"starlinker/internal/forge/runtime"
	"starlinker/internal/logging"
)

// Server serves the runtime admin API. It holds a runtime handle; there is no
// process-wide singleton.
type Server struct {
	rt     *runtime.Runtime
	logger *slog.Logger
}

// New creates an admin Server over rt.
func New(rt *runtime.Runtime, logger *slog.Logger) *Server {
	return &Server{
		rt:     rt,
		logger: logging.Default(logger).With("component", "forge-admin"),
	}
}

// Handler builds the chi router for the admin API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/api/modules", s.listModules)
	r.Get("/api/modules/{name}", s.moduleDetails)
	r.Get("/api/storage/{module}", s.storageKeys)
	r.Get("/api/storage/{module}/{key}", s.storageGet)
	r.Put("/api/storage/{module}/{key}", s.storagePut)
	r.Delete("/api/storage/{module}/{key}", s.storageDelete)
	r.Post("/api/validate", s.validate)
	return r
}

func (s *Server) listModules(w http.ResponseWriter, _ *http.Request) {
	type moduleInfo struct {
		Name     string   `json:"name"`
		Version  string   `json:"version"`
		Enabled  bool     `json:"enabled"`
		Provides []string `json:"provides"`
		Requires []string `json:"requires"`
	}
	modules := []moduleInfo{}
	for name, st := range s.rt.Loader.Modules() {
		modules = append(modules, moduleInfo{
			Name:     name,
			Version:  st.Manifest.Version,
			Enabled:  st.Enabled,
			Provides: emptyIfNil(st.Manifest.Provides),
			Requires: emptyIfNil(st.Manifest.Requires),
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"modules": modules})
}

func (s *Server) moduleDetails(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	st := s.rt.Loader.Module(name)
	if st == nil {
		s.writeError(w, http.StatusNotFound, "unknown module")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"name":     st.Manifest.Name,
		"entry":    st.Manifest.Entry,
		"version":  st.Manifest.Version,
		"provides": emptyIfNil(st.Manifest.Provides),
		"requires": emptyIfNil(st.Manifest.Requires),
		"enabled":  st.Enabled,
	})
}

func (s *Server) storageKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.rt.Storage.Keys(chi.URLParam(r, "module"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (s *Server) storageGet(w http.ResponseWriter, r *http.Request) {
	var value any
	err := s.rt.Storage.Get(chi.URLParam(r, "module"), chi.URLParam(r, "key"), &value)
	if errors.Is(err, kvstore.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "key not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, value)
}

func (s *Server) storagePut(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Value any `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.rt.Storage.Put(chi.URLParam(r, "module"), chi.URLParam(r, "key"), body.Value); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) storageDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.rt.Storage.Delete(chi.URLParam(r, "module"), chi.URLParam(r, "key")); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) validate(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"graph": s.rt.Loader.DependencyGraph()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func emptyIfNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
