// Package server exposes the news backend over a JSON HTTP API.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"starlinker/internal/alerts"
	"starlinker/internal/config"
	"starlinker/internal/logging"
	"starlinker/internal/scheduler"
	"starlinker/internal/store"
)

// Server wires the storage, settings, alert and scheduler services into the
// admin API. It holds handles; there is no process-wide singleton.
type Server struct {
	store     *store.Store
	settings  *config.Repository
	alerts    *alerts.Service
	digests   *alerts.DigestService
	scheduler *scheduler.Service
	logger    *slog.Logger
}

// New creates a Server.
func New(st *store.Store, settings *config.Repository, al *alerts.Service, dig *alerts.DigestService, sched *scheduler.Service, logger *slog.Logger) *Server {
	return &Server{
		store:     st,
		settings:  settings,
		alerts:    al,
		digests:   dig,
		scheduler: sched,
		logger:    logging.Default(logger).With("component", "server"),
	}
}

// Handler builds the chi router for the backend API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", s.health)
	r.Get("/settings", s.getSettings)
	r.Put("/settings", s.putSettings)
	r.Patch("/settings", s.patchSettings)
	r.Get("/settings/defaults", s.defaultSettings)
	r.Get("/settings/schema", s.settingsSchema)
	r.Post("/run/poll", s.runPoll)
	r.Post("/run/digest", s.runDigest)
	r.Post("/alerts/snooze", s.snoozeAlerts)
	r.Get("/alerts/recent", s.recentAlerts)
	r.Get("/digest/preview", s.previewDigest)
	r.Get("/digest/recent", s.recentDigests)
	r.Get("/appearance/themes", s.listThemes)
	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	cfg, err := s.settings.Load()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	storage, err := s.store.Health()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"scheduler": s.scheduler.Describe(),
		"storage":   storage,
		"missing":   s.settings.MissingPrerequisites(cfg),
		"config":    cfg,
		"alerts":    s.alertStatus(),
	})
}

func (s *Server) alertStatus() map[string]any {
	status := map[string]any{
		"snoozed_until": nil,
		"min_priority":  s.alerts.MinPriority(),
		"window_hours":  int(s.alerts.Window().Hours()),
	}
	if until, ok := s.alerts.SnoozedUntil(); ok {
		status["snoozed_until"] = until.UTC().Format(time.RFC3339)
	}
	return status
}

func (s *Server) getSettings(w http.ResponseWriter, _ *http.Request) {
	cfg, err := s.settings.Load()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) putSettings(w http.ResponseWriter, r *http.Request) {
	var cfg config.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.settings.Save(cfg); err != nil {
		s.writeConfigError(w, err)
		return
	}
	if err := s.scheduler.RefreshConfig(cfg); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) patchSettings(w http.ResponseWriter, r *http.Request) {
	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	merged, err := s.settings.ApplyPatch(patch)
	if err != nil {
		s.writeConfigError(w, err)
		return
	}
	if err := s.scheduler.RefreshConfig(merged); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, merged)
}

func (s *Server) defaultSettings(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.settings.Default())
}

func (s *Server) settingsSchema(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, config.Schema())
}

func (s *Server) runPoll(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decodeOptional(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	s.writeJSON(w, http.StatusOK, s.scheduler.TriggerPoll(body.Reason))
}

func (s *Server) runDigest(w http.ResponseWriter, r *http.Request) {
	body := struct {
		Type string `json:"type"`
	}{Type: "daily"}
	if err := decodeOptional(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	typ, err := alerts.ParseDigestType(body.Type)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, s.scheduler.TriggerDigest(typ))
}

func (s *Server) snoozeAlerts(w http.ResponseWriter, r *http.Request) {
	body := struct {
		Minutes int `json:"minutes"`
	}{Minutes: 60}
	if err := decodeOptional(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Minutes < 5 || body.Minutes > 720 {
		s.writeError(w, http.StatusUnprocessableEntity, "minutes must be between 5 and 720")
		return
	}
	until := s.alerts.Snooze(time.Duration(body.Minutes) * time.Minute)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"snoozed_until": until.UTC().Format(time.RFC3339),
	})
}

func (s *Server) recentAlerts(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	rows, err := s.store.ListAlerts(limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"alerts": rows})
}

func (s *Server) previewDigest(w http.ResponseWriter, r *http.Request) {
	typ, err := alerts.ParseDigestType(queryDefault(r, "digest_type", "daily"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg, err := s.settings.Load()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	preview, err := s.digests.Preview(typ, cfg, time.Time{})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, preview)
}

func (s *Server) recentDigests(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 10)
	rows, err := s.store.ListDigests(limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"digests": rows})
}

func (s *Server) listThemes(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"themes": config.ThemeSlugs})
}

// writeConfigError maps validation failures to 422 with structured field
// errors; everything else is a 500.
func (s *Server) writeConfigError(w http.ResponseWriter, err error) {
	var verr *config.ValidationError
	if errors.As(err, &verr) {
		s.writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":  "invalid configuration",
			"fields": verr.Fields,
		})
		return
	}
	s.writeError(w, http.StatusInternalServerError, err.Error())
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

// decodeOptional decodes a JSON body into v, treating an empty body as the
// zero patch.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func queryDefault(r *http.Request, key, fallback string) string {
	if v := r.URL.Query().Get(key); v != "" {
		return v
	}
	return fallback
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
