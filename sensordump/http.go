package sensordump

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/sensordump/shield"
)

type powerRequest struct {
	Enabled *bool `json:"enabled"`
}

type refreshRequest struct {
	IntervalMS *int `json:"interval_ms"`
}

// Handler returns the control API behind the default shield stack and a
// per-client rate limit on mutating calls. More routes may be added to it.
func (m *Manager) Handler() chi.Router {
	r := chi.NewRouter()
	for _, mw := range shield.DefaultAPIStack() {
		r.Use(mw)
	}
	r.Use(shield.NewRateLimiter(m.config.Control.RateLimit, m.config.Control.Burst).Middleware)
	m.RegisterHTTP(r)
	return r
}

// RegisterHTTP mounts the control routes on r.
func (m *Manager) RegisterHTTP(r chi.Router) {
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/snapshot", m.handleSnapshot)
		r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, m.Status())
		})
		r.Post("/logging/start", m.handleStart)
		r.Post("/logging/stop", func(w http.ResponseWriter, _ *http.Request) {
			m.StopLogging()
			writeJSON(w, http.StatusOK, m.Status())
		})
		r.Put("/gps", m.handlePower(m.SetGPSPower))
		r.Put("/audio", m.handlePower(m.SetAudioPower))
		r.Put("/refresh", m.handleRefresh)
		r.Get("/settings", m.handleSettings)
	})
}

func (m *Manager) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := m.Snapshot(r.Context())
	if err != nil {
		shield.GetLogger(r.Context()).Error("sensordump: snapshot", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (m *Manager) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := m.StartLogging(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, m.Status())
}

func (m *Manager) handlePower(set func(bool)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req powerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if req.Enabled == nil {
			writeError(w, http.StatusBadRequest, errors.New("enabled is required"))
			return
		}
		set(*req.Enabled)
		writeJSON(w, http.StatusOK, m.Status())
	}
}

func (m *Manager) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.IntervalMS == nil {
		writeError(w, http.StatusBadRequest, errors.New("interval_ms is required"))
		return
	}
	applied := m.SetRefreshInterval(*req.IntervalMS)
	writeJSON(w, http.StatusOK, map[string]int{"interval_ms": applied})
}

func (m *Manager) handleSettings(w http.ResponseWriter, r *http.Request) {
	s, err := m.Settings()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Redacted())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
