// Package web implements the bridge's read/control HTTP surface: listing
// known devices, reading and writing a device's DSP configuration, and
// setting volume, all backed by internal/virtualdevice.Registry for reads
// and internal/eventbus.Bus for commands. Routing follows the pack's
// go-chi/chi/v5 idiom (ManuGH-xg2g's chi.Router construction); the
// operational /healthz and /metrics endpoints are mounted from
// internal/health rather than re-implemented here.
package web

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nonu1l/unairplay/internal/config"
	"github.com/nonu1l/unairplay/internal/eventbus"
	"github.com/nonu1l/unairplay/internal/health"
	"github.com/nonu1l/unairplay/internal/virtualdevice"
)

// Server serves the bridge's Web API.
type Server struct {
	bus      *eventbus.Bus
	registry *virtualdevice.Registry
	health   *health.Handler
	log      *slog.Logger
}

// Config configures a Server.
type Config struct {
	Bus      *eventbus.Bus
	Registry *virtualdevice.Registry
	Health   *health.Handler
	Logger   *slog.Logger
}

// New constructs a Server ready to have its Router mounted.
func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{bus: cfg.Bus, registry: cfg.Registry, health: cfg.Health, log: log}
}

// Router returns the chi.Router serving every Web API route.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	if s.health != nil {
		r.Get("/healthz", s.health.ServeHTTP)
		r.Get("/metrics", s.health.ServeHTTP)
	}

	r.Route("/api/devices", func(r chi.Router) {
		r.Get("/", s.listDevices)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/dsp", s.getDSP)
			r.Post("/dsp", s.setDSP)
			r.Post("/dsp/reset", s.resetDSP)
			r.Post("/volume", s.setVolume)
		})
	})
	return r
}

type deviceView struct {
	DeviceID       string           `json:"device_id"`
	Kind           string           `json:"kind"`
	DisplayName    string           `json:"display_name"`
	TransportState string           `json:"transport_state"`
	URI            string           `json:"uri,omitempty"`
	Volume         int              `json:"volume"`
	Muted          bool             `json:"muted"`
	DSPEnabled     bool             `json:"dsp_enabled"`
	DSP            config.DSPConfig `json:"dsp"`
}

func toView(snap virtualdevice.StateSnapshot) deviceView {
	return deviceView{
		DeviceID:       snap.DeviceID,
		Kind:           string(snap.Kind),
		DisplayName:    snap.DisplayName,
		TransportState: string(snap.TransportState),
		URI:            snap.URI,
		Volume:         snap.Volume,
		Muted:          snap.Muted,
		DSPEnabled:     snap.DSPEnabled,
		DSP:            snap.DSPConfig,
	}
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	snaps := s.registry.List()
	views := make([]deviceView, 0, len(snaps))
	for _, snap := range snaps {
		views = append(views, toView(snap))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) getDSP(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, ok := s.registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown device")
		return
	}
	writeJSON(w, http.StatusOK, snap.DSPConfig)
}

func (s *Server) setDSP(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.registry.Get(id); !ok {
		writeError(w, http.StatusNotFound, "unknown device")
		return
	}

	var dsp config.DSPConfig
	if err := json.NewDecoder(r.Body).Decode(&dsp); err != nil {
		writeError(w, http.StatusBadRequest, "malformed dsp config: "+err.Error())
		return
	}
	if err := config.ValidateDSP(&dsp); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	s.bus.Publish(eventbus.Event{
		Type:     eventbus.CmdSetDSP,
		DeviceID: id,
		Payload:  virtualdevice.Command{Type: eventbus.CmdSetDSP, DeviceID: id, DSPEnabled: dsp.Enabled, DSPConfig: dsp},
	})
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) resetDSP(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.registry.Get(id); !ok {
		writeError(w, http.StatusNotFound, "unknown device")
		return
	}
	s.bus.Publish(eventbus.Event{
		Type:     eventbus.CmdResetDSP,
		DeviceID: id,
		Payload:  virtualdevice.Command{Type: eventbus.CmdResetDSP, DeviceID: id},
	})
	w.WriteHeader(http.StatusAccepted)
}

type volumeRequest struct {
	Volume int `json:"volume"`
}

func (s *Server) setVolume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.registry.Get(id); !ok {
		writeError(w, http.StatusNotFound, "unknown device")
		return
	}

	var req volumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed volume request: "+err.Error())
		return
	}
	if req.Volume < 0 || req.Volume > 100 {
		writeError(w, http.StatusUnprocessableEntity, "volume must be 0..100")
		return
	}

	s.bus.Publish(eventbus.Event{
		Type:     eventbus.CmdSetVolume,
		DeviceID: id,
		Payload:  virtualdevice.Command{Type: eventbus.CmdSetVolume, DeviceID: id, Volume: req.Volume},
	})
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
