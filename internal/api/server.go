package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/pickpoint/opconsole/internal/calibration"
	"github.com/pickpoint/opconsole/internal/config"
	"github.com/pickpoint/opconsole/internal/coordinator"
	"github.com/pickpoint/opconsole/internal/logging"
)

// Server exposes the coordinator over HTTP for the console frontend.
type Server struct {
	cfg    *config.Config
	coord  *coordinator.Coordinator
	repo   *calibration.Repository
	sink   *logging.Sink
	hub    *Hub
	logger *slog.Logger

	statusCh chan logging.StatusLine
	done     chan struct{}
}

// NewServer creates the API server. repo may be nil; the session history
// endpoints then report not found.
func NewServer(cfg *config.Config, coord *coordinator.Coordinator, repo *calibration.Repository, sink *logging.Sink) *Server {
	return &Server{
		cfg:    cfg,
		coord:  coord,
		repo:   repo,
		sink:   sink,
		hub:    NewHub(),
		logger: slog.Default().With("component", "api"),
	}
}

// Start runs the WebSocket hub and begins mirroring status lines to it.
func (s *Server) Start() {
	go s.hub.Run()

	s.statusCh = s.sink.Subscribe()
	s.done = make(chan struct{})
	go func() {
		for {
			select {
			case line, ok := <-s.statusCh:
				if !ok {
					return
				}
				s.hub.BroadcastStatus(line)
			case <-s.done:
				return
			}
		}
	}()
}

// Stop detaches the server from the status stream.
func (s *Server) Stop() {
	if s.done != nil {
		close(s.done)
		s.done = nil
	}
	if s.statusCh != nil {
		s.sink.Unsubscribe(s.statusCh)
		s.statusCh = nil
	}
}

// Router builds the HTTP routing table.
func (s *Server) Router(cfg config.ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	allowedOrigins := cfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.hub.HandleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Get("/frame", s.handleFrame)

		r.Route("/cameras", func(r chi.Router) {
			r.Get("/", s.handleListCameras)
			r.Post("/{slot}/select", s.handleSelectCamera)
			r.Post("/{slot}/power", s.handleSetPower)
			r.Post("/{slot}/config", s.handleUpdateCamera)
		})

		r.Post("/calibrate", s.handleCalibrate)
		r.Route("/calibration", func(r chi.Router) {
			r.Get("/status", s.handleCalibrationStatus)
			r.Post("/reset", s.handleCalibrationReset)
			r.Get("/sessions", s.handleListSessions)
			r.Get("/sessions/{id}", s.handleGetSession)
		})

		r.Get("/logs", s.handleLogs)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	OK(w, map[string]interface{}{
		"status":     "ok",
		"bus":        s.coord.BusStatus(r.Context()),
		"ws_clients": s.hub.ClientCount(),
	})
}

// handleFrame serves one console frame as JPEG. It always answers 200: on
// absence of video the placeholder image is returned.
func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	frameIndex := 0
	if raw := r.URL.Query().Get("index"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			frameIndex = n
		}
	}

	img := s.coord.RenderImage(r.Context(), frameIndex)

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Length", strconv.Itoa(len(img)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(img)
}

func (s *Server) handleListCameras(w http.ResponseWriter, r *http.Request) {
	OK(w, s.coord.Sources())
}

func (s *Server) handleSelectCamera(w http.ResponseWriter, r *http.Request) {
	slot, err := ParseSlot(chi.URLParam(r, "slot"))
	if err != nil {
		BadRequest(w, err.Error())
		return
	}

	if err := s.coord.SelectSource(r.Context(), slot); err != nil {
		BadRequest(w, err.Error())
		return
	}
	OK(w, map[string]int{"active": slot})
}

func (s *Server) handleSetPower(w http.ResponseWriter, r *http.Request) {
	slot, err := ParseSlot(chi.URLParam(r, "slot"))
	if err != nil {
		BadRequest(w, err.Error())
		return
	}

	var body struct {
		On bool `json:"on"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	if err := s.coord.SetPower(r.Context(), slot, body.On); err != nil {
		BadRequest(w, err.Error())
		return
	}
	OK(w, map[string]interface{}{"slot": slot, "on": body.On})
}

// handleUpdateCamera updates a slot's config entry and saves the file.
// Omitted fields keep their current value. Changes to the device URL take
// effect on the next power cycle of the slot.
func (s *Server) handleUpdateCamera(w http.ResponseWriter, r *http.Request) {
	slot, err := ParseSlot(chi.URLParam(r, "slot"))
	if err != nil {
		BadRequest(w, err.Error())
		return
	}

	var body struct {
		Name      *string `json:"name"`
		DeviceURL *string `json:"device_url"`
		Enabled   *bool   `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	sc := config.SlotConfig{Slot: slot}
	if cur := s.cfg.GetSlot(slot); cur != nil {
		sc = *cur
	}
	if body.Name != nil {
		sc.Name = *body.Name
	}
	if body.DeviceURL != nil {
		sc.DeviceURL = *body.DeviceURL
	}
	if body.Enabled != nil {
		sc.Enabled = *body.Enabled
	}

	if err := s.cfg.UpsertSlot(sc); err != nil {
		s.logger.Error("Failed to update camera config", "slot", slot, "error", err)
		InternalError(w, "failed to save camera config")
		return
	}
	OK(w, sc)
}

// handleCalibrate triggers one calibration capture step. The step runs
// asynchronously; accepted requests answer 202 and progress is observed
// via the status endpoint and the log stream.
func (s *Server) handleCalibrate(w http.ResponseWriter, r *http.Request) {
	var req calibration.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	if errs := ValidateCalibrationRequest(req); len(errs) > 0 {
		ValidationErrorResponse(w, errs)
		return
	}

	if err := s.coord.CalibrationStep(req); err != nil {
		switch {
		case isValidationError(err):
			BadRequest(w, err.Error())
		default:
			Conflict(w, err.Error())
		}
		return
	}

	Accepted(w, s.coord.CalibrationStatus())
}

// isValidationError separates bad requests from state conflicts.
func isValidationError(err error) bool {
	for _, target := range []error{
		calibration.ErrInvalidLocation,
		calibration.ErrInvalidTarget,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (s *Server) handleCalibrationStatus(w http.ResponseWriter, r *http.Request) {
	OK(w, s.coord.CalibrationStatus())
}

func (s *Server) handleCalibrationReset(w http.ResponseWriter, r *http.Request) {
	s.coord.Reset()
	OK(w, s.coord.CalibrationStatus())
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if s.repo == nil {
		NotFound(w, "session history not available")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	sessions, err := s.repo.ListSessions(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to list sessions", "error", err)
		InternalError(w, "failed to list sessions")
		return
	}
	OK(w, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if s.repo == nil {
		NotFound(w, "session history not available")
		return
	}

	id := chi.URLParam(r, "id")
	rec, points, err := s.repo.GetSession(r.Context(), id)
	if err != nil {
		NotFound(w, fmt.Sprintf("session %s not found", id))
		return
	}
	OK(w, map[string]interface{}{
		"session": rec,
		"points":  points,
	})
}

// handleLogs tails the console log. ?n= bounds the number of lines,
// ?after= returns only lines newer than a sequence number.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if raw := r.URL.Query().Get("after"); raw != "" {
		after, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			BadRequest(w, "after must be a sequence number")
			return
		}
		OK(w, s.coord.LogsAfter(after))
		return
	}

	n := 100
	if raw := r.URL.Query().Get("n"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			n = parsed
		}
	}
	OK(w, s.coord.Logs(n))
}
