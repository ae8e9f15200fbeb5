// Package api exposes the management surface consumed by the external UI:
// process health, stream lifecycle control, tracker discovery, and metrics.
package api

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/trakbridge/trakbridge/internal/manager"
	"github.com/trakbridge/trakbridge/internal/model"
	"github.com/trakbridge/trakbridge/internal/plugin"
	"github.com/trakbridge/trakbridge/internal/store"
	"github.com/trakbridge/trakbridge/internal/worker"
)

// discoverLimit caps the locations returned by tracker discovery.
const discoverLimit = 100

// discoverTimeout bounds the discovery fetch.
const discoverTimeout = 30 * time.Second

// Store is the persistence surface the API reads.
type Store interface {
	GetStream(ctx context.Context, id int64) (*model.Stream, error)
}

// Streams is the control surface the API drives.
type Streams interface {
	Start(ctx context.Context, id int64) error
	Stop(ctx context.Context, id int64) error
	Restart(ctx context.Context, id int64) error
	Running(id int64) bool
	WorkerHealth(id int64) (worker.Health, bool)
	Summarize() manager.Summary
}

// CoT is the delivery-service surface the API observes.
type CoT interface {
	ConnectionsOpen() int
	WriteMetrics(w io.Writer)
}

// Plugins resolves plugin types.
type Plugins interface {
	Get(id string) (plugin.Plugin, error)
}

// Server is the management API.
type Server struct {
	store   Store
	streams Streams
	cot     CoT
	plugins Plugins
	jwtKey  *rsa.PublicKey
	logger  *slog.Logger
}

// New builds the API server. jwtKey may be nil to disable authentication.
func New(st Store, streams Streams, cot CoT, plugins Plugins, jwtKey *rsa.PublicKey, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:   st,
		streams: streams,
		cot:     cot,
		plugins: plugins,
		jwtKey:  jwtKey,
		logger:  logger,
	}
}

// Router builds the chi router with the standard middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/metrics", s.handleMetrics)
	r.Get("/api/health", s.handleHealth)

	streamRoutes := func(r chi.Router) {
		if s.jwtKey != nil {
			r.Use(s.requireJWT)
		}
		r.Post("/start", s.handleStart)
		r.Post("/stop", s.handleStop)
		r.Post("/restart", s.handleRestart)
		r.Post("/discover-trackers", s.handleDiscover)
		r.Post("/test", s.handleTest)
		r.Get("/health", s.handleStreamHealth)
	}
	// Control routes answer both with and without the /api prefix so UIs
	// behind a stripping proxy and direct callers hit the same handlers.
	r.Route("/streams/{id}", streamRoutes)
	r.Route("/api/streams/{id}", streamRoutes)

	return r
}

// healthResponse is the GET /api/health body.
type healthResponse struct {
	Status  string          `json:"status"`
	Streams manager.Summary `json:"streams"`
	CoT     struct {
		ConnectionsOpen int `json:"connections_open"`
	} `json:"cot"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var resp healthResponse
	resp.Streams = s.streams.Summarize()
	resp.CoT.ConnectionsOpen = s.cot.ConnectionsOpen()

	switch {
	case resp.Streams.Errored == 0:
		resp.Status = "healthy"
	case resp.Streams.Errored < resp.Streams.Active:
		resp.Status = "degraded"
	default:
		resp.Status = "unhealthy"
	}

	code := http.StatusOK
	if resp.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	s.cot.WriteMetrics(w)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.streams.Start)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.streams.Stop)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.streams.Restart)
}

// control runs one lifecycle operation with uniform error mapping: 404 for
// unknown streams, 409 for state conflicts, 500 otherwise.
func (s *Server) control(w http.ResponseWriter, r *http.Request, op func(context.Context, int64) error) {
	id, ok := s.streamID(w, r)
	if !ok {
		return
	}

	err := op(r.Context(), id)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "running": s.streams.Running(id)})
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "stream not found")
	case errors.Is(err, manager.ErrNotRunning):
		s.writeError(w, http.StatusConflict, "stream is not running")
	default:
		s.logger.Error("stream control failed",
			slog.Int64("stream_id", id),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleStreamHealth(w http.ResponseWriter, r *http.Request) {
	id, ok := s.streamID(w, r)
	if !ok {
		return
	}

	if _, err := s.store.GetStream(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "stream not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h, running := s.streams.WorkerHealth(id)
	if !running {
		s.writeJSON(w, http.StatusOK, map[string]any{"running": false})
		return
	}
	s.writeJSON(w, http.StatusOK, h)
}

// discoveredTracker is one row of the discovery response.
type discoveredTracker struct {
	UID            string         `json:"uid"`
	Name           string         `json:"name"`
	Timestamp      time.Time      `json:"timestamp"`
	Lat            float64        `json:"lat"`
	Lon            float64        `json:"lon"`
	AdditionalData map[string]any `json:"additional_data,omitempty"`
}

// discoverResponse carries current locations plus the identifier fields an
// operator may build callsign mappings on.
type discoverResponse struct {
	Trackers         []discoveredTracker `json:"trackers"`
	IdentifierFields []plugin.FieldMeta  `json:"identifier_fields"`
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	id, ok := s.streamID(w, r)
	if !ok {
		return
	}

	st, err := s.store.GetStream(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "stream not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	plug, err := s.plugins.Get(st.PluginType)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), discoverTimeout)
	defer cancel()
	locs, err := plug.Fetch(ctx, st.PluginConfig)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if len(locs) > discoverLimit {
		locs = locs[:discoverLimit]
	}

	resp := discoverResponse{Trackers: make([]discoveredTracker, 0, len(locs))}
	for _, loc := range locs {
		resp.Trackers = append(resp.Trackers, discoveredTracker{
			UID:            loc.UID,
			Name:           loc.Name,
			Timestamp:      loc.Timestamp,
			Lat:            loc.Lat,
			Lon:            loc.Lon,
			AdditionalData: loc.AdditionalData,
		})
	}
	if mappable, ok := plug.(plugin.CallsignMappable); ok {
		resp.IdentifierFields = mappable.AvailableIdentifierFields()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	id, ok := s.streamID(w, r)
	if !ok {
		return
	}

	st, err := s.store.GetStream(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "stream not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	plug, err := s.plugins.Get(st.PluginType)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	report, err := plug.TestConnection(r.Context(), st.PluginConfig)
	if err != nil {
		s.writeJSON(w, http.StatusOK, plugin.HealthReport{OK: false, Message: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

// streamID parses the {id} path parameter, writing a 400 on failure.
func (s *Server) streamID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 1 {
		s.writeError(w, http.StatusBadRequest, "invalid stream id")
		return 0, false
	}
	return id, true
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", slog.Any("error", err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}
