// Package api serves the HTTP API: camera management, snapshots, MJPEG
// live view, state history and a websocket stream of camera events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/Spatial-NVR/WagonWatch/internal/camera"
	"github.com/Spatial-NVR/WagonWatch/internal/config"
	"github.com/Spatial-NVR/WagonWatch/internal/database"
	"github.com/Spatial-NVR/WagonWatch/internal/logging"
	"github.com/Spatial-NVR/WagonWatch/internal/video"
)

// Request limits
const (
	maxBodyBytes      = 64 << 10
	defaultEventLimit = 100
	maxEventLimit     = 1000
	defaultLogLimit   = 200
	defaultSyncWait   = time.Second
	maxSyncWait       = 30 * time.Second
	defaultSyncDiff   = 100 * time.Millisecond
	requestTimeout    = 60 * time.Second
)

// HealthCheck reports whether a dependency is usable
type HealthCheck func(ctx context.Context) error

// Options carries the optional dependencies of the server
type Options struct {
	Events       *database.EventStore
	Logs         *logging.RingBuffer
	Hub          *Hub
	HealthChecks map[string]HealthCheck
	Logger       *slog.Logger
	MaxStaleness time.Duration
	LiveInterval time.Duration
}

// Server holds the API handlers
type Server struct {
	registry *camera.Registry
	cfg      *config.Config
	events   *database.EventStore
	logs     *logging.RingBuffer
	hub      *Hub
	live     *LiveFeeds
	checks   map[string]HealthCheck
	logger   *slog.Logger

	maxStaleness time.Duration
	startedAt    time.Time
	router       chi.Router
}

// NewServer builds the router for a registry
func NewServer(registry *camera.Registry, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxStaleness <= 0 {
		opts.MaxStaleness = camera.DefaultMaxStaleness
	}

	s := &Server{
		registry:     registry,
		cfg:          registry.Config(),
		events:       opts.Events,
		logs:         opts.Logs,
		hub:          opts.Hub,
		live:         NewLiveFeeds(registry, opts.LiveInterval, logger),
		checks:       opts.HealthChecks,
		logger:       logger.With("component", "api"),
		maxStaleness: opts.MaxStaleness,
		startedAt:    time.Now(),
	}
	s.router = s.routes()
	return s
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	api := s.cfg.System.API
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  slog.NewLogLogger(s.logger.Handler(), slog.LevelDebug),
		NoColor: true,
	}))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   api.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	if api.RateLimitPerMinute > 0 {
		r.Use(httprate.Limit(api.RateLimitPerMinute, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))
	}

	// live view, log stream and websocket responses are long-lived and
	// skip the request timeout
	r.Route("/api", func(r chi.Router) {
		short := r.With(middleware.Timeout(requestTimeout))

		short.Get("/health", s.handleHealth)
		short.Get("/health/history", s.handleHealthHistory)
		short.Get("/sync", s.handleSync)
		short.Get("/logs", s.handleLogs)
		r.Get("/logs/stream", s.handleLogStream)
		if s.hub != nil {
			r.Get("/ws", s.hub.HandleWebSocket)
		}

		r.Route("/cameras", func(r chi.Router) {
			short := r.With(middleware.Timeout(requestTimeout))

			short.Get("/", s.handleListCameras)
			short.Post("/", s.handleAddCamera)
			short.Get("/{id}", s.handleGetCamera)
			short.Delete("/{id}", s.handleRemoveCamera)
			short.Post("/{id}/restart", s.handleRestartCamera)
			short.Get("/{id}/snapshot", s.handleSnapshot)
			short.Get("/{id}/events", s.handleCameraEvents)
			r.Get("/{id}/live", s.handleLive)
		})
	})

	return r
}

// cameraStatus is a camera's stats plus the error that stopped it, if any
type cameraStatus struct {
	camera.Stats
	Error string `json:"error,omitempty"`
}

func failedStatus(cam config.CameraConfig, id string, err error) cameraStatus {
	return cameraStatus{
		Stats: camera.Stats{
			CameraID: id,
			Name:     cam.Name,
			Position: cam.Position,
			State:    camera.StateFailed,
			Endpoint: SanitizeStreamURL(cam.URL),
		},
		Error: err.Error(),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.registry.Health(s.maxStaleness)

	status := "healthy"
	if !report.AllHealthy() {
		status = "degraded"
	}

	deps := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(r.Context()); err != nil {
			deps[name] = "error: " + err.Error()
			status = "degraded"
			continue
		}
		deps[name] = "ok"
	}

	OK(w, map[string]any{
		"status":            status,
		"cameras_active":    report.Total,
		"cameras_healthy":   len(report.Healthy),
		"cameras_unhealthy": report.Unhealthy,
		"cameras_failed":    sortedFailures(s.registry.Failures()),
		"dependencies":      deps,
		"uptime_seconds":    int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleHealthHistory(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		Unavailable(w, "Event history is not enabled")
		return
	}
	limit, err := queryInt(r, "limit", defaultEventLimit)
	if err != nil || limit < 1 || limit > maxEventLimit {
		BadRequest(w, fmt.Sprintf("limit must be between 1 and %d", maxEventLimit))
		return
	}

	records, err := s.events.HealthRecords(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to list health records", "error", err)
		InternalError(w, "Failed to list health records")
		return
	}
	List(w, records, len(records), limit)
}

func sortedFailures(failures map[string]error) []string {
	ids := make([]string, 0, len(failures))
	for id := range failures {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (s *Server) handleListCameras(w http.ResponseWriter, r *http.Request) {
	stats := s.registry.Stats()
	failures := s.registry.Failures()

	out := make([]cameraStatus, 0, len(stats)+len(failures))
	for _, id := range s.registry.IDs() {
		if st, ok := stats[id]; ok {
			out = append(out, cameraStatus{Stats: st})
		}
	}
	for _, id := range sortedFailures(failures) {
		cam, _ := s.cfg.GetCamera(id)
		out = append(out, failedStatus(cam, id, failures[id]))
	}

	List(w, out, len(out), 0)
}

func (s *Server) handleGetCamera(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if src, ok := s.registry.Source(id); ok {
		OK(w, cameraStatus{Stats: src.Stats()})
		return
	}
	if err, ok := s.registry.Failures()[id]; ok {
		cam, _ := s.cfg.GetCamera(id)
		OK(w, failedStatus(cam, id, err))
		return
	}
	NotFound(w, "Camera not found")
}

func (s *Server) handleAddCamera(w http.ResponseWriter, r *http.Request) {
	var cam config.CameraConfig
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cam); err != nil {
		BadRequest(w, "Invalid request body: "+err.Error())
		return
	}

	if errs := ValidateCamera(cam); errs.HasErrors() {
		ValidationErrorResponse(w, errs)
		return
	}
	if cam.Mode == "" {
		cam.Mode = config.ModeStream
	}

	if _, ok := s.registry.Source(cam.ID); ok {
		Conflict(w, "Camera already exists")
		return
	}
	if _, ok := s.cfg.GetCamera(cam.ID); ok {
		Conflict(w, "Camera is configured but not running; restart it instead")
		return
	}

	if err := s.registry.Add(r.Context(), cam); err != nil {
		if errors.Is(err, camera.ErrCameraExists) {
			Conflict(w, "Camera already exists")
			return
		}
		// a camera that never connected is not kept
		_ = s.registry.Remove(cam.ID)
		s.logger.Warn("Failed to add camera", "camera", cam.ID, "url", SanitizeStreamURL(cam.URL), "error", err)
		Error(w, http.StatusBadGateway, "CONNECT_FAILED", err.Error())
		return
	}

	persisted := false
	if s.cfg.GetPath() != "" {
		if err := s.cfg.UpsertCamera(cam); err != nil {
			s.logger.Error("Failed to persist camera", "camera", cam.ID, "error", err)
		} else {
			persisted = true
		}
	}

	var stats camera.Stats
	if src, ok := s.registry.Source(cam.ID); ok {
		stats = src.Stats()
	}
	Created(w, map[string]any{
		"camera":    stats,
		"persisted": persisted,
	})
}

func (s *Server) handleRemoveCamera(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := s.registry.Remove(id)
	_, configured := s.cfg.GetCamera(id)
	if err != nil && !configured {
		if errors.Is(err, camera.ErrCameraNotFound) {
			NotFound(w, "Camera not found")
			return
		}
		InternalError(w, err.Error())
		return
	}

	if configured && s.cfg.GetPath() != "" {
		if err := s.cfg.RemoveCamera(id); err != nil && !errors.Is(err, config.ErrCameraNotFound) {
			s.logger.Error("Failed to remove camera from config", "camera", id, "error", err)
			InternalError(w, "Camera stopped but config could not be saved")
			return
		}
	}

	NoContent(w)
}

func (s *Server) handleRestartCamera(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.registry.Restart(r.Context(), id); err != nil {
		if errors.Is(err, camera.ErrCameraNotFound) {
			NotFound(w, "Camera not found")
			return
		}
		Error(w, http.StatusBadGateway, "CONNECT_FAILED", err.Error())
		return
	}

	src, ok := s.registry.Source(id)
	if !ok {
		InternalError(w, "Camera restarted but is not active")
		return
	}
	OK(w, cameraStatus{Stats: src.Stats()})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	src, ok := s.registry.Source(id)
	if !ok {
		NotFound(w, "Camera not found")
		return
	}
	frame := src.Peek()
	if frame == nil {
		NotFound(w, "No frame available")
		return
	}

	data, err := frame.JPEG(video.DefaultJPEGQuality)
	if err != nil {
		InternalError(w, "Failed to encode snapshot")
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Timestamp", frame.Timestamp.UTC().Format(time.RFC3339Nano))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	src, ok := s.registry.Source(id)
	if !ok {
		NotFound(w, "Camera not found")
		return
	}
	if src.Peek() == nil {
		NotFound(w, "No frame available")
		return
	}
	s.live.Serve(w, r, id)
}

func (s *Server) handleCameraEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		Unavailable(w, "Event history is not enabled")
		return
	}
	id := chi.URLParam(r, "id")

	limit, err := queryInt(r, "limit", defaultEventLimit)
	if err != nil || limit < 1 || limit > maxEventLimit {
		BadRequest(w, fmt.Sprintf("limit must be between 1 and %d", maxEventLimit))
		return
	}

	events, err := s.events.CameraEvents(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("Failed to list camera events", "camera", id, "error", err)
		InternalError(w, "Failed to list events")
		return
	}
	List(w, events, len(events), limit)
}

// syncFrame describes one frame of a synchronized set
type syncFrame struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	timeoutMS, err := queryInt(r, "timeout_ms", int(defaultSyncWait/time.Millisecond))
	if err != nil || timeoutMS < 1 || time.Duration(timeoutMS)*time.Millisecond > maxSyncWait {
		BadRequest(w, fmt.Sprintf("timeout_ms must be between 1 and %d", maxSyncWait/time.Millisecond))
		return
	}
	maxDiffMS, err := queryInt(r, "max_diff_ms", int(defaultSyncDiff/time.Millisecond))
	if err != nil || maxDiffMS < 0 {
		BadRequest(w, "max_diff_ms must not be negative")
		return
	}

	timeout := time.Duration(timeoutMS) * time.Millisecond
	maxDiff := time.Duration(maxDiffMS) * time.Millisecond

	started := time.Now()
	frames := s.registry.SynchronizedFrames(timeout, maxDiff)
	elapsed := time.Since(started)

	out := make(map[string]syncFrame, len(frames))
	for id, f := range frames {
		out[id] = syncFrame{Seq: f.Seq, Timestamp: f.Timestamp, Width: f.Width(), Height: f.Height()}
	}
	spread := FrameSpreadMS(frames)

	OK(w, map[string]any{
		"complete":        frames != nil,
		"cameras":         len(s.registry.IDs()),
		"frames":          out,
		"spread_ms":       spread,
		"max_diff_ms":     maxDiffMS,
		"within_max_diff": frames != nil && spread <= float64(maxDiffMS),
		"elapsed_ms":      elapsed.Milliseconds(),
		"timeout_ms":      timeoutMS,
	})
}

// FrameSpreadMS returns the timestamp spread of a frame set in milliseconds
func FrameSpreadMS(frames map[string]*camera.Frame) float64 {
	return float64(camera.FrameSpread(frames)) / float64(time.Millisecond)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		Unavailable(w, "Log buffer is not enabled")
		return
	}
	limit, err := queryInt(r, "limit", defaultLogLimit)
	if err != nil || limit < 0 {
		BadRequest(w, "limit must not be negative")
		return
	}
	entries := s.logs.Recent(limit)
	List(w, entries, s.logs.Len(), limit)
}

// handleLogStream sends new log entries as server-sent events
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		Unavailable(w, "Log buffer is not enabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		InternalError(w, "Streaming not supported")
		return
	}

	ch := s.logs.Subscribe()
	defer s.logs.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case entry, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(entry)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
