package api

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Spatial-NVR/WagonWatch/internal/camera"
	"github.com/Spatial-NVR/WagonWatch/internal/config"
	"github.com/Spatial-NVR/WagonWatch/internal/database"
	"github.com/Spatial-NVR/WagonWatch/internal/logging"
)

// fakeSource serves a fixed frame; Read does not consume it
type fakeSource struct {
	id       string
	startErr error

	mu      sync.Mutex
	state   camera.State
	frame   *camera.Frame
	starts  int
	stopped bool
}

func (s *fakeSource) ID() string { return s.id }

func (s *fakeSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts++
	if s.startErr != nil {
		return s.startErr
	}
	s.state = camera.StateRunning
	return nil
}

func (s *fakeSource) Read(timeout time.Duration) *camera.Frame { return s.Peek() }
func (s *fakeSource) LatestFrame() *camera.Frame               { return s.Peek() }

func (s *fakeSource) Peek() *camera.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame
}

func (s *fakeSource) IsHealthy(maxStaleness time.Duration) bool {
	return s.State() == camera.StateRunning && s.Peek() != nil
}

func (s *fakeSource) State() camera.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == "" {
		return camera.StateStopped
	}
	return s.state
}

func (s *fakeSource) Stats() camera.Stats {
	st := s.State()
	return camera.Stats{CameraID: s.id, State: st, IsRunning: st.Active(), Kind: camera.KindVideo}
}

func (s *fakeSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.state = camera.StateStopped
}

// fakeCameras builds fakeSources; failing ids refuse to start
type fakeCameras struct {
	mu      sync.Mutex
	frames  map[string]*camera.Frame
	failing map[string]bool
	built   map[string]*fakeSource
}

func newFakeCameras() *fakeCameras {
	return &fakeCameras{
		frames:  make(map[string]*camera.Frame),
		failing: make(map[string]bool),
		built:   make(map[string]*fakeSource),
	}
}

func (f *fakeCameras) factory(cam config.CameraConfig, settings camera.Settings, opts ...camera.Option) (camera.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	src := &fakeSource{id: cam.ID, frame: f.frames[cam.ID]}
	if f.failing[cam.ID] {
		src.startErr = errors.New("connection refused")
	}
	f.built[cam.ID] = src
	return src, nil
}

func testFrame(id string, at time.Time) *camera.Frame {
	return &camera.Frame{CameraID: id, Seq: 1, Timestamp: at, Image: image.NewRGBA(image.Rect(0, 0, 16, 12))}
}

type testEnv struct {
	server   *Server
	registry *camera.Registry
	cfg      *config.Config
	cameras  *fakeCameras
}

func newTestEnv(t *testing.T, setup func(*fakeCameras, *config.Config), opts Options, cams ...config.CameraConfig) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Cameras = cams
	cfg.SetPath(filepath.Join(t.TempDir(), "cameras.yaml"))

	fc := newFakeCameras()
	if setup != nil {
		setup(fc, cfg)
	}

	reg, err := camera.NewRegistry(cfg, camera.WithFactory(fc.factory))
	if err != nil {
		t.Fatalf("Failed to create registry: %v", err)
	}
	_ = reg.StartAll(context.Background())
	t.Cleanup(reg.StopAll)

	return &testEnv{server: NewServer(reg, opts), registry: reg, cfg: cfg, cameras: fc}
}

func (e *testEnv) do(method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func cam(id string) config.CameraConfig {
	return config.CameraConfig{ID: id, URL: "http://10.0.0.1/" + id, Mode: config.ModeStream}
}

func dataMap(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	response := decodeResponse(t, w)
	data, ok := response.Data.(map[string]any)
	if !ok {
		t.Fatalf("Expected object data, got %T", response.Data)
	}
	return data
}

func TestServer_Health(t *testing.T) {
	now := time.Now()
	env := newTestEnv(t, func(fc *fakeCameras, _ *config.Config) {
		fc.frames["camera_1"] = testFrame("camera_1", now)
	}, Options{HealthChecks: map[string]HealthCheck{
		"database": func(context.Context) error { return nil },
	}}, cam("camera_1"))

	w := env.do("GET", "/api/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	data := dataMap(t, w)
	if data["status"] != "healthy" {
		t.Errorf("Expected healthy, got %v", data["status"])
	}
	if data["cameras_active"] != float64(1) || data["cameras_healthy"] != float64(1) {
		t.Errorf("Unexpected camera counts: %v", data)
	}
	deps, _ := data["dependencies"].(map[string]any)
	if deps["database"] != "ok" {
		t.Errorf("Expected database ok, got %v", deps)
	}
}

func TestServer_HealthDegraded(t *testing.T) {
	env := newTestEnv(t, nil, Options{HealthChecks: map[string]HealthCheck{
		"event_bus": func(context.Context) error { return errors.New("not connected") },
	}}, cam("camera_1"))

	data := dataMap(t, env.do("GET", "/api/health", ""))
	if data["status"] != "degraded" {
		t.Errorf("Expected degraded, got %v", data["status"])
	}
	deps, _ := data["dependencies"].(map[string]any)
	if !strings.HasPrefix(deps["event_bus"].(string), "error:") {
		t.Errorf("Expected event_bus error, got %v", deps)
	}
}

func TestServer_ListCameras(t *testing.T) {
	env := newTestEnv(t, func(fc *fakeCameras, _ *config.Config) {
		fc.failing["camera_2"] = true
	}, Options{}, cam("camera_1"), cam("camera_2"))

	w := env.do("GET", "/api/cameras", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	response := decodeResponse(t, w)
	items, ok := response.Data.([]any)
	if !ok || len(items) != 2 {
		t.Fatalf("Expected 2 cameras, got %v", response.Data)
	}
	first := items[0].(map[string]any)
	second := items[1].(map[string]any)
	if first["camera_id"] != "camera_1" || first["state"] != "running" {
		t.Errorf("Unexpected active camera: %v", first)
	}
	if second["camera_id"] != "camera_2" || second["state"] != "failed" || second["error"] == nil {
		t.Errorf("Unexpected failed camera: %v", second)
	}
	if response.Meta == nil || response.Meta.Total != 2 {
		t.Errorf("Unexpected meta: %+v", response.Meta)
	}
}

func TestServer_GetCamera(t *testing.T) {
	env := newTestEnv(t, nil, Options{}, cam("camera_1"))

	if w := env.do("GET", "/api/cameras/camera_1", ""); w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if w := env.do("GET", "/api/cameras/missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestServer_AddCamera(t *testing.T) {
	env := newTestEnv(t, nil, Options{})

	w := env.do("POST", "/api/cameras", `{"camera_id":"camera_5","url":"http://10.0.0.5:8080","position":"left"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	data := dataMap(t, w)
	if data["persisted"] != true {
		t.Error("Expected camera to be persisted")
	}
	if _, ok := env.registry.Source("camera_5"); !ok {
		t.Error("Expected camera to be active")
	}
	saved, ok := env.cfg.GetCamera("camera_5")
	if !ok {
		t.Fatal("Expected camera in config")
	}
	if saved.Mode != config.ModeStream || saved.Position != "left" {
		t.Errorf("Unexpected saved camera: %+v", saved)
	}

	reloaded, err := config.Load(env.cfg.GetPath())
	if err != nil {
		t.Fatalf("Failed to reload config: %v", err)
	}
	if _, ok := reloaded.GetCamera("camera_5"); !ok {
		t.Error("Expected camera in saved file")
	}

	if w := env.do("POST", "/api/cameras", `{"camera_id":"camera_5","url":"http://10.0.0.5:8080"}`); w.Code != http.StatusConflict {
		t.Errorf("Expected 409 for duplicate, got %d", w.Code)
	}
}

func TestServer_AddCameraInvalid(t *testing.T) {
	env := newTestEnv(t, nil, Options{})

	w := env.do("POST", "/api/cameras", `{"camera_id":"bad id","url":"ftp://x"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", w.Code)
	}
	response := decodeResponse(t, w)
	if response.Error == nil || response.Error.Code != "VALIDATION_ERROR" {
		t.Fatalf("Expected validation error, got %+v", response.Error)
	}
	if len(response.Error.Details) < 2 {
		t.Errorf("Expected id and url errors, got %v", response.Error.Details)
	}

	if w := env.do("POST", "/api/cameras", `{"camera_id":"camera_1","url":"http://x","zones":[]}`); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown field, got %d", w.Code)
	}
	if w := env.do("POST", "/api/cameras", `not json`); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad body, got %d", w.Code)
	}
}

func TestServer_AddCameraConnectFailure(t *testing.T) {
	env := newTestEnv(t, func(fc *fakeCameras, _ *config.Config) {
		fc.failing["camera_6"] = true
	}, Options{})

	w := env.do("POST", "/api/cameras", `{"camera_id":"camera_6","url":"http://10.0.0.6"}`)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("Expected 502, got %d", w.Code)
	}
	if _, failed := env.registry.Failures()["camera_6"]; failed {
		t.Error("A camera that never connected should not be kept")
	}
	if _, ok := env.cfg.GetCamera("camera_6"); ok {
		t.Error("A camera that never connected should not be persisted")
	}
}

func TestServer_RemoveCamera(t *testing.T) {
	env := newTestEnv(t, nil, Options{}, cam("camera_1"))
	src := env.cameras.built["camera_1"]

	if w := env.do("DELETE", "/api/cameras/camera_1", ""); w.Code != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", w.Code)
	}
	if !src.stopped {
		t.Error("Expected source to be stopped")
	}
	if _, ok := env.cfg.GetCamera("camera_1"); ok {
		t.Error("Expected camera removed from config")
	}
	if w := env.do("DELETE", "/api/cameras/camera_1", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestServer_RestartCamera(t *testing.T) {
	env := newTestEnv(t, func(fc *fakeCameras, _ *config.Config) {
		fc.failing["camera_2"] = true
	}, Options{}, cam("camera_1"), cam("camera_2"))

	first := env.cameras.built["camera_1"]
	if w := env.do("POST", "/api/cameras/camera_1/restart", ""); w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !first.stopped {
		t.Error("Expected old source to be stopped")
	}
	if env.cameras.built["camera_1"] == first {
		t.Error("Expected a new source")
	}

	if w := env.do("POST", "/api/cameras/camera_2/restart", ""); w.Code != http.StatusBadGateway {
		t.Errorf("Expected 502 for camera that cannot connect, got %d", w.Code)
	}
	if w := env.do("POST", "/api/cameras/missing/restart", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestServer_Snapshot(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env := newTestEnv(t, func(fc *fakeCameras, _ *config.Config) {
		fc.frames["camera_1"] = testFrame("camera_1", at)
	}, Options{}, cam("camera_1"), cam("camera_2"))

	w := env.do("GET", "/api/cameras/camera_1/snapshot", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("Expected image/jpeg, got %s", ct)
	}
	img, err := jpeg.Decode(bytes.NewReader(w.Body.Bytes()))
	if err != nil {
		t.Fatalf("Failed to decode snapshot: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 16 || b.Dy() != 12 {
		t.Errorf("Expected 16x12, got %dx%d", b.Dx(), b.Dy())
	}
	if ts := w.Header().Get("X-Frame-Timestamp"); ts != at.Format(time.RFC3339Nano) {
		t.Errorf("Unexpected frame timestamp header %q", ts)
	}

	if w := env.do("GET", "/api/cameras/camera_2/snapshot", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 without frame, got %d", w.Code)
	}
	if w := env.do("GET", "/api/cameras/missing/snapshot", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown camera, got %d", w.Code)
	}
}

func TestServer_LiveWithoutFrame(t *testing.T) {
	env := newTestEnv(t, nil, Options{}, cam("camera_1"))

	if w := env.do("GET", "/api/cameras/camera_1/live", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 without frame, got %d", w.Code)
	}
	if w := env.do("GET", "/api/cameras/missing/live", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown camera, got %d", w.Code)
	}
}

func TestServer_CameraEvents(t *testing.T) {
	db, err := database.OpenAndMigrate(context.Background(), &database.Config{Path: filepath.Join(t.TempDir(), "api.db")})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	store := database.NewEventStore(db)

	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	for i, to := range []string{"connecting", "running", "reconnecting"} {
		ev := database.CameraEvent{
			ID:         "e" + to,
			CameraID:   "camera_1",
			FromState:  "stopped",
			ToState:    to,
			OccurredAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := store.InsertCameraEvent(context.Background(), ev); err != nil {
			t.Fatalf("Failed to insert event: %v", err)
		}
	}

	env := newTestEnv(t, nil, Options{Events: store}, cam("camera_1"))

	w := env.do("GET", "/api/cameras/camera_1/events?limit=2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	response := decodeResponse(t, w)
	items, ok := response.Data.([]any)
	if !ok || len(items) != 2 {
		t.Fatalf("Expected 2 events, got %v", response.Data)
	}
	if items[0].(map[string]any)["to_state"] != "reconnecting" {
		t.Errorf("Expected newest first, got %v", items[0])
	}

	if w := env.do("GET", "/api/cameras/camera_1/events?limit=abc", ""); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad limit, got %d", w.Code)
	}
}

func TestServer_CameraEventsDisabled(t *testing.T) {
	env := newTestEnv(t, nil, Options{}, cam("camera_1"))

	if w := env.do("GET", "/api/cameras/camera_1/events", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", w.Code)
	}
}

func TestServer_Sync(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env := newTestEnv(t, func(fc *fakeCameras, _ *config.Config) {
		fc.frames["camera_1"] = testFrame("camera_1", base)
		fc.frames["camera_2"] = testFrame("camera_2", base.Add(40*time.Millisecond))
	}, Options{}, cam("camera_1"), cam("camera_2"))

	w := env.do("GET", "/api/sync?timeout_ms=500&max_diff_ms=30", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	data := dataMap(t, w)
	if data["complete"] != true {
		t.Fatalf("Expected complete set, got %v", data)
	}
	if data["spread_ms"] != float64(40) {
		t.Errorf("Expected spread 40ms, got %v", data["spread_ms"])
	}
	if data["within_max_diff"] != false {
		t.Error("Expected spread to exceed max diff")
	}
	frames, _ := data["frames"].(map[string]any)
	if len(frames) != 2 {
		t.Errorf("Expected 2 frames, got %v", frames)
	}

	if w := env.do("GET", "/api/sync?timeout_ms=0", ""); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for zero timeout, got %d", w.Code)
	}
}

func TestServer_SyncIncomplete(t *testing.T) {
	env := newTestEnv(t, func(fc *fakeCameras, _ *config.Config) {
		fc.frames["camera_1"] = testFrame("camera_1", time.Now())
	}, Options{}, cam("camera_1"), cam("camera_2"))

	data := dataMap(t, env.do("GET", "/api/sync?timeout_ms=50", ""))
	if data["complete"] != false {
		t.Errorf("Expected incomplete set, got %v", data)
	}
}

func TestServer_Logs(t *testing.T) {
	buf := logging.NewRingBuffer(10)
	for _, msg := range []string{"one", "two", "three"} {
		buf.Add(logging.Entry{Time: time.Now(), Level: "INFO", Message: msg})
	}
	env := newTestEnv(t, nil, Options{Logs: buf})

	response := decodeResponse(t, env.do("GET", "/api/logs?limit=2", ""))
	items, ok := response.Data.([]any)
	if !ok || len(items) != 2 {
		t.Fatalf("Expected 2 entries, got %v", response.Data)
	}
	if items[1].(map[string]any)["msg"] != "three" {
		t.Errorf("Expected newest entry last, got %v", items[1])
	}
	if response.Meta.Total != 3 {
		t.Errorf("Expected total 3, got %d", response.Meta.Total)
	}

	disabled := newTestEnv(t, nil, Options{})
	if w := disabled.do("GET", "/api/logs", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", w.Code)
	}
}

func TestServer_RateLimit(t *testing.T) {
	env := newTestEnv(t, func(_ *fakeCameras, cfg *config.Config) {
		cfg.System.API.RateLimitPerMinute = 2
	}, Options{})

	for i := 0; i < 2; i++ {
		if w := env.do("GET", "/api/cameras", ""); w.Code != http.StatusOK {
			t.Fatalf("Request %d: expected 200, got %d", i, w.Code)
		}
	}
	if w := env.do("GET", "/api/cameras", ""); w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", w.Code)
	}
}

func TestServer_WebSocketRoute(t *testing.T) {
	without := newTestEnv(t, nil, Options{})
	if w := without.do("GET", "/api/ws", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 without hub, got %d", w.Code)
	}

	with := newTestEnv(t, nil, Options{Hub: NewHub(nil)})
	// a plain GET is not an upgrade; the route exists but refuses it
	if w := with.do("GET", "/api/ws", ""); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for non-upgrade request, got %d", w.Code)
	}
}

func TestServer_HealthHistory(t *testing.T) {
	db, err := database.OpenAndMigrate(context.Background(), &database.Config{Path: filepath.Join(t.TempDir(), "api.db")})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	store := database.NewEventStore(db)
	if err := store.InsertHealthRecord(context.Background(), database.HealthRecord{ID: "h1", Total: 2, Healthy: 1, Unhealthy: []string{"camera_2"}, CheckedAt: time.Now()}); err != nil {
		t.Fatalf("Failed to insert health record: %v", err)
	}

	env := newTestEnv(t, nil, Options{Events: store})

	response := decodeResponse(t, env.do("GET", "/api/health/history", ""))
	items, ok := response.Data.([]any)
	if !ok || len(items) != 1 {
		t.Fatalf("Expected 1 record, got %v", response.Data)
	}
	if items[0].(map[string]any)["healthy"] != float64(1) {
		t.Errorf("Unexpected record: %v", items[0])
	}
}

func TestServer_Live(t *testing.T) {
	env := newTestEnv(t, func(fc *fakeCameras, _ *config.Config) {
		fc.frames["camera_1"] = testFrame("camera_1", time.Now())
	}, Options{LiveInterval: 10 * time.Millisecond}, cam("camera_1"))

	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/cameras/camera_1/live")
	if err != nil {
		t.Fatalf("Failed to open live view: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	buf := make([]byte, 512)
	if _, err := io.ReadAtLeast(resp.Body, buf, 1); err != nil {
		t.Fatalf("Failed to read live view: %v", err)
	}
	if n := env.server.live.Viewers("camera_1"); n != 1 {
		t.Errorf("Expected 1 viewer, got %d", n)
	}

	resp.Body.Close()
	ts.CloseClientConnections()

	deadline := time.Now().Add(3 * time.Second)
	for env.server.live.Viewers("camera_1") != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := env.server.live.Viewers("camera_1"); n != 0 {
		t.Errorf("Expected viewer to leave, got %d", n)
	}
}
