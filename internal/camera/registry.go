package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/Spatial-NVR/WagonWatch/internal/config"
)

// SyncPollInterval is the pause between read rounds of SynchronizedFrames
const SyncPollInterval = 10 * time.Millisecond

// StartError reports the cameras that did not start. The others are running.
type StartError struct {
	Total  int
	Failed map[string]error
}

func (e *StartError) Error() string {
	ids := e.IDs()
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%s: %v", id, e.Failed[id]))
	}
	return fmt.Sprintf("failed to start %d of %d cameras: %s", len(ids), e.Total, strings.Join(parts, "; "))
}

// Unwrap exposes the per-camera causes to errors.Is and errors.As
func (e *StartError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, id := range e.IDs() {
		errs = append(errs, e.Failed[id])
	}
	return errs
}

// IDs returns the failed camera ids in sorted order
func (e *StartError) IDs() []string {
	ids := make([]string, 0, len(e.Failed))
	for id := range e.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Registry owns the active camera sources. Only cameras that started are
// active; the registry is the only owner of their lifecycle.
type Registry struct {
	cfg      *config.Config
	opts     []Option
	factory  Factory
	clock    clock.WithTicker
	notifier Notifier
	logger   *slog.Logger

	mu      sync.RWMutex
	sources map[string]Source
	cameras map[string]config.CameraConfig
	failed  map[string]error

	healthMu   sync.Mutex
	lastHealth *HealthReport
}

// NewRegistry creates a registry for the cameras in cfg. Options are passed
// on to every source it builds.
func NewRegistry(cfg *config.Config, opts ...Option) (*Registry, error) {
	if cfg == nil {
		return nil, fmt.Errorf("failed to create registry: %w", config.ErrConfigNotFound)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to create registry: %w", err)
	}

	o := buildOptions(opts)
	return &Registry{
		cfg:      cfg,
		opts:     opts,
		factory:  o.factory,
		clock:    o.clock,
		notifier: o.notifier,
		logger:   o.logger.With("component", "camera-registry"),
		sources:  make(map[string]Source),
		cameras:  make(map[string]config.CameraConfig),
		failed:   make(map[string]error),
	}, nil
}

// NewRegistryFromFile loads the configuration file and creates a registry.
// A missing file is a configuration error.
func NewRegistryFromFile(path string, opts ...Option) (*Registry, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load camera configuration: %w", err)
	}
	return NewRegistry(cfg, opts...)
}

// Config returns the configuration the registry was built from
func (r *Registry) Config() *config.Config {
	return r.cfg
}

// StartAll starts every configured camera in file order. Cameras already
// active are left alone. A *StartError names the cameras that failed; they
// are not added to the active set.
func (r *Registry) StartAll(ctx context.Context) error {
	cameras := r.cfg.CameraList()
	global := r.cfg.Stream()
	failed := make(map[string]error)

	for _, cam := range cameras {
		if _, ok := r.Source(cam.ID); ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			failed[cam.ID] = err
			continue
		}
		if err := r.start(ctx, cam, global); err != nil {
			failed[cam.ID] = err
		}
	}

	r.logger.Info("Cameras started", "configured", len(cameras), "active", len(r.IDs()), "failed", len(failed))

	if len(failed) > 0 {
		return &StartError{Total: len(cameras), Failed: failed}
	}
	return nil
}

// start builds and starts one camera and adds it to the active set
func (r *Registry) start(ctx context.Context, cam config.CameraConfig, global config.StreamSettings) error {
	src, err := r.factory(cam, SettingsFor(cam, global), r.opts...)
	if err != nil {
		r.recordFailure(cam.ID, err)
		return err
	}

	if err := src.Start(ctx); err != nil {
		src.Stop()
		r.recordFailure(cam.ID, err)
		r.logger.Error("Failed to start camera", "camera", cam.ID, "error", err)
		return err
	}

	r.mu.Lock()
	if _, exists := r.sources[cam.ID]; exists {
		r.mu.Unlock()
		src.Stop()
		return fmt.Errorf("%w: %s", ErrCameraExists, cam.ID)
	}
	r.sources[cam.ID] = src
	r.cameras[cam.ID] = cam
	delete(r.failed, cam.ID)
	r.mu.Unlock()

	r.logger.Info("Camera active", "camera", cam.ID, "name", cam.DisplayName())
	return nil
}

func (r *Registry) recordFailure(id string, err error) {
	r.mu.Lock()
	r.failed[id] = err
	r.mu.Unlock()
}

// Add starts a camera at runtime. It joins the active set only on success.
func (r *Registry) Add(ctx context.Context, cam config.CameraConfig) error {
	if err := config.ValidateCamera(cam); err != nil {
		return fmt.Errorf("invalid camera: %w", err)
	}
	if cam.Mode == "" {
		cam.Mode = config.ModeStream
	}
	if _, ok := r.Source(cam.ID); ok {
		return fmt.Errorf("%w: %s", ErrCameraExists, cam.ID)
	}
	return r.start(ctx, cam, r.cfg.Stream())
}

// Remove stops a camera and drops it from the active set
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	src, ok := r.sources[id]
	delete(r.sources, id)
	delete(r.cameras, id)
	_, hadFailure := r.failed[id]
	delete(r.failed, id)
	r.mu.Unlock()

	if !ok {
		if hadFailure {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrCameraNotFound, id)
	}

	src.Stop()
	r.logger.Info("Camera removed", "camera", id)
	return nil
}

// Restart replaces a camera's source with a fresh one. It is the recovery
// path for Failed sources and for cameras that never started.
func (r *Registry) Restart(ctx context.Context, id string) error {
	r.mu.RLock()
	cam, ok := r.cameras[id]
	r.mu.RUnlock()
	if !ok {
		cam, ok = r.cfg.GetCamera(id)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrCameraNotFound, id)
	}
	return r.replace(ctx, cam)
}

func (r *Registry) replace(ctx context.Context, cam config.CameraConfig) error {
	r.mu.Lock()
	old, ok := r.sources[cam.ID]
	delete(r.sources, cam.ID)
	delete(r.cameras, cam.ID)
	r.mu.Unlock()

	if ok {
		old.Stop()
	}
	r.logger.Info("Restarting camera", "camera", cam.ID)
	return r.start(ctx, cam, r.cfg.Stream())
}

// ReconcileResult lists what Reconcile changed
type ReconcileResult struct {
	Added     []string         `json:"added,omitempty"`
	Removed   []string         `json:"removed,omitempty"`
	Restarted []string         `json:"restarted,omitempty"`
	Failed    map[string]error `json:"-"`
}

// Reconcile brings the active set in line with a camera list: cameras that
// disappeared are removed, changed ones restarted and missing ones started.
func (r *Registry) Reconcile(ctx context.Context, cameras []config.CameraConfig) ReconcileResult {
	res := ReconcileResult{Failed: make(map[string]error)}

	desired := make(map[string]config.CameraConfig, len(cameras))
	for _, cam := range cameras {
		desired[cam.ID] = cam
	}

	r.mu.RLock()
	active := make(map[string]config.CameraConfig, len(r.cameras))
	for id, cam := range r.cameras {
		active[id] = cam
	}
	r.mu.RUnlock()

	for _, id := range sortedKeys(active) {
		if _, ok := desired[id]; !ok {
			if err := r.Remove(id); err == nil {
				res.Removed = append(res.Removed, id)
			}
		}
	}

	// stale failures of cameras no longer configured
	r.mu.Lock()
	for id := range r.failed {
		if _, ok := desired[id]; !ok {
			delete(r.failed, id)
		}
	}
	r.mu.Unlock()

	global := r.cfg.Stream()
	for _, cam := range cameras {
		current, running := active[cam.ID]
		switch {
		case !running:
			if err := r.start(ctx, cam, global); err != nil {
				res.Failed[cam.ID] = err
				continue
			}
			res.Added = append(res.Added, cam.ID)
		case current != cam:
			if err := r.replace(ctx, cam); err != nil {
				res.Failed[cam.ID] = err
				continue
			}
			res.Restarted = append(res.Restarted, cam.ID)
		}
	}

	if len(res.Added)+len(res.Removed)+len(res.Restarted)+len(res.Failed) > 0 {
		r.logger.Info("Cameras reconciled",
			"added", res.Added,
			"removed", res.Removed,
			"restarted", res.Restarted,
			"failed", len(res.Failed))
	}
	return res
}

// Source returns an active source
func (r *Registry) Source(id string) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.sources[id]
	return src, ok
}

// IDs returns the active camera ids in sorted order
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.sources)
}

// Failures returns the last start error of every camera that is not active
func (r *Registry) Failures() map[string]error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]error, len(r.failed))
	for id, err := range r.failed {
		out[id] = err
	}
	return out
}

func (r *Registry) snapshot() map[string]Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Source, len(r.sources))
	for id, src := range r.sources {
		out[id] = src
	}
	return out
}

// Read reads the next frame of one camera
func (r *Registry) Read(id string, timeout time.Duration) *Frame {
	src, ok := r.Source(id)
	if !ok {
		return nil
	}
	return src.Read(timeout)
}

// LatestFrame returns the newest frame of one camera, draining its buffer
func (r *Registry) LatestFrame(id string) *Frame {
	src, ok := r.Source(id)
	if !ok {
		return nil
	}
	return src.LatestFrame()
}

// ReadAll reads every active camera concurrently, each waiting at most
// timeout. Cameras without a frame map to nil.
func (r *Registry) ReadAll(timeout time.Duration) map[string]*Frame {
	sources := r.snapshot()
	frames := make(map[string]*Frame, len(sources))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for id, src := range sources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f := src.Read(timeout)
			mu.Lock()
			frames[id] = f
			mu.Unlock()
		}()
	}
	wg.Wait()
	return frames
}

// SynchronizedFrames repeats ReadAll until every active camera returned a
// frame in the same round, or timeout elapses (nil). maxTimeDiff is only
// compared against the timestamp spread for logging; sets wider than it are
// still returned.
func (r *Registry) SynchronizedFrames(timeout, maxTimeDiff time.Duration) map[string]*Frame {
	if len(r.IDs()) == 0 {
		return nil
	}

	deadline := r.clock.Now().Add(timeout)
	for {
		remaining := deadline.Sub(r.clock.Now())
		if remaining <= 0 {
			break
		}

		frames := r.ReadAll(remaining)
		if complete(frames) {
			if spread := FrameSpread(frames); maxTimeDiff > 0 && spread > maxTimeDiff {
				r.logger.Debug("Synchronized frames exceed max time difference", "spread", spread, "max_time_diff", maxTimeDiff)
			}
			return frames
		}

		remaining = deadline.Sub(r.clock.Now())
		if remaining <= 0 {
			break
		}
		r.clock.Sleep(min(SyncPollInterval, remaining))
	}

	r.logger.Warn("Timeout waiting for synchronized frames", "timeout", timeout)
	return nil
}

func complete(frames map[string]*Frame) bool {
	if len(frames) == 0 {
		return false
	}
	for _, f := range frames {
		if f == nil {
			return false
		}
	}
	return true
}

// FrameSpread returns the time between the oldest and newest frame
func FrameSpread(frames map[string]*Frame) time.Duration {
	var oldest, newest time.Time
	for _, f := range frames {
		if f == nil {
			continue
		}
		if oldest.IsZero() || f.Timestamp.Before(oldest) {
			oldest = f.Timestamp
		}
		if newest.IsZero() || f.Timestamp.After(newest) {
			newest = f.Timestamp
		}
	}
	return newest.Sub(oldest)
}

// Stats returns a stats snapshot of every active camera
func (r *Registry) Stats() map[string]Stats {
	sources := r.snapshot()
	stats := make(map[string]Stats, len(sources))
	for id, src := range sources {
		stats[id] = src.Stats()
	}
	return stats
}

// StopAll stops every active camera and empties the registry. Safe to call
// repeatedly.
func (r *Registry) StopAll() {
	r.mu.Lock()
	sources := r.sources
	r.sources = make(map[string]Source)
	r.cameras = make(map[string]config.CameraConfig)
	r.mu.Unlock()

	if len(sources) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, src := range sources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			src.Stop()
		}()
	}
	wg.Wait()

	r.logger.Info("All cameras stopped", "count", len(sources))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ error = (*StartError)(nil)

// IsStartError reports whether err carries per-camera start failures
func IsStartError(err error) (*StartError, bool) {
	var se *StartError
	ok := errors.As(err, &se)
	return se, ok
}
