package camera

import (
	"context"
	"errors"
	"fmt"

	"github.com/Spatial-NVR/WagonWatch/internal/video"
)

// PollingSource captures by fetching a snapshot URL at a fixed rate.
//
// Unlike StreamSource it never reconnects: FailureThreshold consecutive
// failed fetches stop the loop and leave the source Failed. Re-adding or
// restarting the camera is the way back.
type PollingSource struct {
	base

	fetcher *video.SnapshotFetcher
}

// NewPollingSource creates a polling source with its own HTTP client
func NewPollingSource(settings Settings, opts ...Option) *PollingSource {
	o := buildOptions(opts)
	s := &PollingSource{}
	s.init(settings, KindPolling, o)
	s.fetcher = video.NewSnapshotFetcher(s.settings.URL, s.settings.Timeout)
	return s
}

// Start fetches a test snapshot, retrying up to ReconnectAttempts times with
// RetryBackoff between attempts, and launches the polling loop.
func (s *PollingSource) Start(ctx context.Context) error {
	runCtx, err := s.begin(s.fetcher.Close)
	if errors.Is(err, errAlreadyRunning) {
		s.logger.Warn("Camera already running")
		return nil
	}
	if err != nil {
		return err
	}

	startCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopWatch := context.AfterFunc(runCtx, cancel)
	defer stopWatch()

	if err := s.probe(startCtx); err != nil {
		// abort cancels runCtx, so a Stop has to be detected before it
		stopped := runCtx.Err() != nil
		s.abort("start failed")
		if stopped {
			return ErrStopped
		}
		return fmt.Errorf("failed to start camera %s: %w", s.settings.CameraID, err)
	}

	if !s.launch(runCtx, s.pollLoop) {
		return ErrStopped
	}

	s.logger.Info("Camera started", "url", s.settings.URL, "interval", s.settings.PollInterval)
	return nil
}

// Stop ends the polling loop. Safe to call repeatedly.
func (s *PollingSource) Stop() {
	s.halt(s.fetcher.Close)
}

func (s *PollingSource) probe(ctx context.Context) error {
	attempts := s.settings.ReconnectAttempts
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 && !s.wait(ctx, RetryBackoff) {
			return ctx.Err()
		}

		_, err := s.fetcher.Fetch(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		s.logger.Warn("Snapshot attempt failed", "attempt", attempt, "max_attempts", attempts, "error", err)
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrConnectFailed, attempts, lastErr)
}

func (s *PollingSource) pollLoop(ctx context.Context) {
	interval := s.settings.PollInterval
	failures := 0

	for ctx.Err() == nil {
		started := s.clock.Now()

		img, err := s.fetcher.Fetch(ctx)
		if ctx.Err() != nil {
			return
		}

		if err != nil {
			failures++
			s.errors.Add(1)
			s.logger.Debug("Snapshot failed", "consecutive_failures", failures, "error", err)

			// no reconnect, unlike StreamSource: Failed stays until Registry.Restart
			if failures >= FailureThreshold {
				s.setState(StateFailed, fmt.Sprintf("%d consecutive snapshot failures: %v", failures, err))
				return
			}
		} else {
			failures = 0
			s.publish(img)
		}

		// pace to the target interval regardless of server latency
		if !s.wait(ctx, interval-s.clock.Since(started)) {
			return
		}
	}
}
