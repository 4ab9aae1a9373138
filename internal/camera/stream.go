package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Spatial-NVR/WagonWatch/internal/video"
)

// StreamSource captures from a continuous video stream. Sustained read
// failure triggers a bounded reconnect; exhausting it leaves the source Failed.
type StreamSource struct {
	base

	opener video.Opener

	// connMu only guards swapping conn; it is never held during I/O
	connMu sync.Mutex
	conn   video.Capture
}

// NewStreamSource creates a stream source. WithOpener selects the backend.
func NewStreamSource(settings Settings, opts ...Option) *StreamSource {
	o := buildOptions(opts)
	s := &StreamSource{opener: o.opener}
	s.init(settings, KindVideo, o)
	if s.opener == nil {
		s.opener = video.NewMJPEGOpener(s.settings.Timeout)
	}
	return s
}

// Start opens the stream, validating each attempt with a test read, and
// launches the capture loop. Attempts are separated by RetryBackoff.
func (s *StreamSource) Start(ctx context.Context) error {
	runCtx, err := s.begin(s.release)
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

	conn, err := s.connect(startCtx, false)
	if err != nil {
		// abort cancels runCtx, so a Stop has to be detected before it
		stopped := runCtx.Err() != nil
		s.abort("start failed")
		if stopped {
			return ErrStopped
		}
		return fmt.Errorf("failed to start camera %s: %w", s.settings.CameraID, err)
	}

	s.setConn(conn)
	// closing the connection unblocks a Read in progress once the run ends
	context.AfterFunc(runCtx, s.release)
	if !s.launch(runCtx, s.captureLoop) {
		s.release()
		return ErrStopped
	}

	s.logger.Info("Camera started", "url", s.settings.URL)
	return nil
}

// Stop ends the capture loop and releases the connection. Safe to call
// repeatedly and on a source that never started.
func (s *StreamSource) Stop() {
	s.halt(s.release)
}

// connect tries up to ReconnectAttempts times. On reconnect the backoff also
// precedes the first attempt.
func (s *StreamSource) connect(ctx context.Context, reconnect bool) (video.Capture, error) {
	attempts := s.settings.ReconnectAttempts
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if reconnect || attempt > 1 {
			if !s.wait(ctx, RetryBackoff) {
				return nil, ctx.Err()
			}
		}

		conn, err := s.open(ctx)
		if err == nil {
			if reconnect || attempt > 1 {
				s.logger.Info("Camera connected", "attempt", attempt)
			}
			return conn, nil
		}
		lastErr = err
		s.logger.Warn("Connection attempt failed", "attempt", attempt, "max_attempts", attempts, "error", err)
	}

	return nil, fmt.Errorf("%w after %d attempts: %w", ErrConnectFailed, attempts, lastErr)
}

// open opens the endpoint and requires one decodable frame
func (s *StreamSource) open(ctx context.Context) (video.Capture, error) {
	conn, err := s.opener.Open(ctx, s.settings.URL)
	if err != nil {
		return nil, err
	}

	img, err := conn.Read()
	if err == nil && img == nil {
		err = video.ErrEmptyFrame
	}
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("test read failed: %w", err)
	}
	return conn, nil
}

func (s *StreamSource) captureLoop(ctx context.Context) {
	defer s.release()

	failures := 0
	for ctx.Err() == nil {
		conn := s.current()
		if conn == nil {
			return
		}

		img, err := conn.Read()
		if ctx.Err() != nil {
			return
		}
		if err == nil && img == nil {
			err = video.ErrEmptyFrame
		}

		if err != nil {
			failures++
			s.errors.Add(1)
			s.logger.Debug("Frame read failed", "consecutive_failures", failures, "error", err)

			if failures >= FailureThreshold {
				s.logger.Warn("Consecutive read failures, reconnecting", "failures", failures)
				if !s.reconnect(ctx) {
					return
				}
				failures = 0
				continue
			}
			if !s.wait(ctx, FailureBackoff) {
				return
			}
			continue
		}

		failures = 0
		s.publish(img)
	}
}

// reconnect replaces the connection. It returns false when the loop must exit.
func (s *StreamSource) reconnect(ctx context.Context) bool {
	s.setState(StateReconnecting, fmt.Sprintf("%d consecutive read failures", FailureThreshold))
	s.release()

	conn, err := s.connect(ctx, true)
	if err != nil {
		if ctx.Err() == nil {
			s.setState(StateFailed, err.Error())
		}
		return false
	}

	s.setConn(conn)
	s.reconnects.Add(1)
	s.setState(StateRunning, "reconnected")
	return true
}

func (s *StreamSource) current() video.Capture {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn
}

func (s *StreamSource) setConn(c video.Capture) {
	s.connMu.Lock()
	old := s.conn
	s.conn = c
	s.connMu.Unlock()

	if old != nil {
		_ = old.Close()
	}
}

// release closes the current connection, if any
func (s *StreamSource) release() {
	s.connMu.Lock()
	c := s.conn
	s.conn = nil
	s.connMu.Unlock()

	if c != nil {
		if err := c.Close(); err != nil {
			s.logger.Debug("Failed to close capture", "error", err)
		}
	}
}
