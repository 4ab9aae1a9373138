package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hybridgroup/mjpeg"

	"github.com/Spatial-NVR/WagonWatch/internal/camera"
	"github.com/Spatial-NVR/WagonWatch/internal/video"
)

// DefaultLiveInterval is how often live feeds look for a new frame
const DefaultLiveInterval = 100 * time.Millisecond

// joinRefreshTicks is how many ticks the current frame is re-sent after a
// viewer joins, so the new viewer gets a picture from a still camera.
const joinRefreshTicks = 5

// LiveFeeds serves MJPEG live views. One feed per camera is shared by all
// of its viewers and runs only while someone is watching.
//
// mjpeg.Stream reuses one frame buffer for every update, so a frame is only
// pushed when the camera produced a new one, plus the short refreshes above
// and while a viewer is leaving.
type LiveFeeds struct {
	registry *camera.Registry
	interval time.Duration
	quality  int
	logger   *slog.Logger

	mu    sync.Mutex
	feeds map[string]*liveFeed
}

type liveFeed struct {
	stream  *mjpeg.Stream
	viewers int
	cancel  context.CancelFunc

	refresh atomic.Int32
	// leaving counts viewers whose request ended but whose handler is still
	// blocked waiting for a frame
	leaving atomic.Int32
}

// NewLiveFeeds creates the live view server for a registry
func NewLiveFeeds(registry *camera.Registry, interval time.Duration, logger *slog.Logger) *LiveFeeds {
	if interval <= 0 {
		interval = DefaultLiveInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LiveFeeds{
		registry: registry,
		interval: interval,
		quality:  video.DefaultJPEGQuality,
		logger:   logger.With("component", "live"),
		feeds:    make(map[string]*liveFeed),
	}
}

// Serve streams one camera until the client goes away
func (l *LiveFeeds) Serve(w http.ResponseWriter, r *http.Request, cameraID string) {
	feed := l.join(cameraID)
	defer l.leave(cameraID)

	// the handler only notices a closed connection when a write fails
	var left atomic.Bool
	stop := context.AfterFunc(r.Context(), func() {
		if left.CompareAndSwap(false, true) {
			feed.leaving.Add(1)
		}
	})

	l.logger.Debug("Live viewer joined", "camera", cameraID)
	feed.stream.ServeHTTP(w, r)
	stop()
	if !left.CompareAndSwap(false, true) {
		feed.leaving.Add(-1)
	}
	l.logger.Debug("Live viewer left", "camera", cameraID)
}

// Viewers returns the number of clients watching a camera
func (l *LiveFeeds) Viewers(cameraID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if feed, ok := l.feeds[cameraID]; ok {
		return feed.viewers
	}
	return 0
}

func (l *LiveFeeds) join(cameraID string) *liveFeed {
	l.mu.Lock()
	defer l.mu.Unlock()

	feed, ok := l.feeds[cameraID]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		stream := mjpeg.NewStream()
		// pacing comes from push
		stream.FrameInterval = 0
		feed = &liveFeed{stream: stream, cancel: cancel}
		l.feeds[cameraID] = feed
		go l.push(ctx, cameraID, feed, stream.UpdateJPEG)
	}
	feed.viewers++
	feed.refresh.Store(joinRefreshTicks)
	return feed
}

func (l *LiveFeeds) leave(cameraID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	feed, ok := l.feeds[cameraID]
	if !ok {
		return
	}
	feed.viewers--
	if feed.viewers <= 0 {
		feed.cancel()
		delete(l.feeds, cameraID)
	}
}

// push checks the camera every interval and calls update when it has a new
// frame, during a join refresh, or while a viewer is leaving.
func (l *LiveFeeds) push(ctx context.Context, cameraID string, feed *liveFeed, update func([]byte)) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	var (
		lastSeq uint64
		jpeg    []byte
	)
	for {
		fresh := false
		if src, ok := l.registry.Source(cameraID); ok {
			if frame := src.Peek(); frame != nil && (jpeg == nil || frame.Seq != lastSeq) {
				data, err := frame.JPEG(l.quality)
				if err != nil {
					l.logger.Warn("Failed to encode live frame", "camera", cameraID, "error", err)
				} else {
					jpeg, lastSeq, fresh = data, frame.Seq, true
				}
			}
		}

		refresh := feed.refresh.Load() > 0
		if refresh {
			feed.refresh.Add(-1)
		}
		if jpeg != nil && (fresh || refresh || feed.leaving.Load() > 0) {
			update(jpeg)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
