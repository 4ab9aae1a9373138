package camera

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"k8s.io/utils/clock"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/Spatial-NVR/WagonWatch/internal/video"
)

var errTestRead = errors.New("simulated read failure")

func testImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{B: 200, A: 255})
		}
	}
	return img
}

// fakeCapture returns good frames for its first good reads (all of them when
// good < 0), then either fails every read or blocks until closed.
type fakeCapture struct {
	img   image.Image
	good  int
	block bool

	mu     sync.Mutex
	reads  int
	closed chan struct{}
	once   sync.Once
}

func newFakeCapture(good int, block bool) *fakeCapture {
	return &fakeCapture{
		img:    testImage(16, 12),
		good:   good,
		block:  block,
		closed: make(chan struct{}),
	}
}

func (c *fakeCapture) Read() (image.Image, error) {
	select {
	case <-c.closed:
		return nil, video.ErrCaptureClosed
	default:
	}

	c.mu.Lock()
	c.reads++
	n := c.reads
	c.mu.Unlock()

	if c.good < 0 || n <= c.good {
		time.Sleep(time.Millisecond)
		return c.img, nil
	}
	if c.block {
		<-c.closed
		return nil, video.ErrCaptureClosed
	}
	return nil, errTestRead
}

func (c *fakeCapture) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeCapture) Reads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}

func (c *fakeCapture) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// fakeOpener records every Open call with the clock time it happened at.
// open decides the outcome from the url and the zero-based call number.
type fakeOpener struct {
	clock clock.Clock
	open  func(url string, n int) (video.Capture, error)

	mu    sync.Mutex
	calls map[string][]time.Time
}

func newFakeOpener(c clock.Clock, open func(url string, n int) (video.Capture, error)) *fakeOpener {
	return &fakeOpener{clock: c, open: open, calls: make(map[string][]time.Time)}
}

func (o *fakeOpener) Open(ctx context.Context, url string) (video.Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o.mu.Lock()
	n := len(o.calls[url])
	o.calls[url] = append(o.calls[url], o.clock.Now())
	o.mu.Unlock()
	return o.open(url, n)
}

func (o *fakeOpener) Calls(url string) []time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]time.Time(nil), o.calls[url]...)
}

// recorder collects notifications
type recorder struct {
	mu      sync.Mutex
	events  []StateEvent
	reports []HealthReport
}

func (r *recorder) CameraStateChanged(ev StateEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) HealthChanged(report HealthReport) {
	r.mu.Lock()
	r.reports = append(r.reports, report)
	r.mu.Unlock()
}

func (r *recorder) States() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	states := make([]State, 0, len(r.events))
	for _, ev := range r.events {
		states = append(states, ev.To)
	}
	return states
}

func (r *recorder) Reports() []HealthReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]HealthReport(nil), r.reports...)
}

// autoStep advances the fake clock whenever something waits on it, so
// backoffs elapse instantly while their lengths stay measurable.
func autoStep(t *testing.T, fc *testingclock.FakeClock, step time.Duration) {
	t.Helper()
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for {
			select {
			case <-done:
				return
			default:
			}
			if fc.HasWaiters() {
				fc.Step(step)
			}
			time.Sleep(100 * time.Microsecond)
		}
	}()
	t.Cleanup(func() {
		close(done)
		<-finished
	})
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func containsState(states []State, want State) bool {
	for _, s := range states {
		if s == want {
			return true
		}
	}
	return false
}
