// Package history persists camera state transitions and health changes so
// operators can see what a camera did while nobody was watching.
package history

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Spatial-NVR/WagonWatch/internal/camera"
	"github.com/Spatial-NVR/WagonWatch/internal/database"
	"github.com/Spatial-NVR/WagonWatch/internal/eventbus"
)

const queueSize = 256

// Recorder writes notifications to the event store from a single worker.
// It can be used directly as a camera.Notifier or fed from the event bus.
type Recorder struct {
	store  *database.EventStore
	logger *slog.Logger

	events  chan camera.StateEvent
	reports chan camera.HealthReport
	dropped atomic.Uint64
	written atomic.Uint64

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewRecorder creates a recorder; call Start before notifying it
func NewRecorder(store *database.EventStore, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:   store,
		logger:  logger.With("component", "history"),
		events:  make(chan camera.StateEvent, queueSize),
		reports: make(chan camera.HealthReport, queueSize),
	}
}

// Start launches the writer
func (r *Recorder) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.started = true
	go r.run(ctx, r.done)
}

// Stop writes what is queued and ends the writer
func (r *Recorder) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.started = false
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Subscribe feeds the recorder from the bus instead of direct notification
func (r *Recorder) Subscribe(bus *eventbus.EventBus) error {
	if _, err := bus.SubscribeStates(r.CameraStateChanged); err != nil {
		return err
	}
	if _, err := bus.SubscribeHealth(r.HealthChanged); err != nil {
		return err
	}
	return nil
}

// CameraStateChanged implements camera.Notifier. It never blocks; events
// are dropped when the queue is full.
func (r *Recorder) CameraStateChanged(ev camera.StateEvent) {
	select {
	case r.events <- ev:
	default:
		r.dropped.Add(1)
	}
}

// HealthChanged implements camera.Notifier
func (r *Recorder) HealthChanged(report camera.HealthReport) {
	select {
	case r.reports <- report:
	default:
		r.dropped.Add(1)
	}
}

// Written returns how many records were stored
func (r *Recorder) Written() uint64 {
	return r.written.Load()
}

// Dropped returns how many notifications were lost to a full queue
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

func (r *Recorder) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case ev := <-r.events:
			r.writeEvent(ev)
		case report := <-r.reports:
			r.writeReport(report)
		case <-ctx.Done():
			r.drain()
			return
		}
	}
}

func (r *Recorder) drain() {
	for {
		select {
		case ev := <-r.events:
			r.writeEvent(ev)
		case report := <-r.reports:
			r.writeReport(report)
		default:
			return
		}
	}
}

func (r *Recorder) writeEvent(ev camera.StateEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	err := r.store.InsertCameraEvent(ctx, database.CameraEvent{
		ID:         uuid.NewString(),
		CameraID:   ev.CameraID,
		FromState:  string(ev.From),
		ToState:    string(ev.To),
		Reason:     ev.Reason,
		OccurredAt: at,
	})
	if err != nil {
		r.logger.Error("Failed to record camera event", "camera", ev.CameraID, "error", err)
		return
	}
	r.written.Add(1)
}

func (r *Recorder) writeReport(report camera.HealthReport) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	at := report.CheckedAt
	if at.IsZero() {
		at = time.Now()
	}
	err := r.store.InsertHealthRecord(ctx, database.HealthRecord{
		ID:        uuid.NewString(),
		Total:     report.Total,
		Healthy:   len(report.Healthy),
		Unhealthy: report.Unhealthy,
		Failed:    report.Failed,
		CheckedAt: at,
	})
	if err != nil {
		r.logger.Error("Failed to record health report", "error", err)
		return
	}
	r.written.Add(1)
}

var _ camera.Notifier = (*Recorder)(nil)
