// Package eventbus runs an embedded NATS server and publishes camera state
// transitions and health reports on it.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/Spatial-NVR/WagonWatch/internal/camera"
)

// Subjects
const (
	SubjectCameraStatePrefix = "cameras."
	SubjectCameraStateAll    = "cameras.*.state"
	SubjectCameraHealth      = "cameras.health"
)

// DefaultPort is the standard NATS client port
const DefaultPort = 4222

// SubjectCameraState returns the state subject of one camera
func SubjectCameraState(cameraID string) string {
	return SubjectCameraStatePrefix + cameraID + ".state"
}

// Config configures the event bus
type Config struct {
	Host string
	// Port of the NATS listener. -1 picks a free port.
	Port int
}

// EventBus is an embedded NATS server with a client connection to it
type EventBus struct {
	server *server.Server
	conn   *nats.Conn
	logger *slog.Logger

	subsMu sync.Mutex
	subs   []*nats.Subscription
}

// New starts the embedded server and connects to it
func New(cfg Config, logger *slog.Logger) (*EventBus, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if logger == nil {
		logger = slog.Default()
	}

	ns, err := server.NewServer(&server.Options{
		Host:   cfg.Host,
		Port:   cfg.Port,
		NoSigs: true,
		NoLog:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(2 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server not ready after 2 seconds (%s:%d)", cfg.Host, cfg.Port)
	}

	nc, err := nats.Connect(ns.ClientURL(), nats.Name("wagonwatch"))
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("failed to connect to embedded NATS: %w", err)
	}

	eb := &EventBus{
		server: ns,
		conn:   nc,
		logger: logger.With("component", "eventbus"),
	}
	eb.logger.Info("Event bus started", "url", ns.ClientURL())
	return eb, nil
}

// Publish marshals data as JSON and publishes it
func (eb *EventBus) Publish(subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	return eb.conn.Publish(subject, payload)
}

// Subscribe registers handler for subject until the bus stops
func (eb *EventBus) Subscribe(subject string, handler func(*nats.Msg)) (*nats.Subscription, error) {
	sub, err := eb.conn.Subscribe(subject, handler)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	eb.subsMu.Lock()
	eb.subs = append(eb.subs, sub)
	eb.subsMu.Unlock()
	return sub, nil
}

// SubscribeStates delivers every camera state transition
func (eb *EventBus) SubscribeStates(handler func(camera.StateEvent)) (*nats.Subscription, error) {
	return eb.Subscribe(SubjectCameraStateAll, func(msg *nats.Msg) {
		var ev camera.StateEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			eb.logger.Error("Failed to unmarshal state event", "subject", msg.Subject, "error", err)
			return
		}
		handler(ev)
	})
}

// SubscribeHealth delivers every health report
func (eb *EventBus) SubscribeHealth(handler func(camera.HealthReport)) (*nats.Subscription, error) {
	return eb.Subscribe(SubjectCameraHealth, func(msg *nats.Msg) {
		var report camera.HealthReport
		if err := json.Unmarshal(msg.Data, &report); err != nil {
			eb.logger.Error("Failed to unmarshal health report", "error", err)
			return
		}
		handler(report)
	})
}

// CameraStateChanged implements camera.Notifier
func (eb *EventBus) CameraStateChanged(ev camera.StateEvent) {
	if err := eb.Publish(SubjectCameraState(ev.CameraID), ev); err != nil {
		eb.logger.Warn("Failed to publish state event", "camera", ev.CameraID, "error", err)
	}
}

// HealthChanged implements camera.Notifier
func (eb *EventBus) HealthChanged(report camera.HealthReport) {
	if err := eb.Publish(SubjectCameraHealth, report); err != nil {
		eb.logger.Warn("Failed to publish health report", "error", err)
	}
}

// Flush waits until the server has processed everything published so far
func (eb *EventBus) Flush(timeout time.Duration) error {
	return eb.conn.FlushTimeout(timeout)
}

// HealthCheck verifies the client connection with a round trip
func (eb *EventBus) HealthCheck(ctx context.Context) error {
	if !eb.conn.IsConnected() {
		return errors.New("NATS connection not active")
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
	}
	if err := eb.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("NATS round trip failed: %w", err)
	}
	return nil
}

// Stop drains the subscriptions and shuts the server down
func (eb *EventBus) Stop() {
	eb.subsMu.Lock()
	for _, sub := range eb.subs {
		_ = sub.Unsubscribe()
	}
	eb.subs = nil
	eb.subsMu.Unlock()

	_ = eb.conn.Drain()
	eb.server.Shutdown()
	eb.logger.Info("Event bus stopped")
}

var _ camera.Notifier = (*EventBus)(nil)
