package camera

import (
	"context"
	"slices"
	"time"
)

// DefaultHealthInterval is how often Monitor checks the registry
const DefaultHealthInterval = 5 * time.Second

// HealthReport summarises the health of the active cameras
type HealthReport struct {
	Total     int       `json:"total"`
	Healthy   []string  `json:"healthy"`
	Unhealthy []string  `json:"unhealthy"`
	Failed    []string  `json:"failed"`
	CheckedAt time.Time `json:"checked_at"`
}

// AllHealthy reports whether every active camera is healthy
func (h HealthReport) AllHealthy() bool {
	return h.Total > 0 && len(h.Unhealthy) == 0
}

// sameCameras compares the camera lists, ignoring CheckedAt
func (h HealthReport) sameCameras(o HealthReport) bool {
	return h.Total == o.Total &&
		slices.Equal(h.Healthy, o.Healthy) &&
		slices.Equal(h.Unhealthy, o.Unhealthy) &&
		slices.Equal(h.Failed, o.Failed)
}

// Health checks every active camera against maxStaleness. Failed lists
// active sources whose capture loop gave up; they also count as unhealthy.
func (r *Registry) Health(maxStaleness time.Duration) HealthReport {
	report := HealthReport{
		Healthy:   []string{},
		Unhealthy: []string{},
		Failed:    []string{},
		CheckedAt: r.clock.Now(),
	}

	sources := r.snapshot()
	report.Total = len(sources)
	for _, id := range sortedKeys(sources) {
		src := sources[id]
		if src.IsHealthy(maxStaleness) {
			report.Healthy = append(report.Healthy, id)
			continue
		}
		report.Unhealthy = append(report.Unhealthy, id)
		if src.State() == StateFailed {
			report.Failed = append(report.Failed, id)
		}
	}
	return report
}

// CheckHealth runs Health and notifies when the result differs from the
// previous check. It returns the report and whether it changed.
func (r *Registry) CheckHealth(maxStaleness time.Duration) (HealthReport, bool) {
	report := r.Health(maxStaleness)

	r.healthMu.Lock()
	changed := r.lastHealth == nil || !r.lastHealth.sameCameras(report)
	r.lastHealth = &report
	r.healthMu.Unlock()

	if changed {
		if len(report.Unhealthy) > 0 {
			r.logger.Warn("Camera health changed", "healthy", len(report.Healthy), "unhealthy", report.Unhealthy, "failed", report.Failed)
		} else {
			r.logger.Info("Camera health changed", "healthy", len(report.Healthy))
		}
		if r.notifier != nil {
			r.notifier.HealthChanged(report)
		}
	}
	return report, changed
}

// Monitor runs CheckHealth every interval until ctx is done
func (r *Registry) Monitor(ctx context.Context, interval, maxStaleness time.Duration) {
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			r.CheckHealth(maxStaleness)
		}
	}
}
