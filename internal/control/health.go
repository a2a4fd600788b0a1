package control

import (
	"context"
	"time"
)

// SystemStatus is the overall state of the layer.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// queueHighWater is the fill ratio above which the queue counts as degraded.
const queueHighWater = 0.8

// NetworkHealth describes connectivity as seen by the monitor.
type NetworkHealth struct {
	Online bool    `json:"online"`
	Band   string  `json:"band"`
	Kbps   float64 `json:"kbps"`
}

// QueueHealth describes the request queue.
type QueueHealth struct {
	Size         int  `json:"size"`
	Capacity     int  `json:"capacity"`
	IsProcessing bool `json:"is_processing"`
}

// SessionHealth describes the stored credential pair without exposing it.
type SessionHealth struct {
	Present          bool       `json:"present"`
	AccessExpiresAt  *time.Time `json:"access_expires_at,omitempty"`
	RefreshExpiresAt *time.Time `json:"refresh_expires_at,omitempty"`
	Error            string     `json:"error,omitempty"`
}

// HealthReport is the full report served on /health/detailed.
type HealthReport struct {
	Status  SystemStatus  `json:"status"`
	Network NetworkHealth `json:"network"`
	Queue   QueueHealth   `json:"queue"`
	Session SessionHealth `json:"session"`
}

// CheckHealth collects the current state of every component.
// A store that cannot be read is critical; being offline, signed out or
// close to queue capacity is degraded.
func (a *App) CheckHealth(ctx context.Context) HealthReport {
	qs := a.queue.Status()
	report := HealthReport{
		Status: StatusHealthy,
		Network: NetworkHealth{
			Online: a.monitor.IsOnline(),
			Band:   a.monitor.CurrentBand().String(),
			Kbps:   a.monitor.EstimateKbps(),
		},
		Queue: QueueHealth{
			Size:         qs.Size,
			Capacity:     a.cfg.Queue.Capacity,
			IsProcessing: qs.IsProcessing,
		},
	}

	pair, err := a.sessions.Current(ctx)
	switch {
	case err != nil:
		report.Session.Error = err.Error()
		report.Status = StatusCritical
		return report
	case pair != nil:
		report.Session.Present = true
		report.Session.AccessExpiresAt = &pair.AccessExpiresAt
		report.Session.RefreshExpiresAt = &pair.RefreshExpiresAt
	}

	if !report.Network.Online || !report.Session.Present {
		report.Status = StatusDegraded
	}
	if c := report.Queue.Capacity; c > 0 && float64(qs.Size) >= float64(c)*queueHighWater {
		report.Status = StatusDegraded
	}
	return report
}
