package engine

import (
	"time"

	"signal-core/internal/monitor"
	"signal-core/internal/persistence"
	"signal-core/internal/ratelimit"
	"signal-core/internal/reconciliation"
	"signal-core/internal/risk"
)

// CapitalInfo is the capital tracker state with derived ratios.
type CapitalInfo struct {
	risk.CapitalState
	Drawdown float64 `json:"drawdown"`
	WinRate  float64 `json:"win_rate"`
}

// RateLimitInfo describes the shared upstream bucket.
type RateLimitInfo struct {
	ratelimit.State
	Stats ratelimit.Stats `json:"stats"`
}

// MetricsInfo aggregates the runtime counters of every component.
type MetricsInfo struct {
	System        monitor.MetricsSnapshot        `json:"system"`
	Gate          risk.GateMetrics               `json:"risk_gate"`
	Writer        persistence.BatchWriterMetrics `json:"batch_writer"`
	Reconcile     *reconciliation.Report         `json:"last_reconciliation,omitempty"`
	EventsDropped uint64                         `json:"events_dropped"`
}

// SystemStatus represents the system runtime status.
type SystemStatus struct {
	Mode       string    `json:"mode"`
	WorkerID   string    `json:"worker_id"`
	Pairs      []string  `json:"pairs"`
	Timeframe  string    `json:"timeframe"`
	Running    bool      `json:"running"`
	Store      string    `json:"store"`
	Version    string    `json:"version"`
	ServerTime time.Time `json:"server_time"`
}

// Meta is the static part of SystemStatus.
type Meta struct {
	Mode      string
	WorkerID  string
	Pairs     []string
	Timeframe time.Duration
	Store     string
	Version   string
}
