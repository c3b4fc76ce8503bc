// Package monitor keeps runtime metrics and raises alerts on repeated
// tick failures.
package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SystemMetrics tracks overall engine performance.
type SystemMetrics struct {
	// Latency histograms
	TickLatency  *LatencyHistogram
	FetchLatency *LatencyHistogram
	OrderLatency *LatencyHistogram
	APILatency   *LatencyHistogram

	apiRequests      atomic.Uint64
	apiErrors        atomic.Uint64
	ticksProcessed   atomic.Uint64
	tickFailures     atomic.Uint64
	tickPanics       atomic.Uint64
	signalsGenerated atomic.Uint64
	ordersOpened     atomic.Uint64
	ordersClosed     atomic.Uint64
	riskRejections   atomic.Uint64
	leaseSkips       atomic.Uint64

	started time.Time
}

// LatencyHistogram tracks latency samples with sliding window.
// Stats are computed lazily and cached until the next sample.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewSystemMetrics creates a new metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		TickLatency:  NewLatencyHistogram(1000),
		FetchLatency: NewLatencyHistogram(1000),
		OrderLatency: NewLatencyHistogram(1000),
		APILatency:   NewLatencyHistogram(1000),
		started:      time.Now(),
	}
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

func (m *SystemMetrics) IncrementAPI()               { m.apiRequests.Add(1) }
func (m *SystemMetrics) IncrementAPIErrors()         { m.apiErrors.Add(1) }
func (m *SystemMetrics) IncrementTicks()             { m.ticksProcessed.Add(1) }
func (m *SystemMetrics) IncrementTickFailures()      { m.tickFailures.Add(1) }
func (m *SystemMetrics) IncrementTickPanics()        { m.tickPanics.Add(1) }
func (m *SystemMetrics) IncrementSignals()           { m.signalsGenerated.Add(1) }
func (m *SystemMetrics) IncrementOrdersOpened()      { m.ordersOpened.Add(1) }
func (m *SystemMetrics) IncrementOrdersClosed(n int) { m.ordersClosed.Add(uint64(n)) }
func (m *SystemMetrics) IncrementRejections()        { m.riskRejections.Add(1) }
func (m *SystemMetrics) IncrementLeaseSkips()        { m.leaseSkips.Add(1) }

// MetricsSnapshot is a point-in-time view of the counters.
type MetricsSnapshot struct {
	TickLatency      LatencyStats `json:"tick_latency"`
	FetchLatency     LatencyStats `json:"fetch_latency"`
	OrderLatency     LatencyStats `json:"order_latency"`
	APILatency       LatencyStats `json:"api_latency"`
	APIRequests      uint64       `json:"api_requests"`
	APIErrors        uint64       `json:"api_errors"`
	TicksProcessed   uint64       `json:"ticks_processed"`
	TickFailures     uint64       `json:"tick_failures"`
	TickPanics       uint64       `json:"tick_panics"`
	SignalsGenerated uint64       `json:"signals_generated"`
	OrdersOpened     uint64       `json:"orders_opened"`
	OrdersClosed     uint64       `json:"orders_closed"`
	RiskRejections   uint64       `json:"risk_rejections"`
	LeaseSkips       uint64       `json:"lease_skips"`
	GoroutineCount   int          `json:"goroutine_count"`
	HeapAlloc        uint64       `json:"heap_alloc_bytes"`
	HeapSys          uint64       `json:"heap_sys_bytes"`
	Uptime           string       `json:"uptime"`
	Timestamp        time.Time    `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return MetricsSnapshot{
		TickLatency:      m.TickLatency.Stats(),
		FetchLatency:     m.FetchLatency.Stats(),
		OrderLatency:     m.OrderLatency.Stats(),
		APILatency:       m.APILatency.Stats(),
		APIRequests:      m.apiRequests.Load(),
		APIErrors:        m.apiErrors.Load(),
		TicksProcessed:   m.ticksProcessed.Load(),
		TickFailures:     m.tickFailures.Load(),
		TickPanics:       m.tickPanics.Load(),
		SignalsGenerated: m.signalsGenerated.Load(),
		OrdersOpened:     m.ordersOpened.Load(),
		OrdersClosed:     m.ordersClosed.Load(),
		RiskRejections:   m.riskRejections.Load(),
		LeaseSkips:       m.leaseSkips.Load(),
		GoroutineCount:   runtime.NumGoroutine(),
		HeapAlloc:        memStats.HeapAlloc,
		HeapSys:          memStats.HeapSys,
		Uptime:           time.Since(m.started).Round(time.Second).String(),
		Timestamp:        time.Now(),
	}
}

// Timer helps measure operation duration.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer creates a timer that records to the given histogram.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{
		start:     time.Now(),
		histogram: h,
	}
}

// Stop records elapsed time to histogram.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
