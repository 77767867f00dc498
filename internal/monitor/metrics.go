// Package monitor collects in-process performance metrics: latency
// histograms for the hot paths (strategy evaluation, order orchestration,
// DB calls) plus point-in-time gauges for gateway pool occupancy and
// active strategy counts.
package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"strategyengine/internal/gatewaypool"
)

// SystemMetrics tracks overall system performance.
type SystemMetrics struct {
	mu sync.RWMutex

	// Latency histograms
	EvaluationLatency    *LatencyHistogram
	OrchestrationLatency *LatencyHistogram
	DBLatency            *LatencyHistogram
	APILatency           *LatencyHistogram

	// Counters
	strategiesEvaluated uint64
	ordersExecuted      uint64
	triggersFired       uint64
	errorsCount         uint64

	// Gateway pool & strategy engine gauges, refreshed periodically from main.
	gatewayStats    gatewaypool.Stats
	activeStrategies int
	activeWorkers    int

	lastUpdate time.Time
}

// LatencyHistogram tracks latency samples with a sliding window and lazy
// stats recomputation.
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
		EvaluationLatency:    NewLatencyHistogram(1000),
		OrchestrationLatency: NewLatencyHistogram(1000),
		DBLatency:            NewLatencyHistogram(1000),
		APILatency:           NewLatencyHistogram(1000),
		lastUpdate:           time.Now(),
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

// Stats returns min, max, avg, p50, p95, p99. Recomputes lazily, only
// when samples have changed since the last call.
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
	min, max := sorted[0], sorted[n-1]
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   min,
		Max:   max,
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

// IncrementStrategiesEvaluated increments the per-sweep evaluation counter.
func (m *SystemMetrics) IncrementStrategiesEvaluated() {
	atomic.AddUint64(&m.strategiesEvaluated, 1)
}

// IncrementOrdersExecuted increments the orchestrator's fill counter.
func (m *SystemMetrics) IncrementOrdersExecuted() {
	atomic.AddUint64(&m.ordersExecuted, 1)
}

// IncrementTriggersFired increments the count of decisions where
// ShouldTrigger was true, whether or not the order ultimately executed.
func (m *SystemMetrics) IncrementTriggersFired() {
	atomic.AddUint64(&m.triggersFired, 1)
}

// IncrementErrors increments the error counter.
func (m *SystemMetrics) IncrementErrors() {
	atomic.AddUint64(&m.errorsCount, 1)
}

// MetricsSnapshot is a point-in-time rendering of SystemMetrics.
type MetricsSnapshot struct {
	EvaluationLatency    LatencyStats     `json:"evaluation_latency"`
	OrchestrationLatency LatencyStats     `json:"orchestration_latency"`
	DBLatency            LatencyStats     `json:"db_latency"`
	APILatency           LatencyStats     `json:"api_latency"`
	StrategiesEvaluated  uint64           `json:"strategies_evaluated"`
	OrdersExecuted       uint64           `json:"orders_executed"`
	TriggersFired        uint64           `json:"triggers_fired"`
	ErrorsCount          uint64           `json:"errors_count"`
	GatewayPool          gatewaypool.Stats `json:"gateway_pool"`
	ActiveStrategies     int              `json:"active_strategies"`
	ActiveWorkers        int              `json:"active_workers"`
	GoroutineCount       int              `json:"goroutine_count"`
	HeapAlloc            uint64           `json:"heap_alloc_bytes"`
	HeapSys              uint64           `json:"heap_sys_bytes"`
	Timestamp            time.Time        `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.RLock()
	gwStats := m.gatewayStats
	activeStrategies := m.activeStrategies
	activeWorkers := m.activeWorkers
	m.mu.RUnlock()

	return MetricsSnapshot{
		EvaluationLatency:    m.EvaluationLatency.Stats(),
		OrchestrationLatency: m.OrchestrationLatency.Stats(),
		DBLatency:            m.DBLatency.Stats(),
		APILatency:           m.APILatency.Stats(),
		StrategiesEvaluated:  atomic.LoadUint64(&m.strategiesEvaluated),
		OrdersExecuted:       atomic.LoadUint64(&m.ordersExecuted),
		TriggersFired:        atomic.LoadUint64(&m.triggersFired),
		ErrorsCount:          atomic.LoadUint64(&m.errorsCount),
		GatewayPool:          gwStats,
		ActiveStrategies:     activeStrategies,
		ActiveWorkers:        activeWorkers,
		GoroutineCount:       runtime.NumGoroutine(),
		HeapAlloc:            memStats.HeapAlloc,
		HeapSys:              memStats.HeapSys,
		Timestamp:            time.Now(),
	}
}

// SetGatewayPoolStats updates the cached gateway pool occupancy gauge.
func (m *SystemMetrics) SetGatewayPoolStats(stats gatewaypool.Stats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gatewayStats = stats
}

// SetEngineGauges updates the active-strategy and active-worker gauges.
func (m *SystemMetrics) SetEngineGauges(activeStrategies, activeWorkers int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeStrategies = activeStrategies
	m.activeWorkers = activeWorkers
}

// Timer measures an operation's duration and records it to a histogram
// on Stop.
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

// Stop records elapsed time to the histogram and returns it.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
