package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strategyengine/internal/events"
	"strategyengine/internal/gatewaypool"
)

func TestHistogramComputesPercentiles(t *testing.T) {
	h := NewLatencyHistogram(10)
	for i := 1; i <= 10; i++ {
		h.Record(float64(i))
	}
	stats := h.Stats()
	assert.Equal(t, 10, stats.Count)
	assert.Equal(t, 1.0, stats.Min)
	assert.Equal(t, 10.0, stats.Max)
	assert.Equal(t, 6.0, stats.P50)
	assert.Equal(t, 10.0, stats.P95)
	assert.Equal(t, 10.0, stats.P99)
}

func TestSnapshotReflectsGatewayAndEngineGauges(t *testing.T) {
	m := NewSystemMetrics()
	m.SetGatewayPoolStats(gatewaypool.Stats{TotalGateways: 3, MaxSize: 8, UnhealthyCount: 1})
	m.SetEngineGauges(5, 2)
	m.IncrementStrategiesEvaluated()
	m.IncrementOrdersExecuted()
	m.IncrementTriggersFired()

	snap := m.GetSnapshot()
	assert.Equal(t, 3, snap.GatewayPool.TotalGateways)
	assert.Equal(t, 5, snap.ActiveStrategies)
	assert.Equal(t, 2, snap.ActiveWorkers)
	assert.Equal(t, uint64(1), snap.StrategiesEvaluated)
	assert.Equal(t, uint64(1), snap.OrdersExecuted)
	assert.Equal(t, uint64(1), snap.TriggersFired)
}

func TestMonitorForwardsCircuitBreakerAlerts(t *testing.T) {
	bus := events.NewBus()
	received := make(chan string, 1)
	m := &Monitor{Bus: bus, AlertFn: func(msg string) { received <- msg }}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	bus.Publish(events.EventCircuitBreakerHit, "strategy-123")

	select {
	case msg := <-received:
		assert.Contains(t, msg, "strategy-123")
	case <-time.After(time.Second):
		require.Fail(t, "expected alert to be forwarded")
	}
}
