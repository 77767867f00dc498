package monitor

import (
	"context"
	"log"
	"time"

	"strategyengine/internal/events"
)

// Monitor watches the event bus and emits alerts for conditions an
// operator should see immediately, distinct from the persisted,
// per-user notifications internal/notify writes.
type Monitor struct {
	Bus     *events.Bus
	AlertFn func(string)
}

func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil || m.AlertFn == nil {
		log.Println("[MONITOR] not fully configured; skipping")
		return
	}
	stream, unsub := m.Bus.Subscribe(events.EventCircuitBreakerHit, 50)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-stream:
				if !ok {
					return
				}
				m.AlertFn(formatAlert(msg))
			}
		}
	}()
}

func formatAlert(msg any) string {
	return "[" + time.Now().Format(time.RFC3339) + "] " + toString(msg)
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		return "alert triggered"
	}
}
