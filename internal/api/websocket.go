package api

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"strategyengine/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// websocket streams strategy execution and circuit-breaker events live, so
// a dashboard doesn't have to poll /strategies for fill activity.
func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[WS] upgrade error: %v", err)
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	executed, unsubExecuted := s.Bus.Subscribe(events.EventStrategyExecuted, 100)
	breaker, unsubBreaker := s.Bus.Subscribe(events.EventCircuitBreakerHit, 100)
	snapshot, unsubSnapshot := s.Bus.Subscribe(events.EventBalanceSnapshotTaken, 100)
	defer unsubExecuted()
	defer unsubBreaker()
	defer unsubSnapshot()

	for {
		var msg any
		select {
		case m, ok := <-executed:
			if !ok {
				return
			}
			msg = gin.H{"event": "strategy.executed", "strategy_id": m}
		case m, ok := <-breaker:
			if !ok {
				return
			}
			msg = gin.H{"event": "strategy.circuit_breaker", "strategy_id": m}
		case m, ok := <-snapshot:
			if !ok {
				return
			}
			msg = gin.H{"event": "balance.snapshot", "user_id": m}
		}
		if err := conn.WriteJSON(msg); err != nil {
			log.Printf("[WS] write error: %v", err)
			return
		}
	}
}
