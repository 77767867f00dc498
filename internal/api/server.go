// Package api exposes the strategy engine over HTTP with gin: JWT-protected
// CRUD over strategies/positions/orders/exchanges, job control, and a
// websocket stream of execution events.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"strategyengine/internal/events"
	"strategyengine/internal/gatewaypool"
	"strategyengine/internal/ledger"
	"strategyengine/internal/monitor"
	"strategyengine/internal/orchestrator"
	"strategyengine/internal/snapshot"
	"strategyengine/internal/strategy"
	"strategyengine/internal/vault"
	"strategyengine/internal/worker"
	"strategyengine/pkg/db"
)

// Server wires HTTP endpoints around the strategy engine's components.
type Server struct {
	Router       *gin.Engine
	Bus          *events.Bus
	DB           *db.Database
	Vault        *vault.Vault
	Ledger       *ledger.Ledger
	Store        *strategy.Store
	Pool         *gatewaypool.Pool
	Orchestrator *orchestrator.Orchestrator
	Worker       *worker.Worker
	Snapshot     *snapshot.Pipeline
	Metrics      *monitor.SystemMetrics
	JWTSecret    string
	Meta         SystemMeta
}

// SystemMeta describes runtime status exposed to the UI.
type SystemMeta struct {
	DryRun  bool
	Version string
}

// Config bundles every dependency NewServer needs, since the list grew
// past what's comfortable as positional parameters.
type Config struct {
	Bus          *events.Bus
	DB           *db.Database
	Vault        *vault.Vault
	Ledger       *ledger.Ledger
	Store        *strategy.Store
	Pool         *gatewaypool.Pool
	Orchestrator *orchestrator.Orchestrator
	Worker       *worker.Worker
	Snapshot     *snapshot.Pipeline
	Metrics      *monitor.SystemMetrics
	JWTSecret    string
	Meta         SystemMeta
}

func NewServer(cfg Config) *Server {
	r := gin.New()

	s := &Server{
		Router:       r,
		Bus:          cfg.Bus,
		DB:           cfg.DB,
		Vault:        cfg.Vault,
		Ledger:       cfg.Ledger,
		Store:        cfg.Store,
		Pool:         cfg.Pool,
		Orchestrator: cfg.Orchestrator,
		Worker:       cfg.Worker,
		Snapshot:     cfg.Snapshot,
		Metrics:      cfg.Metrics,
		JWTSecret:    cfg.JWTSecret,
		Meta:         cfg.Meta,
	}

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(s.Metrics))
	r.Use(RateLimitMiddleware())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api/v1")
	{
		api.GET("/metrics", s.getMetrics)

		auth := api.Group("/auth")
		{
			auth.POST("/register", s.registerUser)
			auth.POST("/login", s.loginUser)
		}

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.POST("/strategies", s.createStrategy)
			protected.GET("/strategies", s.listStrategies)
			protected.GET("/strategies/:id", s.getStrategy)
			protected.PUT("/strategies/:id", s.updateStrategy)
			protected.DELETE("/strategies/:id", s.deleteStrategy)
			protected.POST("/strategies/:id/check", s.checkStrategy)
			protected.POST("/strategies/:id/pause", s.pauseStrategy)
			protected.POST("/strategies/:id/resume", s.resumeStrategy)

			protected.GET("/positions", s.listPositions)
			protected.GET("/positions/:id", s.getPosition)
			protected.POST("/positions/sync", s.syncPosition)

			protected.POST("/orders/buy", s.manualBuy)
			protected.POST("/orders/sell", s.manualSell)

			protected.GET("/jobs/status", s.jobsStatus)
			protected.POST("/jobs/control", s.jobsControl)
			protected.POST("/jobs/trigger/:job", s.jobsTrigger)

			protected.POST("/exchanges/link", s.exchangeLink)
			protected.DELETE("/exchanges/unlink", s.exchangeUnlink)
			protected.POST("/exchanges/disconnect", s.exchangeDisconnect)
			protected.POST("/exchanges/connect", s.exchangeConnect)
			protected.DELETE("/exchanges/delete", s.exchangeDelete)
			protected.GET("/exchanges", s.listLinkedExchanges)

			protected.GET("/balance", s.getBalanceHistory)

			protected.GET("/notifications", s.listNotifications)
			protected.POST("/notifications/:id/read", s.markNotificationRead)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	respond(c, http.StatusOK, "ok", gin.H{"status": "ok"})
}

func (s *Server) getMetrics(c *gin.Context) {
	if s.Metrics == nil {
		respond(c, http.StatusOK, "", nil)
		return
	}
	respond(c, http.StatusOK, "", s.Metrics.GetSnapshot())
}

// Start runs the HTTP server on addr, blocking until it exits.
func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
