package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	jobStrategyWorker  = "strategy_worker"
	jobBalanceSnapshot = "balance_snapshot"
)

// jobsStatus reports whether the Strategy Worker's sweep loop and the
// Balance Snapshot Pipeline's scheduler are currently running.
func (s *Server) jobsStatus(c *gin.Context) {
	respond(c, http.StatusOK, "", gin.H{
		jobStrategyWorker:  gin.H{"running": s.Worker.Running()},
		jobBalanceSnapshot: gin.H{"running": s.Snapshot.Running()},
	})
}

type jobControlRequest struct {
	Job    string `json:"job" binding:"required"`
	Action string `json:"action" binding:"required"`
}

// jobsControl starts, stops, or restarts one of the two recurring jobs.
// The Strategy Worker's Start blocks, so it is always run in its own
// goroutine over context.Background(); the Snapshot Pipeline's
// Start schedules a cron entry and returns immediately.
func (s *Server) jobsControl(c *gin.Context) {
	var req jobControlRequest
	if err := c.BindJSON(&req); err != nil {
		respondValidation(c, "invalid request payload", nil)
		return
	}

	switch req.Job {
	case jobStrategyWorker:
		if err := s.controlWorker(req.Action); err != nil {
			respondValidation(c, err.Error(), nil)
			return
		}
	case jobBalanceSnapshot:
		if err := s.controlSnapshot(req.Action); err != nil {
			respondValidation(c, err.Error(), nil)
			return
		}
	default:
		respondValidation(c, "unknown job: "+req.Job, nil)
		return
	}
	respond(c, http.StatusOK, "job "+req.Action+"ed", nil)
}

func (s *Server) controlWorker(action string) error {
	switch action {
	case "start":
		if !s.Worker.Running() {
			go s.Worker.Start(context.Background())
		}
	case "stop":
		s.Worker.Stop()
	case "restart":
		s.Worker.Stop()
		go s.Worker.Start(context.Background())
	default:
		return fmt.Errorf("unknown action: %s", action)
	}
	return nil
}

func (s *Server) controlSnapshot(action string) error {
	switch action {
	case "start":
		return s.Snapshot.Start()
	case "stop":
		s.Snapshot.Stop()
	case "restart":
		s.Snapshot.Stop()
		return s.Snapshot.Start()
	default:
		return fmt.Errorf("unknown action: %s", action)
	}
	return nil
}

// jobsTrigger runs one job's unit of work immediately, outside its regular
// schedule, without altering whether it is started or stopped.
func (s *Server) jobsTrigger(c *gin.Context) {
	job := c.Param("job")
	switch job {
	case jobStrategyWorker:
		s.Worker.TriggerSweep(c.Request.Context())
	case jobBalanceSnapshot:
		s.Snapshot.Run(c.Request.Context())
	default:
		respondValidation(c, "unknown job: "+job, nil)
		return
	}
	respond(c, http.StatusOK, "job triggered", nil)
}
