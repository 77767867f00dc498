package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) listPositions(c *gin.Context) {
	userID := CurrentUserID(c)
	positions, err := s.Ledger.ListByUser(c.Request.Context(), userID)
	if err != nil {
		respondServerError(c, err.Error())
		return
	}
	respond(c, http.StatusOK, "", positions)
}

func (s *Server) getPosition(c *gin.Context) {
	userID := CurrentUserID(c)
	id := c.Param("id")
	positions, err := s.Ledger.ListByUser(c.Request.Context(), userID)
	if err != nil {
		respondServerError(c, err.Error())
		return
	}
	for _, p := range positions {
		if p.ID == id {
			respond(c, http.StatusOK, "", p)
			return
		}
	}
	respondNotFound(c, "position not found")
}

type syncPositionRequest struct {
	ExchangeID     string  `json:"exchange_id" binding:"required"`
	Token          string  `json:"token" binding:"required"`
	ExchangeAmount float64 `json:"exchange_amount"`
}

// syncPosition reconciles the ledger's recorded amount against a caller
// (or periodic job)-reported exchange balance, the manual counterpart to
// the Order Orchestrator's own post-fill ledger updates.
func (s *Server) syncPosition(c *gin.Context) {
	userID := CurrentUserID(c)
	var req syncPositionRequest
	if err := c.BindJSON(&req); err != nil {
		respondValidation(c, "invalid request payload", nil)
		return
	}

	drift, err := s.Ledger.SyncFromExchange(c.Request.Context(), userID, req.ExchangeID, req.Token, req.ExchangeAmount)
	if err != nil {
		respondServerError(c, err.Error())
		return
	}
	respond(c, http.StatusOK, "position synced", gin.H{"drift": drift})
}
