package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	exchange "strategyengine/pkg/exchange/common"
)

type manualOrderRequest struct {
	ExchangeID string  `json:"exchange_id" binding:"required"`
	Token      string  `json:"token" binding:"required"`
	Quantity   float64 `json:"quantity" binding:"required,gt=0"`
}

// manualBuy and manualSell submit a user-directed order through the same
// Order Orchestrator path a triggered strategy uses, skipping the Trigger
// Evaluator and the strategy tracking document entirely.
func (s *Server) manualBuy(c *gin.Context) {
	s.manualOrder(c, exchange.SideBuy)
}

func (s *Server) manualSell(c *gin.Context) {
	s.manualOrder(c, exchange.SideSell)
}

func (s *Server) manualOrder(c *gin.Context, side exchange.Side) {
	userID := CurrentUserID(c)
	var req manualOrderRequest
	if err := c.BindJSON(&req); err != nil {
		respondValidation(c, "invalid request payload", nil)
		return
	}

	res, err := s.Orchestrator.ExecuteManual(c.Request.Context(), userID, req.ExchangeID, req.Token, side, req.Quantity)
	if err != nil {
		respondUpstreamError(c, err.Error())
		return
	}
	respond(c, http.StatusOK, "order submitted", res)
}
