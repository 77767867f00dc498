package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"strategyengine/internal/strategy"
	"strategyengine/internal/strategy/evaluator"
	"strategyengine/pkg/db"
)

type createStrategyRequest struct {
	ExchangeID string `json:"exchange_id" binding:"required"`
	Token      string `json:"token" binding:"required"`
	IsActive   bool   `json:"is_active"`

	Template string   `json:"template"`
	Rules    *db.Rules `json:"rules"`

	TakeProfitPercent *float64 `json:"take_profit_percent"`
	StopLossPercent   *float64 `json:"stop_loss_percent"`
	BuyDipPercent     *float64 `json:"buy_dip_percent"`
}

func (s *Server) createStrategy(c *gin.Context) {
	userID := CurrentUserID(c)
	var req createStrategyRequest
	if err := c.BindJSON(&req); err != nil {
		respondValidation(c, "invalid request payload", nil)
		return
	}

	in := strategy.CreateInput{
		UserID:     userID,
		ExchangeID: req.ExchangeID,
		Token:      req.Token,
		IsActive:   req.IsActive,
		Template:   req.Template,
		Rules:      req.Rules,
	}
	if req.TakeProfitPercent != nil || req.StopLossPercent != nil || req.BuyDipPercent != nil {
		in.Legacy = &strategy.LegacyRules{
			TakeProfitPercent: req.TakeProfitPercent,
			StopLossPercent:   req.StopLossPercent,
			BuyDipPercent:     req.BuyDipPercent,
		}
	}

	strat, err := s.Store.Create(c.Request.Context(), in)
	if err != nil {
		if errors.Is(err, strategy.ErrAlreadyExists) {
			respondConflict(c, err.Error())
			return
		}
		respondValidation(c, err.Error(), nil)
		return
	}
	respond(c, http.StatusCreated, "strategy created", strat)
}

func (s *Server) listStrategies(c *gin.Context) {
	userID := CurrentUserID(c)
	strategies, err := s.Store.ListByUser(c.Request.Context(), userID)
	if err != nil {
		respondServerError(c, err.Error())
		return
	}
	filtered := strategies[:0]
	for _, st := range strategies {
		if v := c.Query("exchange_id"); v != "" && st.ExchangeID != v {
			continue
		}
		if v := c.Query("token"); v != "" && st.Token != v {
			continue
		}
		if v := c.Query("is_active"); v != "" && strconv.FormatBool(st.IsActive) != v {
			continue
		}
		if v := c.Query("needs_repair"); v != "" && strconv.FormatBool(st.NeedsRepair) != v {
			continue
		}
		filtered = append(filtered, st)
	}
	respond(c, http.StatusOK, "", filtered)
}

func (s *Server) getStrategy(c *gin.Context) {
	userID := CurrentUserID(c)
	strat, err := s.Store.Get(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			respondNotFound(c, "strategy not found")
			return
		}
		respondServerError(c, err.Error())
		return
	}
	respond(c, http.StatusOK, "", strat)
}

func (s *Server) updateStrategy(c *gin.Context) {
	userID := CurrentUserID(c)
	var rules db.Rules
	if err := c.BindJSON(&rules); err != nil {
		respondValidation(c, "invalid request payload", nil)
		return
	}
	if err := s.Store.UpdateRules(c.Request.Context(), userID, c.Param("id"), rules); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			respondNotFound(c, "strategy not found")
			return
		}
		respondValidation(c, err.Error(), nil)
		return
	}
	respond(c, http.StatusOK, "rules updated", nil)
}

func (s *Server) deleteStrategy(c *gin.Context) {
	userID := CurrentUserID(c)
	if err := s.Store.Delete(c.Request.Context(), userID, c.Param("id")); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			respondNotFound(c, "strategy not found")
			return
		}
		respondServerError(c, err.Error())
		return
	}
	respond(c, http.StatusOK, "strategy deleted", nil)
}

func (s *Server) pauseStrategy(c *gin.Context) {
	userID := CurrentUserID(c)
	if err := s.Store.Pause(c.Request.Context(), userID, c.Param("id")); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			respondNotFound(c, "strategy not found")
			return
		}
		respondServerError(c, err.Error())
		return
	}
	respond(c, http.StatusOK, "strategy paused", nil)
}

func (s *Server) resumeStrategy(c *gin.Context) {
	userID := CurrentUserID(c)
	if err := s.Store.Resume(c.Request.Context(), userID, c.Param("id")); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			respondNotFound(c, "strategy not found")
			return
		}
		respondServerError(c, err.Error())
		return
	}
	respond(c, http.StatusOK, "strategy resumed", nil)
}

type checkStrategyRequest struct {
	CurrentPrice float64 `json:"current_price" binding:"required"`
	EntryPrice   float64 `json:"entry_price"`
}

// checkStrategy runs the Trigger Evaluator once against caller-supplied
// prices and returns the Decision without acting on it — a dry-run probe
// distinct from the worker's own tick, which always executes triggers.
func (s *Server) checkStrategy(c *gin.Context) {
	userID := CurrentUserID(c)
	var req checkStrategyRequest
	if err := c.BindJSON(&req); err != nil {
		respondValidation(c, "invalid request payload", nil)
		return
	}

	strat, err := s.Store.Get(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			respondNotFound(c, "strategy not found")
			return
		}
		respondServerError(c, err.Error())
		return
	}

	entryPrice := req.EntryPrice
	holdingAmount := 0.0
	if pos, err := s.Ledger.GetPosition(c.Request.Context(), userID, strat.ExchangeID, strat.Token); err == nil {
		if entryPrice == 0 {
			entryPrice = pos.EntryPrice
		}
		holdingAmount = pos.Amount
	}

	decision := evaluator.Evaluate(strat.Rules, strat.Tracking, entryPrice, req.CurrentPrice, holdingAmount, evaluator.MarketData{}, time.Now())
	respond(c, http.StatusOK, "", decision)
}

func parseLimit(c *gin.Context, def, max int) int {
	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil || limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
