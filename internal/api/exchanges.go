package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type linkExchangeRequest struct {
	ExchangeID   string `json:"exchange_id" binding:"required"`
	ExchangeType string `json:"exchange_type" binding:"required"`
	APIKey       string `json:"api_key" binding:"required"`
	APISecret    string `json:"api_secret" binding:"required"`
}

func (s *Server) exchangeLink(c *gin.Context) {
	userID := CurrentUserID(c)
	var req linkExchangeRequest
	if err := c.BindJSON(&req); err != nil {
		respondValidation(c, "invalid request payload", nil)
		return
	}
	id, err := s.Vault.Link(c.Request.Context(), userID, req.ExchangeID, req.ExchangeType, req.APIKey, req.APISecret)
	if err != nil {
		respondServerError(c, err.Error())
		return
	}
	respond(c, http.StatusCreated, "exchange linked", gin.H{"user_exchange_id": id})
}

type userExchangeIDRequest struct {
	UserExchangeID string `json:"user_exchange_id" binding:"required"`
}

func (s *Server) exchangeUnlink(c *gin.Context) {
	userID := CurrentUserID(c)
	var req userExchangeIDRequest
	if err := c.BindJSON(&req); err != nil {
		respondValidation(c, "invalid request payload", nil)
		return
	}
	if err := s.Vault.Unlink(c.Request.Context(), userID, req.UserExchangeID); err != nil {
		respondServerError(c, err.Error())
		return
	}
	respond(c, http.StatusOK, "exchange unlinked", nil)
}

func (s *Server) exchangeDisconnect(c *gin.Context) {
	userID := CurrentUserID(c)
	var req userExchangeIDRequest
	if err := c.BindJSON(&req); err != nil {
		respondValidation(c, "invalid request payload", nil)
		return
	}
	if err := s.Vault.Disconnect(c.Request.Context(), userID, req.UserExchangeID); err != nil {
		respondServerError(c, err.Error())
		return
	}
	respond(c, http.StatusOK, "exchange disconnected", nil)
}

type connectExchangeRequest struct {
	UserExchangeID string `json:"user_exchange_id" binding:"required"`
	APIKey         string `json:"api_key" binding:"required"`
	APISecret      string `json:"api_secret" binding:"required"`
}

func (s *Server) exchangeConnect(c *gin.Context) {
	userID := CurrentUserID(c)
	var req connectExchangeRequest
	if err := c.BindJSON(&req); err != nil {
		respondValidation(c, "invalid request payload", nil)
		return
	}
	if err := s.Vault.Reconnect(c.Request.Context(), userID, req.UserExchangeID, req.APIKey, req.APISecret); err != nil {
		respondServerError(c, err.Error())
		return
	}
	respond(c, http.StatusOK, "exchange reconnected", nil)
}

func (s *Server) exchangeDelete(c *gin.Context) {
	userID := CurrentUserID(c)
	var req userExchangeIDRequest
	if err := c.BindJSON(&req); err != nil {
		respondValidation(c, "invalid request payload", nil)
		return
	}
	if err := s.Vault.Delete(c.Request.Context(), userID, req.UserExchangeID); err != nil {
		respondServerError(c, err.Error())
		return
	}
	respond(c, http.StatusOK, "exchange deleted", nil)
}

func (s *Server) listLinkedExchanges(c *gin.Context) {
	userID := CurrentUserID(c)
	linked, err := s.Vault.ListLinked(c.Request.Context(), userID)
	if err != nil {
		respondServerError(c, err.Error())
		return
	}
	respond(c, http.StatusOK, "", linked)
}
