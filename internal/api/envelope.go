package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// errorEnvelope is the error shape nested under the response envelope's
// "error" key, never present alongside a successful response.
type errorEnvelope struct {
	Type    string         `json:"type"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// respond writes a successful envelope: {success, message, data, timestamp,
// error: null}. Every handler in this package funnels through respond or
// respondError so the envelope shape never drifts between handlers.
func respond(c *gin.Context, status int, message string, data any) {
	c.JSON(status, gin.H{
		"success":   true,
		"message":   message,
		"data":      data,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"error":     nil,
	})
}

// respondError writes a failed envelope carrying a typed error.
func respondError(c *gin.Context, status int, errType, message string, details map[string]any) {
	c.AbortWithStatusJSON(status, gin.H{
		"success":   false,
		"message":   message,
		"data":      nil,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"error": errorEnvelope{
			Type:    errType,
			Message: message,
			Details: details,
		},
	})
}

func respondValidation(c *gin.Context, message string, fields map[string]any) {
	respondError(c, http.StatusBadRequest, "validation_error", message, map[string]any{"fields": fields})
}

func respondNotFound(c *gin.Context, message string) {
	respondError(c, http.StatusNotFound, "not_found", message, nil)
}

func respondUnauthorized(c *gin.Context, message string) {
	respondError(c, http.StatusUnauthorized, "unauthorized", message, nil)
}

func respondConflict(c *gin.Context, message string) {
	respondError(c, http.StatusConflict, "conflict", message, nil)
}

func respondServerError(c *gin.Context, message string) {
	respondError(c, http.StatusInternalServerError, "server_error", message, nil)
}

func respondUpstreamError(c *gin.Context, message string) {
	respondError(c, http.StatusBadGateway, "upstream_error", message, nil)
}
