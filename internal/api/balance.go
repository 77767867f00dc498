package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// getBalanceHistory returns the caller's balance_history rows, most recent
// first, as appended by the Balance Snapshot Pipeline.
func (s *Server) getBalanceHistory(c *gin.Context) {
	userID := CurrentUserID(c)
	limit := parseLimit(c, 50, 500)
	history, err := s.DB.Queries().GetBalanceHistoryByUser(c.Request.Context(), userID, limit)
	if err != nil {
		respondServerError(c, err.Error())
		return
	}
	respond(c, http.StatusOK, "", history)
}
