package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// listNotifications returns the caller's persisted Notification rows, most
// recent first, as written by the event-bus subscriber that turns strategy
// and exchange lifecycle events into per-user notifications.
func (s *Server) listNotifications(c *gin.Context) {
	userID := CurrentUserID(c)
	limit := parseLimit(c, 50, 200)
	notifications, err := s.DB.Queries().GetNotificationsByUser(c.Request.Context(), userID, limit)
	if err != nil {
		respondServerError(c, err.Error())
		return
	}
	respond(c, http.StatusOK, "", notifications)
}

func (s *Server) markNotificationRead(c *gin.Context) {
	userID := CurrentUserID(c)
	if err := s.DB.MarkNotificationRead(c.Request.Context(), c.Param("id"), userID); err != nil {
		respondServerError(c, err.Error())
		return
	}
	respond(c, http.StatusOK, "notification marked read", nil)
}
