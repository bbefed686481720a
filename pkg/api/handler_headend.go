package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// headEndTimeFormat matches the event wire format.
const headEndTimeFormat = "2006-01-02T15:04:05Z07:00"

// OverrideStarted handles the head-end callback for a policy that began
// enforcing.
func (s *Server) OverrideStarted(c *gin.Context) {
	s.headEndCallback(c, s.headEnd.OverrideStarted)
}

// OverrideFinished handles the head-end callback for a policy that
// finished enforcing.
func (s *Server) OverrideFinished(c *gin.Context) {
	s.headEndCallback(c, s.headEnd.OverrideFinished)
}

func (s *Server) headEndCallback(c *gin.Context,
	record func(ctx context.Context, headEnd string, policyID int64, at time.Time) error) {
	headEnd := c.Param("headEnd")
	policyID, err := strconv.ParseInt(c.Param("policyID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "policy id must be an integer"})
		return
	}

	var body headEndCallback
	if err := c.ShouldBindJSON(&body); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid callback body"})
		return
	}
	var at time.Time
	if body.EventDatetime != "" {
		at, err = time.Parse(headEndTimeFormat, body.EventDatetime)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": "invalid event_datetime format"})
			return
		}
		at = at.UTC()
	}

	if err := record(c.Request.Context(), headEnd, policyID, at); err != nil {
		s.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "callback recorded"})
}
