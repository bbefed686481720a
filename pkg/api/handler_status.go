package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cresconet/loadctl/pkg/services"
)

const defaultListLimit = 100

// RequestStatus handles GET /api/v1/requests/:correlationID.
func (s *Server) RequestStatus(c *gin.Context) {
	correlationID := c.Param("correlationID")

	header, err := s.status.Status(c.Request.Context(), correlationID)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			c.JSON(http.StatusNotFound, notFoundResponse{
				Message:       "Correlation id not found",
				CorrelationID: correlationID,
			})
			return
		}
		s.writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, statusResponse{
		Message:       "Request status query accepted",
		Status:        string(header.CurrentStage),
		CorrelationID: correlationID,
	})
}

// RequestJournal handles GET /api/v1/requests/:correlationID/journal.
func (s *Server) RequestJournal(c *gin.Context) {
	correlationID := c.Param("correlationID")

	records, err := s.status.Journal(c.Request.Context(), correlationID)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			c.JSON(http.StatusNotFound, notFoundResponse{
				Message:       "Correlation id not found",
				CorrelationID: correlationID,
			})
			return
		}
		s.writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"correlation_id": correlationID,
		"stages":         records,
	})
}

// ListBySite handles GET /api/v1/sites/:site/requests.
func (s *Server) ListBySite(c *gin.Context) {
	headers, err := s.status.ListBySite(c.Request.Context(), c.Param("site"), listLimit(c))
	if err != nil {
		s.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": headers})
}

// ListBySubscription handles GET /api/v1/subscriptions/:subscriptionID/requests.
func (s *Server) ListBySubscription(c *gin.Context) {
	headers, err := s.status.ListBySubscription(c.Request.Context(), c.Param("subscriptionID"), listLimit(c))
	if err != nil {
		s.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": headers})
}

func listLimit(c *gin.Context) int {
	if raw := c.Query("limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil && limit > 0 {
			return limit
		}
	}
	return defaultListLimit
}
