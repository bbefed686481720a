package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cresconet/loadctl/pkg/services"
	"github.com/cresconet/loadctl/pkg/validator"
)

// SubmitOverride handles POST /api/v1/subscriptions/:subscriptionID/override.
func (s *Server) SubmitOverride(c *gin.Context) {
	subscriptionID := c.Param("subscriptionID")

	var req overrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, rejectionResponse{
			Message:      "Invalid request: found 1 error(s)",
			ErrorDetails: []string{err.Error()},
		})
		return
	}

	correlationID, err := s.overrides.Submit(c.Request.Context(), subscriptionID, validator.Submission{
		Site:            req.Site,
		SwitchAddresses: req.SwitchAddresses,
		Status:          req.Status,
		StartDatetime:   req.StartDatetime,
		EndDatetime:     req.EndDatetime,
		GroupID:         req.GroupID,
	})
	if err != nil {
		if rejection := services.AsRejection(err); rejection != nil {
			writeRejection(c, rejection)
			return
		}
		s.writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, acceptedResponse{
		Message:       "DLC request accepted",
		CorrelationID: correlationID,
	})
}

// CancelOverride handles DELETE /api/v1/subscriptions/:subscriptionID/override.
// The request to cancel is named by the correlation_id query parameter;
// subscriber is the caller's identity.
func (s *Server) CancelOverride(c *gin.Context) {
	subscriptionID := c.Param("subscriptionID")
	correlationID := c.Query("correlation_id")
	subscriber := c.Query("subscriber")

	if correlationID == "" || subscriber == "" {
		c.JSON(http.StatusBadRequest, rejectionResponse{
			Message: "correlation_id and subscriber query parameters are required",
		})
		return
	}

	err := s.cancels.Cancel(c.Request.Context(), subscriptionID, correlationID, subscriber)
	if err != nil {
		if rejection := services.AsRejection(err); rejection != nil {
			writeRejection(c, rejection)
			return
		}
		s.writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, acceptedResponse{
		Message:       "DLC cancel request in progress",
		CorrelationID: correlationID,
	})
}
