package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cresconet/loadctl/pkg/services"
	"github.com/cresconet/loadctl/pkg/tracker"
)

// writeRejection maps a *services.RejectionError to the 400 body.
func writeRejection(c *gin.Context, rejection *services.RejectionError) {
	body := rejectionResponse{
		Message:      rejection.Message,
		ErrorDetails: rejection.Details,
	}
	if rejection.CorrelationID != "" {
		id := rejection.CorrelationID
		body.CorrelationID = &id
	}
	c.JSON(http.StatusBadRequest, body)
}

// writeServiceError maps non-rejection service errors. Unexpected
// errors are logged and surface as a bare 500.
func (s *Server) writeServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"message": "resource not found"})
	case errors.Is(err, tracker.ErrTerminalStage):
		c.JSON(http.StatusConflict, gin.H{"message": "request already reached a terminal stage"})
	default:
		s.logger.Error("unexpected service error",
			"path", c.Request.URL.Path, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "internal server error"})
	}
}
