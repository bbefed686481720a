// Package api exposes the subscriber-facing HTTP surface: override
// submission, cancellation, status queries, and the internal head-end
// callback endpoints. Handlers translate HTTP to service calls and map
// service errors back to status codes in errors.go.
package api

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cresconet/loadctl/pkg/database"
	"github.com/cresconet/loadctl/pkg/services"
)

const healthCheckTimeout = 5 * time.Second

// Server wires the HTTP handlers to the service layer.
type Server struct {
	overrides *services.OverrideService
	cancels   *services.CancelService
	status    *services.StatusService
	headEnd   *services.HeadEndService

	db         *sql.DB
	components map[string]func() any
	logger     *slog.Logger
}

// NewServer creates the API server. db may be nil in tests; the health
// endpoint then skips the database probe.
func NewServer(overrides *services.OverrideService, cancels *services.CancelService,
	status *services.StatusService, headEnd *services.HeadEndService,
	db *sql.DB, logger *slog.Logger) *Server {
	return &Server{
		overrides:  overrides,
		cancels:    cancels,
		status:     status,
		headEnd:    headEnd,
		db:         db,
		components: map[string]func() any{},
		logger:     logger.With("component", "api"),
	}
}

// RegisterComponent adds a named health snapshot (dispatcher, worker
// pool) to the health endpoint.
func (s *Server) RegisterComponent(name string, snapshot func() any) {
	s.components[name] = snapshot
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger(), securityHeaders())

	router.GET("/healthz", s.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/subscriptions/:subscriptionID/override", s.SubmitOverride)
		v1.DELETE("/subscriptions/:subscriptionID/override", s.CancelOverride)
		v1.GET("/subscriptions/:subscriptionID/requests", s.ListBySubscription)
		v1.GET("/requests/:correlationID", s.RequestStatus)
		v1.GET("/requests/:correlationID/journal", s.RequestJournal)
		v1.GET("/sites/:site/requests", s.ListBySite)
	}

	internal := router.Group("/internal/v1")
	{
		internal.POST("/headend/:headEnd/policies/:policyID/started", s.OverrideStarted)
		internal.POST("/headend/:headEnd/policies/:policyID/finished", s.OverrideFinished)
	}

	return router
}

// Health reports database and component health.
func (s *Server) Health(c *gin.Context) {
	body := gin.H{"status": "healthy"}
	for name, snapshot := range s.components {
		body[name] = snapshot()
	}

	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
		defer cancel()

		dbHealth, err := database.Health(ctx, s.db)
		body["database"] = dbHealth
		if err != nil {
			body["status"] = "unhealthy"
			body["error"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
	}

	c.JSON(http.StatusOK, body)
}
