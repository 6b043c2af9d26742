package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/docmirror/internal/auth"
	"github.com/MarcoPoloResearchLab/docmirror/internal/documents"
	"github.com/MarcoPoloResearchLab/docmirror/internal/metrics"
	"github.com/MarcoPoloResearchLab/docmirror/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	userIDContextKey = "docmirror_user_id"
	apiPrefix        = "/api/v1"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingUsers            = errors.New("identity resolver dependency required")
	errMissingDocumentsService = errors.New("documents service dependency required")
)

// SessionValidator authenticates an incoming request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// IdentityResolver maps session claims onto a canonical user.
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, claims auth.SessionClaims) (users.Identity, error)
}

// Dependencies wires the HTTP handler. Realtime, Metrics and Gatherer are optional.
type Dependencies struct {
	SessionValidator SessionValidator
	Users            IdentityResolver
	Documents        *documents.Service
	Realtime         *RealtimeDispatcher
	Metrics          *metrics.Collectors
	Gatherer         prometheus.Gatherer
	RateLimit        RateLimitConfig
	Logger           *zap.Logger
}

// NewHTTPHandler builds the gin router serving the document API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Users == nil {
		return nil, errMissingUsers
	}
	if deps.Documents == nil {
		return nil, errMissingDocumentsService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}

	handler := &httpHandler{
		sessions:  deps.SessionValidator,
		users:     deps.Users,
		documents: deps.Documents,
		realtime:  realtime,
		metrics:   deps.Metrics,
		logger:    logger,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(handler.observeRequest)

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	limiter := newRateLimiter(deps.RateLimit, deps.Metrics, logger)

	protected := router.Group(apiPrefix)
	protected.Use(handler.authorizeRequest)
	protected.GET("/documents", handler.handleListDocuments)
	protected.GET("/documents/filter_by_status", handler.handleFilterByStatus)
	protected.GET("/documents/stream", handler.handleDocumentStream)
	protected.GET("/documents/:id", handler.handleGetDocument)

	mutating := protected.Group("")
	mutating.Use(limiter.middleware)
	mutating.POST("/documents", handler.handleCreateDocument)
	mutating.PUT("/documents/:id", handler.handleReplaceDocument)
	mutating.PATCH("/documents/:id", handler.handlePatchDocument)
	mutating.DELETE("/documents/:id", handler.handleDeleteDocument)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc: func(string) bool { return true },
		AllowMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-TAuth-Tenant"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	sessions  SessionValidator
	users     IdentityResolver
	documents *documents.Service
	realtime  *RealtimeDispatcher
	metrics   *metrics.Collectors
	logger    *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrMissingSessionToken):
			h.logger.Debug("session token missing", zap.String("path", c.Request.URL.Path))
		case errors.Is(err, auth.ErrExpiredSessionToken):
			h.logger.Info("token validation failed", zap.Error(err))
		default:
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	identity, err := h.users.ResolveIdentity(c.Request.Context(), claims)
	if errors.Is(err, users.ErrInvalidIdentity) {
		h.logger.Warn("session carries no usable identity", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if err != nil {
		h.logger.Error("failed to resolve identity", zap.String("user_id", claims.UserID), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "identity_unavailable"})
		return
	}

	c.Set(userIDContextKey, identity.UserID)
	c.Next()
}

func (h *httpHandler) observeRequest(c *gin.Context) {
	c.Next()
	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	h.metrics.ObserveRequest(route, c.Request.Method, c.Writer.Status())
}

