package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/herald/internal/auth"
	"github.com/MarcoPoloResearchLab/herald/internal/inbox"
	"github.com/MarcoPoloResearchLab/herald/internal/notices"
	"github.com/MarcoPoloResearchLab/herald/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	claimsContextKey         = "herald_claims"
	accessTokenQueryKey      = "access_token"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingDispatcher     = errors.New("dispatcher dependency required")
	errMissingCatalog        = errors.New("catalog dependency required")
	errMissingSettings       = errors.New("setting resolver dependency required")
	errMissingMediums        = errors.New("medium registry dependency required")
	errMissingUsers          = errors.New("users service dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator verifies API bearer tokens.
type TokenValidator interface {
	ValidateToken(token string) (auth.ServiceClaims, error)
}

type Dependencies struct {
	Tokens            TokenValidator
	Dispatcher        *notices.Dispatcher
	Catalog           *notices.Catalog
	Settings          *notices.SettingResolver
	Mediums           *notices.MediumRegistry
	Stats             *notices.StatsRecorder
	Users             *users.Service
	Inbox             *inbox.Service
	CORSOrigins       []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Dispatcher == nil {
		return nil, errMissingDispatcher
	}
	if deps.Catalog == nil {
		return nil, errMissingCatalog
	}
	if deps.Settings == nil {
		return nil, errMissingSettings
	}
	if deps.Mediums == nil {
		return nil, errMissingMediums
	}
	if deps.Users == nil {
		return nil, errMissingUsers
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.CORSOrigins...))

	handler := &httpHandler{
		tokens:     deps.Tokens,
		dispatcher: deps.Dispatcher,
		catalog:    deps.Catalog,
		settings:   deps.Settings,
		mediums:    deps.Mediums,
		stats:      deps.Stats,
		users:      deps.Users,
		inbox:      deps.Inbox,
		heartbeat:  heartbeat,
		logger:     logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST("/unsubscribe/:key", handler.handleUnsubscribe)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/notices/send", handler.requireRole(auth.RoleSender), handler.handleSend)
	protected.GET("/notice-types", handler.handleListNoticeTypes)
	protected.PUT("/notice-types/:label", handler.requireRole(auth.RoleAdmin), handler.handlePutNoticeType)
	protected.DELETE("/scopes/:kind/:id", handler.requireRole(auth.RoleAdmin), handler.handleClearScope)
	protected.GET("/stats", handler.requireRole(auth.RoleAdmin), handler.handleStats)

	user := protected.Group("/users/:user_id")
	user.PUT("", handler.requireRole(auth.RoleAdmin), handler.handlePutProfile)
	user.Use(handler.requireSelfOrAdmin)
	user.GET("/settings", handler.handleListSettings)
	user.GET("/settings/:label/:medium", handler.handleGetSetting)
	user.PUT("/settings/:label/:medium", handler.handlePutSetting)
	user.GET("/inbox", handler.handleListInbox)
	user.POST("/inbox/:entry_id/read", handler.handleMarkRead)
	user.GET("/inbox/stream", handler.handleInboxStream)

	return router, nil
}

type httpHandler struct {
	tokens     TokenValidator
	dispatcher *notices.Dispatcher
	catalog    *notices.Catalog
	settings   *notices.SettingResolver
	mediums    *notices.MediumRegistry
	stats      *notices.StatsRecorder
	users      *users.Service
	inbox      *inbox.Service
	heartbeat  time.Duration
	logger     *zap.Logger
}

func corsMiddleware(origins ...string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Accept-Language"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowOriginFunc = func(string) bool { return true }
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

// authorizeRequest accepts a bearer header, or an access_token query parameter for
// event streams opened by browsers.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	switch {
	case strings.HasPrefix(header, "Bearer "):
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	case header == "":
		token = strings.TrimSpace(c.Query(accessTokenQueryKey))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(claimsContextKey, claims)
	c.Next()
}

func (h *httpHandler) requireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := claimsFrom(c)
		if !ok || !claims.HasRole(role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

// requireSelfOrAdmin lets a token act for the user named by its subject.
func (h *httpHandler) requireSelfOrAdmin(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}
	claims, _ := claimsFrom(c)
	if claims.Subject != strconv.FormatInt(userID.Int64(), 10) && !claims.HasRole(auth.RoleAdmin) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Next()
}

func claimsFrom(c *gin.Context) (auth.ServiceClaims, bool) {
	value, ok := c.Get(claimsContextKey)
	if !ok {
		return auth.ServiceClaims{}, false
	}
	claims, ok := value.(auth.ServiceClaims)
	return claims, ok
}

func parseUserID(c *gin.Context) (notices.UserID, bool) {
	raw, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
		return 0, false
	}
	userID, err := notices.NewUserID(raw)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
		return 0, false
	}
	return userID, true
}

// respondError maps service errors onto HTTP statuses.
func (h *httpHandler) respondError(c *gin.Context, message string, err error) {
	body := gin.H{"error": "internal_error"}
	var serviceErr *notices.ServiceError
	if errors.As(err, &serviceErr) {
		body["code"] = serviceErr.Code()
	}
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, notices.ErrConfiguration):
		status = http.StatusBadRequest
		body["error"] = "configuration_error"
	case errors.Is(err, notices.ErrReference):
		status = http.StatusUnprocessableEntity
		body["error"] = "unresolvable_reference"
	case errors.Is(err, notices.ErrSettingNotFound), errors.Is(err, inbox.ErrEntryNotFound):
		status = http.StatusNotFound
		body["error"] = "not_found"
	case errors.Is(err, users.ErrInvalidProfile):
		status = http.StatusBadRequest
		body["error"] = "invalid_profile"
	}
	if status == http.StatusInternalServerError {
		h.logger.Error(message, zap.Error(err))
	} else {
		h.logger.Debug(message, zap.Error(err))
	}
	c.JSON(status, body)
}
