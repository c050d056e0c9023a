package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/smallbiznis/qbo-connect/internal/domain/qbo"
	"github.com/smallbiznis/qbo-connect/internal/service/broker"
)

// ConnectionHandler exposes the broker operations to the local tool layer
// over loopback HTTP.
type ConnectionHandler struct {
	Broker *broker.Broker
	Logger *zap.Logger
}

// NewConnectionHandler constructs the handler.
func NewConnectionHandler(b *broker.Broker, logger *zap.Logger) *ConnectionHandler {
	if logger == nil {
		logger = zap.L()
	}
	return &ConnectionHandler{Broker: b, Logger: logger}
}

// ListCompanies handles GET /companies.
func (h *ConnectionHandler) ListCompanies(c *gin.Context) {
	companies, err := h.Broker.ListCompanies(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"companies": companies})
}

// Authenticate handles POST /authenticate. It blocks until the interactive
// flow completes, times out, or short-circuits because connections exist.
func (h *ConnectionHandler) Authenticate(c *gin.Context) {
	force, _ := strconv.ParseBool(c.Query("force"))
	result, err := h.Broker.Authenticate(c.Request.Context(), force)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetToken handles GET /token. The token is returned to the local caller;
// this surface is never exposed beyond loopback.
func (h *ConnectionHandler) GetToken(c *gin.Context) {
	tenant := c.Query("tenant")
	accessToken, err := h.Broker.GetAccessToken(c.Request.Context(), tenant)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accessToken": accessToken})
}

// ClearAll handles DELETE /tokens: disconnects every company in the active
// environment.
func (h *ConnectionHandler) ClearAll(c *gin.Context) {
	if err := h.Broker.ClearTokens(c.Request.Context(), ""); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "all connections removed"})
}

// ClearOne handles DELETE /tokens/:tenant.
func (h *ConnectionHandler) ClearOne(c *gin.Context) {
	tenant := c.Param("tenant")
	if err := h.Broker.ClearTokens(c.Request.Context(), tenant); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "connection removed", "tenant": tenant})
}

// Healthz handles GET /healthz.
func (h *ConnectionHandler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *ConnectionHandler) writeError(c *gin.Context, err error) {
	var classified *qbo.Error
	if !errors.As(err, &classified) {
		h.Logger.Error("unclassified error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(statusFor(classified.Code), gin.H{
		"error":     classified.Code,
		"message":   classified.Message,
		"retryable": classified.Retryable,
	})
}

func statusFor(code string) int {
	switch code {
	case qbo.CodeAuthenticationRequired, qbo.CodeReauthorizationRequired:
		return http.StatusUnauthorized
	case qbo.CodeOAuthCallback:
		return http.StatusBadRequest
	case qbo.CodeRateLimited:
		return http.StatusTooManyRequests
	case qbo.CodeTokenRefreshFailed, qbo.CodeAPI:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
