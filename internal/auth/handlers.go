package auth

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for service key management
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes sets up the key-holder routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/auth/info", h.Info)
	r.GET("/auth/me", h.Me)
}

// RegisterAdminRoutes sets up key issuance routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/api-keys", h.CreateKey)
	r.GET("/api-keys", h.ListKeys)
	r.DELETE("/api-keys/:keyId", h.RevokeKey)
}

// Info returns auth configuration info
func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"type":      "api_key",
		"header":    "Authorization: Bearer sk_...",
		"altHeader": "X-API-Key: sk_...",
		"admin":     AdminSecretHeader,
		"note":      "Keys are issued per collaborator service by an operator.",
	})
}

// Me returns the calling service's key metadata.
func (h *Handler) Me(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": ErrNoAPIKey.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key})
}

// CreateKeyRequest is the request body for creating a key
type CreateKeyRequest struct {
	Service  string `json:"service" binding:"required"`
	Name     string `json:"name"`
	TTLHours int    `json:"ttl_hours"`
}

// CreateKey handles POST /admin/api-keys
func (h *Handler) CreateKey(c *gin.Context) {
	var req CreateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if req.Name == "" {
		req.Name = req.Service + " key"
	}

	rawKey, key, err := h.manager.GenerateKey(c.Request.Context(), req.Service, req.Name, time.Duration(req.TTLHours)*time.Hour)
	if errors.Is(err, ErrInvalidName) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to create API key"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  rawKey,
		"key":     key,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// ListKeys handles GET /admin/api-keys?service=
func (h *Handler) ListKeys(c *gin.Context) {
	keys, err := h.manager.ListKeys(c.Request.Context(), c.Query("service"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list keys"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys, "count": len(keys)})
}

// RevokeKey handles DELETE /admin/api-keys/:keyId
func (h *Handler) RevokeKey(c *gin.Context) {
	key, err := h.manager.RevokeKey(c.Request.Context(), c.Param("keyId"))
	if errors.Is(err, ErrKeyNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Key not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to revoke key"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key})
}
