package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stratoforge/quantra/internal/auth"
	"github.com/stratoforge/quantra/internal/database"
)

// handleHealth reports process and database health. It answers without
// authentication so load balancers can probe it.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.svc.Store.HealthCheck(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"database": "unhealthy",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":       "healthy",
		"database":     "healthy",
		"bots_running": len(s.svc.Bots.RunningIDs()),
		"time":         time.Now().UTC().Format(time.RFC3339),
	})
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// handleLogin exchanges the operator credential for a bearer token.
func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "username and password are required")
		return
	}

	token, err := s.svc.Auth.Login(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrBadCredentials) {
			errorResponse(c, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.fail(c, err)
		return
	}
	successResponse(c, token)
}

// handleAuthStatus tells clients whether the /api group requires a token.
func (s *Server) handleAuthStatus(c *gin.Context) {
	successResponse(c, gin.H{"auth_enabled": s.svc.Auth != nil})
}

// handleListSystemConfigs returns key -> value pairs, optionally filtered
// by a key prefix such as "scheduler." or "market.".
func (s *Server) handleListSystemConfigs(c *gin.Context) {
	configs, err := s.svc.Settings.GetByPrefix(c.Request.Context(), c.Query("prefix"))
	if err != nil {
		s.fail(c, err)
		return
	}
	successResponse(c, configs)
}

type setConfigRequest struct {
	Value       string `json:"value" binding:"required"`
	ValueType   string `json:"value_type"`
	Description string `json:"description"`
}

// handleSetSystemConfig upserts one config key. Running bots pick the new
// value up on their next read; the store invalidates its cache on write.
func (s *Server) handleSetSystemConfig(c *gin.Context) {
	key := c.Param("key")
	if key == "" {
		errorResponse(c, http.StatusBadRequest, "config key is required")
		return
	}

	var req setConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "value is required")
		return
	}

	switch req.ValueType {
	case "", database.TypeString, database.TypeInteger, database.TypeFloat, database.TypeBoolean, database.TypeJSON:
	default:
		errorResponse(c, http.StatusBadRequest, "unknown value_type "+req.ValueType)
		return
	}

	if err := s.svc.Settings.Set(c.Request.Context(), key, req.Value, req.ValueType, req.Description); err != nil {
		s.fail(c, err)
		return
	}
	successResponse(c, gin.H{"key": key, "value": req.Value})
}

// handleLimits exposes every venue limiter's counters.
func (s *Server) handleLimits(c *gin.Context) {
	if s.svc.Limits == nil {
		successResponse(c, []any{})
		return
	}
	successResponse(c, s.svc.Limits.Snapshots())
}
