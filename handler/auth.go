package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jsusurcia/pryGobierno-sub000/config"
	"github.com/jsusurcia/pryGobierno-sub000/middleware"
	"github.com/jsusurcia/pryGobierno-sub000/service"
)

type AuthHandler struct {
	config    *config.Config
	directory service.Directory
}

func NewAuthHandler(cfg *config.Config, directory service.Directory) *AuthHandler {
	return &AuthHandler{config: cfg, directory: directory}
}

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type LoginResponse struct {
	Token       string `json:"token"`
	ExpiresAt   string `json:"expires_at"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

// Login handles user login
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	user := h.config.FindUser(req.Username)
	if user == nil || user.Password != req.Password {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid username or password"})
		return
	}

	token, expiresAt, err := middleware.GenerateToken(user.Username, user.Role, &h.config.Auth)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
		return
	}

	name := user.DisplayName
	if name == "" {
		name = user.Username
	}
	c.JSON(http.StatusOK, LoginResponse{
		Token:       token,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
		UserID:      user.Username,
		DisplayName: name,
		Role:        user.Role,
	})
}

// GetCurrentUser returns the caller's profile and role
func (h *AuthHandler) GetCurrentUser(c *gin.Context) {
	ctx := c.Request.Context()

	profile, err := h.directory.ResolveUser(ctx, middleware.GetUserID(c))
	if errors.Is(err, service.ErrNotFound) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unknown user"})
		return
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "User directory unavailable"})
		return
	}

	resp := gin.H{
		"id":           profile.ID,
		"display_name": profile.DisplayName,
		"role":         nil,
	}
	if profile.RoleID != "" {
		if role, err := h.directory.ResolveRole(ctx, profile.RoleID); err == nil {
			resp["role"] = role
		}
	}

	c.JSON(http.StatusOK, resp)
}
