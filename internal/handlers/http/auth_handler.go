package http

import (
	"net/http"
	"strings"

	"chathub/internal/core/domain"
	"chathub/internal/core/ports"
	"chathub/internal/core/services"
	"chathub/internal/infrastructure/middleware"
	"chathub/pkg/errors"
	"chathub/pkg/validation"

	"github.com/gin-gonic/gin"
)

type AuthHandler struct {
	authService services.AuthService
	presence    ports.PresenceRepository
}

func NewAuthHandler(authService services.AuthService, presence ports.PresenceRepository) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		presence:    presence,
	}
}

func (h *AuthHandler) SetupRoutes(router gin.IRouter) {
	auth := router.Group("/api/v1/auth")
	{
		auth.POST("/login", h.Login)
		auth.POST("/refresh", h.RefreshToken)
	}

	api := router.Group("/api/v1", middleware.AuthMiddleware(h.authService))
	{
		api.GET("/presence/:userId", h.GetPresence)
	}
}

type LoginRequest struct {
	Username string `json:"username" binding:"required,max=50"`
	Password string `json:"password" binding:"required,min=6,max=128"`
}

type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required,max=2048"`
}

type TokenResponse struct {
	UserID       domain.UserID `json:"user_id"`
	Username     string        `json:"username"`
	AccessToken  string        `json:"access_token"`
	RefreshToken string        `json:"refresh_token,omitempty"`
	ExpiresIn    int           `json:"expires_in"`
}

// Login issues tokens for a username. Credentials are owned by the chat
// backend; the relay only needs a stable user ID, which is the username.
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	if err := validation.ValidateUsername(req.Username); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidatePassword(req.Password); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	userID := domain.UserID(req.Username)
	accessToken, err := h.authService.GenerateToken(userID, req.Username)
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to generate token", http.StatusInternalServerError))
		return
	}
	refreshToken, err := h.authService.GenerateRefreshToken(userID, req.Username)
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to generate refresh token", http.StatusInternalServerError))
		return
	}

	c.JSON(http.StatusOK, TokenResponse{
		UserID:       userID,
		Username:     req.Username,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int(h.authService.AccessTokenTTL().Seconds()),
	})
}

func (h *AuthHandler) RefreshToken(c *gin.Context) {
	var req RefreshTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	claims, err := h.authService.ValidateRefreshToken(req.RefreshToken)
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeUnauthorized, "invalid refresh token", http.StatusUnauthorized))
		return
	}

	accessToken, err := h.authService.GenerateToken(claims.UserID, claims.Username)
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to generate token", http.StatusInternalServerError))
		return
	}

	c.JSON(http.StatusOK, TokenResponse{
		UserID:      claims.UserID,
		Username:    claims.Username,
		AccessToken: accessToken,
		ExpiresIn:   int(h.authService.AccessTokenTTL().Seconds()),
	})
}

func (h *AuthHandler) GetPresence(c *gin.Context) {
	userID := c.Param("userId")
	if err := validation.ValidateID(userID, "userId"); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	presence, err := h.presence.Get(c.Request.Context(), domain.UserID(userID))
	if err != nil {
		c.Error(errors.NewServiceUnavailableError("presence lookup failed"))
		return
	}
	// Callers only learn whether the user is reachable.
	presence.InstanceID = ""
	c.JSON(http.StatusOK, presence)
}
