package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/lza051119/chat8/internal/core/domain"
	"github.com/lza051119/chat8/internal/core/ports"
	"github.com/lza051119/chat8/pkg/errors"
	"github.com/lza051119/chat8/pkg/validation"

	"github.com/gin-gonic/gin"
)

// AuthHandler issues tokens for local development. Real deployments get
// tokens from the account service and never mount it.
type AuthHandler struct {
	authService ports.AuthService
	tokenTTL    time.Duration
}

func NewAuthHandler(authService ports.AuthService, tokenTTL time.Duration) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		tokenTTL:    tokenTTL,
	}
}

func (h *AuthHandler) SetupRoutes(router *gin.Engine) {
	router.POST("/api/v1/auth/token", h.IssueToken)
}

type TokenRequest struct {
	UserID   string `json:"user_id" binding:"required"`
	Username string `json:"username"`
}

type TokenResponse struct {
	Token     string        `json:"token"`
	UserID    domain.PeerID `json:"user_id"`
	ExpiresIn int64         `json:"expires_in"` // seconds
}

func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	req.UserID = strings.TrimSpace(req.UserID)
	if err := validation.ValidatePeerID(req.UserID); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if req.Username == "" {
		req.Username = req.UserID
	}

	token, err := h.authService.GenerateToken(domain.PeerID(req.UserID), req.Username)
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to generate token", http.StatusInternalServerError))
		return
	}

	c.JSON(http.StatusOK, TokenResponse{
		Token:     token,
		UserID:    domain.PeerID(req.UserID),
		ExpiresIn: int64(h.tokenTTL / time.Second),
	})
}
