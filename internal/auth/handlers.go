package auth

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler serves sandbox token issuance.
type Handler struct {
	verifier *Verifier
}

// NewHandler creates a new auth handler
func NewHandler(v *Verifier) *Handler {
	return &Handler{verifier: v}
}

// IssueTokenRequest names the address to act as.
type IssueTokenRequest struct {
	Address string `json:"address" binding:"required"`
}

// IssueToken mints a token for any address. Development only: the server
// mounts it under /v1/sandbox.
func (h *Handler) IssueToken(c *gin.Context) {
	var req IssueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "address is required",
		})
		return
	}

	token, expires, err := h.verifier.Issue(req.Address)
	if errors.Is(err, ErrInvalidAddress) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "address must be a 0x-prefixed 20-byte hex address",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "failed to issue token",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"token":     token,
		"tokenType": "Bearer",
		"expiresAt": expires.UTC().Format(time.RFC3339),
	})
}

// Me echoes the resolved identity.
func (h *Handler) Me(c *gin.Context) {
	addr := GetAuthenticatedAgent(c)
	c.JSON(http.StatusOK, gin.H{
		"address":       addr,
		"authenticated": addr != "",
	})
}
