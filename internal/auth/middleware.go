package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowmirror/internal/logging"
)

const (
	// ContextKeyAgentAddr is the key for storing the authenticated address
	ContextKeyAgentAddr = "authAgentAddr"

	// Browsers cannot set headers on websocket upgrades.
	tokenQueryParam = "access_token"
)

// Middleware resolves the caller's identity from the Authorization header
// (or the access_token query parameter) and stores it in the context.
// Requests without a valid token pass through unauthenticated.
func Middleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token != "" {
			addr, err := v.Resolve(token)
			if err == nil {
				c.Set(ContextKeyAgentAddr, addr)
				ctx := logging.WithIdentity(c.Request.Context(), addr)
				c.Request = c.Request.WithContext(ctx)
			} else {
				logging.L(c.Request.Context()).Debug("ignoring invalid token", "error", err)
			}
		}

		c.Next()
	}
}

// RequireAuth rejects requests that carry no valid identity.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAuthenticated(c) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required. Include 'Authorization: Bearer <token>' header.",
			})
			return
		}
		c.Next()
	}
}

// GetAuthenticatedAgent returns the caller address, or "" for anonymous
// viewers.
func GetAuthenticatedAgent(c *gin.Context) string {
	addr, exists := c.Get(ContextKeyAgentAddr)
	if !exists {
		return ""
	}
	s, _ := addr.(string)
	return s
}

// IsAuthenticated checks if the request is authenticated
func IsAuthenticated(c *gin.Context) bool {
	return GetAuthenticatedAgent(c) != ""
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return c.Query(tokenQueryParam)
}
