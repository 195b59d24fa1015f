package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/landtrust/internal/logging"
)

const (
	// ContextKeyClaims is the key for the verified token claims in gin context
	ContextKeyClaims = "authClaims"
	// ContextKeyUserID is the key for the authenticated user id
	ContextKeyUserID = "authUserID"
)

// Middleware verifies a bearer token when one is present and stores the
// caller's identity in the context. Requests without a valid token continue
// anonymously; pair with RequireAuth on protected groups.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			c.Next()
			return
		}
		claims, err := m.Parse(strings.TrimSpace(token))
		if err != nil {
			logging.L(c.Request.Context()).Debug("rejected bearer token", "error", err)
			c.Next()
			return
		}
		c.Set(ContextKeyClaims, claims)
		c.Set(ContextKeyUserID, claims.UserID)
		c.Request = c.Request.WithContext(logging.WithActorID(c.Request.Context(), claims.UserID))
		c.Next()
	}
}

// RequireAuth rejects requests without a verified token.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextKeyClaims); !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required. Include 'Authorization: Bearer <token>' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireRole rejects authenticated callers that lack role.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := GetClaims(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required.",
			})
			return
		}
		if !claims.HasRole(role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Role " + role + " required.",
			})
			return
		}
		c.Next()
	}
}

// GetClaims returns the verified claims from context (if authenticated)
func GetClaims(c *gin.Context) (*Claims, bool) {
	v, exists := c.Get(ContextKeyClaims)
	if !exists {
		return nil, false
	}
	claims, ok := v.(*Claims)
	return claims, ok
}

// UserID returns the authenticated user id, or "" for anonymous requests.
func UserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// Roles returns the authenticated caller's roles.
func Roles(c *gin.Context) []string {
	if claims, ok := GetClaims(c); ok {
		return claims.Roles
	}
	return nil
}
