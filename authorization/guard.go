package authorization

import (
	"encoding/json"
	"net/http"
	"time"

	jwt "github.com/appleboy/gin-jwt/v2"
	"github.com/gin-gonic/gin"
)

// Guard wraps the JWT middleware with authorization helpers.
type Guard struct {
	jwt *jwt.GinJWTMiddleware
}

// NewGuard builds a guard around the given JWT middleware.
func NewGuard(jwtMiddleware *jwt.GinJWTMiddleware) *Guard {
	if jwtMiddleware == nil {
		return nil
	}
	return &Guard{jwt: jwtMiddleware}
}

// RequireAuthenticated ensures the request carries a valid JWT.
func (g *Guard) RequireAuthenticated() gin.HandlerFunc {
	if g == nil || g.jwt == nil {
		return func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		}
	}
	return g.jwt.MiddlewareFunc()
}

// OptionalSession resolves the session identity when a valid token is
// present and continues anonymously otherwise. Used by the public catalog
// so viewer-specific annotations resolve without demanding a token.
func (g *Guard) OptionalSession() gin.HandlerFunc {
	if g == nil || g.jwt == nil {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	return func(c *gin.Context) {
		claims, err := g.jwt.GetClaimsFromJWT(c)
		if err == nil && !claimsExpired(claims) {
			c.Set("JWT_PAYLOAD", claims)
		}
		c.Next()
	}
}

// CurrentUserID returns the authenticated profile id, or zero when the
// request has no session.
func CurrentUserID(c *gin.Context) uint64 {
	return extractUserID(jwt.ExtractClaims(c))
}

func claimsExpired(claims jwt.MapClaims) bool {
	switch exp := claims["exp"].(type) {
	case float64:
		return int64(exp) < time.Now().Unix()
	case json.Number:
		value, err := exp.Int64()
		return err != nil || value < time.Now().Unix()
	default:
		return true
	}
}

func extractUserID(claims jwt.MapClaims) uint64 {
	if claims == nil {
		return 0
	}
	idValue, ok := claims[identityKey]
	if !ok {
		return 0
	}

	switch v := idValue.(type) {
	case float64:
		return uint64(v)
	case int64:
		return uint64(v)
	case uint64:
		return v
	case int:
		return uint64(v)
	case uint:
		return uint64(v)
	case json.Number:
		if parsed, err := v.Int64(); err == nil {
			return uint64(parsed)
		}
	}
	return 0
}
