package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	actorContextKey     = "auth_actor"
	authTokenContextKey = "auth_token"
)

// Middleware validates bearer tokens and stores the authenticated actor in
// the context. Downstream permission checks read the actor's role from here
// rather than any ambient global.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authToken := s.extractToken(c)
		if authToken == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		actor, err := s.ValidateToken(c.Request.Context(), authToken)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(actorContextKey, actor)
		c.Set(authTokenContextKey, authToken)
		c.Next()
	}
}

// ActorFromContext retrieves the authenticated actor from the gin context.
func ActorFromContext(c *gin.Context) (Actor, bool) {
	val, ok := c.Get(actorContextKey)
	if !ok {
		return Actor{}, false
	}
	actor, ok := val.(Actor)
	return actor, ok
}

// AuthTokenFromContext retrieves the bearer token captured by the middleware.
func AuthTokenFromContext(c *gin.Context) (string, bool) {
	val, ok := c.Get(authTokenContextKey)
	if !ok {
		return "", false
	}
	token, ok := val.(string)
	return token, ok
}

func (s *Service) extractToken(c *gin.Context) string {
	authHeader := c.GetHeader(s.headerName)
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	if token, err := c.Cookie(s.cookieName); err == nil && token != "" {
		return token
	}
	return ""
}
