package rbac

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"fleetdiag/internal/auth"
	"fleetdiag/internal/metrics"
)

// Require rejects the request with 403 unless the authenticated actor's role
// grants action on resource. It assumes the auth middleware already ran.
func Require(resource Resource, action Action) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := auth.ActorFromContext(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		if !HasPermission(actor.Role, resource, action) {
			metrics.PermissionDenials.WithLabelValues(string(resource), string(action)).Inc()
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "permission denied"})
			return
		}
		c.Next()
	}
}
