package middleware

import (
	"net/http"

	"account_service/internal/model"

	"github.com/gin-gonic/gin"
)

// RoleMiddleware creates a middleware to check for specific user roles
func RoleMiddleware(allowedRoles ...model.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		roleVal, exists := c.Get(AuthRoleKey)
		if !exists {
			abort(c, http.StatusForbidden, "Role not found, ensure auth middleware runs first")
			return
		}

		role, ok := roleVal.(model.Role)
		if !ok {
			abort(c, http.StatusForbidden, "Invalid role type")
			return
		}

		if !model.Authorize(role, allowedRoles...) {
			abort(c, http.StatusForbidden, "You do not have permission to access this resource")
			return
		}

		c.Next()
	}
}

// AdminMiddleware checks if the user is an admin
func AdminMiddleware() gin.HandlerFunc {
	return RoleMiddleware(model.RoleAdmin)
}
