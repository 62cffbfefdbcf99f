package middleware

import (
	"context"
	"net/http"
	"strings"

	"account_service/internal/logger"
	"account_service/internal/model"
	"account_service/internal/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	AuthUserKey = "authUser"
	AuthRoleKey = "authRole"

	// TokenCookie carries the session token.
	TokenCookie = "token"
)

// AccountResolver looks up the account a session token belongs to.
type AccountResolver interface {
	GetAccount(ctx context.Context, id uuid.UUID) (*model.User, error)
}

// JWTAuthMiddleware resolves the session cookie (or a Bearer header) to an
// existing account. The role is read from the account, not the token, so
// role changes and deletions apply immediately.
func JWTAuthMiddleware(jwtUtil *utils.JWTUtil, accounts AccountResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := sessionToken(c)
		if tokenString == "" {
			abort(c, http.StatusUnauthorized, "Please login to continue")
			return
		}

		userID, err := jwtUtil.ParseUserID(tokenString)
		if err != nil {
			abort(c, http.StatusUnauthorized, "Invalid or expired token")
			return
		}

		user, err := accounts.GetAccount(c.Request.Context(), userID)
		if err != nil || user == nil {
			if err != nil {
				logger.Logger.Debug().Err(err).Str("user_id", userID.String()).Msg("Session account lookup failed")
			}
			abort(c, http.StatusUnauthorized, "Please login to continue")
			return
		}

		c.Set(AuthUserKey, user.ID)
		c.Set(AuthRoleKey, user.Role)

		c.Next()
	}
}

func sessionToken(c *gin.Context) string {
	if cookie, err := c.Cookie(TokenCookie); err == nil && cookie != "" {
		return cookie
	}
	parts := strings.Split(c.GetHeader("Authorization"), " ")
	if len(parts) == 2 && strings.ToLower(parts[0]) == "bearer" {
		return parts[1]
	}
	return ""
}

// AuthUserID returns the id set by JWTAuthMiddleware.
func AuthUserID(c *gin.Context) (uuid.UUID, bool) {
	v, exists := c.Get(AuthUserKey)
	if !exists {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}

func abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"success": false, "error": msg})
}
