package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/learningequality/studio-backend/internal/platform/ctxutil"
	"github.com/learningequality/studio-backend/internal/platform/logger"
)

const headerUserID = "X-User-Id"

// AuthMiddleware resolves the caller identity for protected routes. Identity
// arrives as a gateway-injected user id header; this service trusts the
// perimeter and only validates the shape.
type AuthMiddleware struct {
	log *logger.Logger
}

func NewAuthMiddleware(log *logger.Logger) *AuthMiddleware {
	return &AuthMiddleware{log: log.With("middleware", "AuthMiddleware")}
}

func (am *AuthMiddleware) RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(headerUserID))
		if raw == "" {
			raw = strings.TrimSpace(c.Query("user_id"))
		}
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"message": "missing user identity", "code": "unauthorized"},
			})
			return
		}
		userID, err := uuid.Parse(raw)
		if err != nil || userID == uuid.Nil {
			am.log.Debug("Rejected malformed user id header", "value", raw)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"message": "invalid user identity", "code": "unauthorized"},
			})
			return
		}
		ctx := ctxutil.WithRequestUser(c.Request.Context(), &ctxutil.RequestUser{UserID: userID})
		c.Request = c.Request.WithContext(ctx)
		c.Set("user_id", userID.String())
		c.Next()
	}
}

// UserID reads the authenticated user from the request context. Returns
// uuid.Nil on unauthenticated routes.
func UserID(c *gin.Context) uuid.UUID {
	if u := ctxutil.GetRequestUser(c.Request.Context()); u != nil {
		return u.UserID
	}
	return uuid.Nil
}
