package middleware

import (
	"strings"

	"rental-payouts/pkg/accesscontrol"
	"rental-payouts/pkg/errutil"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"

	principalKey = "principal"
)

// Principal is the caller identity asserted by the gateway.
type Principal struct {
	UserID string
	Role   string
}

// Identity reads the gateway-asserted principal. The headers are trusted and
// never re-authenticated here.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(HeaderUserID))
		role := strings.ToLower(strings.TrimSpace(c.GetHeader(HeaderUserRole)))
		if userID == "" || role == "" {
			_ = c.Error(errutil.Unauthorized("missing caller identity", nil))
			c.Abort()
			return
		}

		c.Set(principalKey, Principal{UserID: userID, Role: role})
		c.Next()
	}
}

// Authorize checks the principal's role against the access control policy.
func Authorize(enforcer accesscontrol.Enforcer) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := GetPrincipal(c)
		if !ok {
			_ = c.Error(errutil.Unauthorized("missing caller identity", nil))
			c.Abort()
			return
		}

		allowed, err := enforcer.Enforce(p.Role, c.Request.URL.Path, c.Request.Method)
		if err != nil {
			zap.L().Error("access control evaluation failed", zap.Error(err))
			_ = c.Error(errutil.Internal("access control failure", err))
			c.Abort()
			return
		}

		if !allowed {
			_ = c.Error(errutil.Forbidden("role is not allowed to perform this action", nil))
			c.Abort()
			return
		}

		c.Next()
	}
}

func GetPrincipal(c *gin.Context) (Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}
