package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"devicemanager/pkg/ctxkeys"
)

// JWTAuthMiddleware authenticates REST calls and stores the principal on the gin context.
// WebSocket upgrade requests pass through; hub endpoints authenticate before upgrading.
func JWTAuthMiddleware(verifier Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Upgrade") == "websocket" &&
			strings.Contains(c.GetHeader("Connection"), "Upgrade") {
			c.Next()
			return
		}

		token := TokenFromRequest(c.Request)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": ErrUnauthenticated.Error()})
			c.Abort()
			return
		}

		principal, err := verifier.Verify(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}

		c.Set(string(ctxkeys.KeySubjectID), principal.SubjectID.String())
		c.Set(string(ctxkeys.KeyTenantID), principal.TenantID.String())
		c.Set(string(ctxkeys.KeyDeviceSession), principal.IsDeviceSession)
		c.Set(string(ctxkeys.KeyJWTToken), token)
		c.Set(principalKey, principal)
		c.Next()
	}
}

// RequireOperator rejects device credentials on operator-only routes.
func RequireOperator() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetBool(string(ctxkeys.KeyDeviceSession)) {
			c.JSON(http.StatusForbidden, gin.H{"error": "operator session required"})
			c.Abort()
			return
		}
		c.Next()
	}
}

const principalKey = "auth_principal"

// PrincipalFrom returns the principal stored by JWTAuthMiddleware.
func PrincipalFrom(c *gin.Context) (Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}
