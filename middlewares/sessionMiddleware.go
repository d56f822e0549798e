package middlewares

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"bitbucket.org/harborlightlabs/billsync_backend/utils"
)

// SessionMiddleware validates the service token on requests that carry one
// and puts its subject into the request context. Requests without a token
// pass through anonymous; the /internal/* handlers reject a missing subject,
// so webhook routes (authenticated by HMAC signature, not JWT) stay off
// this path.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.Request.Header.Get("Authorization")
		if auth == "" {
			c.Next()
			return
		}

		token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))

		validate, err := utils.JwtValidate(token)
		if err != nil || !validate.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		claims, ok := validate.Claims.(*utils.JwtCustomClaim)
		if !ok || claims.Subject == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := utils.SetSubjectInContext(c.Request.Context(), claims.Subject)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
