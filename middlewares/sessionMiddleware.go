package middlewares

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"bitbucket.org/mmdatafocus/erpsync_backend/config"
	"bitbucket.org/mmdatafocus/erpsync_backend/utils"
)

// sessionCacheTTL bounds how long a JWT-validated session stays in the cache
// before the signature is checked again.
const sessionCacheTTL = 15 * time.Minute

// SessionMiddleware resolves the caller from the session token. Redis holds
// live sessions issued by the main backend; a JWT signature check is the
// fallback when the session cache misses.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Request.Header.Get("token")
		if token == "" {
			c.Next()
			return
		}

		username, exists, err := config.GetRedisValue("Token:" + token)
		if err == nil && exists {
			ctx := utils.SetTokenInContext(c.Request.Context(), token)
			ctx = utils.SetUsernameInContext(ctx, username)
			c.Request = c.Request.WithContext(ctx)
			c.Next()
			return
		}

		parsed, jwtErr := utils.JwtValidate(token)
		if jwtErr != nil || !parsed.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := utils.SetTokenInContext(c.Request.Context(), token)
		if claims, ok := parsed.Claims.(*utils.JwtCustomClaim); ok {
			ctx = utils.SetUsernameInContext(ctx, claims.Subject)
			_ = config.SetRedisValue("Token:"+token, claims.Subject, sessionCacheTTL)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
