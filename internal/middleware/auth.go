package middleware

import (
	"crypto/subtle"
	"log/slog"
	"strings"

	"guildbell/internal/common"

	"github.com/gin-gonic/gin"
)

const apiKeyHeader = "X-API-Key"

// Auth guards the operator API. A key is accepted from X-API-Key or as a
// bearer token. With no keys configured every request is refused.
func Auth(validKeys []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := presentedKey(c)
		if key == "" {
			common.HandleError(c, common.NewUnauthorizedError("missing API key"))
			c.Abort()
			return
		}

		if !isValidKey(key, validKeys) {
			slog.Warn("rejected api key",
				"request_id", c.GetString(requestIDKey),
				"client_ip", c.ClientIP(),
				"path", c.FullPath(),
			)
			common.HandleError(c, common.NewUnauthorizedError("invalid API key"))
			c.Abort()
			return
		}

		c.Next()
	}
}

func presentedKey(c *gin.Context) string {
	if key := c.GetHeader(apiKeyHeader); key != "" {
		return key
	}
	if token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// isValidKey compares in constant time against every configured key.
func isValidKey(key string, validKeys []string) bool {
	valid := false
	for _, k := range validKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(k)) == 1 {
			valid = true
		}
	}
	return valid
}
