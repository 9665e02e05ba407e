package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/kirolink/kiro-gateway/internal/config"
)

// corsMiddleware answers every request with permissive CORS headers. The
// gateway serves local tooling; browser dashboards talk to it directly.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "*")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// authMiddleware validates the presented key against the configured API
// keys. With no keys configured every request passes.
func authMiddleware(getCfg func() *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg := getCfg()
		if cfg == nil || len(cfg.APIKeys) == 0 {
			c.Next()
			return
		}
		key := clientKey(c)
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"type": "authentication_error", "message": "Missing API key"},
			})
			return
		}
		for _, configured := range cfg.APIKeys {
			if matchAPIKey(configured, key) {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": gin.H{"type": "authentication_error", "message": "Invalid API key"},
		})
	}
}

// clientKey extracts the presented key: Authorization bearer token first,
// then x-api-key, then the key query parameter. The query form exists for
// browser websocket clients, which cannot set headers.
func clientKey(c *gin.Context) string {
	if header := strings.TrimSpace(c.GetHeader("Authorization")); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if key := strings.TrimSpace(c.GetHeader("x-api-key")); key != "" {
		return key
	}
	return strings.TrimSpace(c.Query("key"))
}

// matchAPIKey compares a configured key with the presented one. Configured
// values carrying a bcrypt prefix are treated as hashes.
func matchAPIKey(configured, presented string) bool {
	if isBcryptHash(configured) {
		return bcrypt.CompareHashAndPassword([]byte(configured), []byte(presented)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(presented)) == 1
}

func isBcryptHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
