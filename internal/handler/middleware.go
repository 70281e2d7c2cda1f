package handler

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/juliankiedaisch/iserv-remote-desktop-sub001/internal/session"
)

const principalContextKey = "principal"

// Authenticator resolves the caller into a principal and aborts the request
// when it cannot.
type Authenticator interface {
	Require() gin.HandlerFunc
}

// RedisAuthenticator trusts the SSO front door: the portal stores the
// authenticated principal in redis under the session token it hands to the
// browser, and this middleware looks it up per request.
type RedisAuthenticator struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedisAuthenticator(client *redis.Client) *RedisAuthenticator {
	return &RedisAuthenticator{client: client, keyPrefix: "desktop_broker:principal:"}
}

func (a *RedisAuthenticator) Require() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := sessionToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		raw, err := a.client.Get(c.Request.Context(), a.keyPrefix+token).Result()
		if err == redis.Nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session expired or unknown"})
			return
		}
		if err != nil {
			log.Printf("Principal lookup failed: %v", err)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "authentication backend unavailable"})
			return
		}

		var principal session.Principal
		if err := json.Unmarshal([]byte(raw), &principal); err != nil || principal.UserID == "" {
			log.Printf("Malformed principal for token %.8s...: %v", token, err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid session"})
			return
		}

		c.Set(principalContextKey, principal)
		c.Next()
	}
}

// sessionToken extracts the portal session token: Authorization bearer first,
// then the X-Session-ID header, then the session cookie the portal sets.
func sessionToken(c *gin.Context) string {
	if token := bearer(c.GetHeader("Authorization")); token != "" {
		return token
	}
	if token := c.GetHeader("X-Session-ID"); token != "" {
		return token
	}
	if cookie, err := c.Cookie("session_id"); err == nil {
		return cookie
	}
	return ""
}

func bearer(h string) string {
	if strings.HasPrefix(strings.ToLower(h), "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// CurrentPrincipal returns the principal set by Require. It must only be
// called from handlers behind that middleware.
func CurrentPrincipal(c *gin.Context) session.Principal {
	principal, _ := c.Get(principalContextKey)
	p, _ := principal.(session.Principal)
	return p
}

// RequireTeacher gates a route group to teachers and admins.
func RequireTeacher() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !CurrentPrincipal(c).IsTeacher() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "teacher role required"})
			return
		}
		c.Next()
	}
}

// RequireAdmin gates a route group to admins.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !CurrentPrincipal(c).IsAdmin() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin role required"})
			return
		}
		c.Next()
	}
}
