package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/chxlky/orba/internal/auth"
	"github.com/chxlky/orba/internal/models"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	sessionCookie = "orba_session"
	userKey       = "user"
)

func sessionToken(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if cookie, err := c.Cookie(sessionCookie); err == nil {
		return cookie
	}
	return ""
}

// RequireSession loads the signed-in user from a bearer token or the session
// cookie and aborts with 401 when there is none.
func (h *Handler) RequireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := sessionToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		claims, err := h.Sessions.Parse(token)
		if err != nil {
			zap.L().Debug("Rejected session token", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		user, err := h.Accounts.ByID(c.Request.Context(), claims.UserID)
		if errors.Is(err, auth.ErrUserNotFound) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		if err != nil {
			respondError(c, err)
			c.Abort()
			return
		}
		c.Set(userKey, user)
		c.Next()
	}
}

func currentUser(c *gin.Context) *models.User {
	return c.MustGet(userKey).(*models.User)
}

func (h *Handler) setSessionCookie(c *gin.Context, token string) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(sessionCookie, token, int(h.Sessions.TTL().Seconds()), "/", "", h.Config.Auth.CookieSecure, true)
}

func (h *Handler) clearSessionCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(sessionCookie, "", -1, "/", "", h.Config.Auth.CookieSecure, true)
}
