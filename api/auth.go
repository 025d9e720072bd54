package api

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/chxlky/orba/integrations"
	"github.com/chxlky/orba/internal/auth"
	"github.com/chxlky/orba/internal/models"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const oauthStateCookie = "orba_oauth_state"

type registerRequest struct {
	Name     string `json:"name" binding:"required,max=100"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8,max=72"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type sessionResponse struct {
	User  *models.User `json:"user"`
	Token string       `json:"token"`
}

func (h *Handler) startSession(c *gin.Context, status int, user *models.User) {
	token, err := h.Sessions.Issue(user)
	if err != nil {
		respondError(c, err)
		return
	}
	h.setSessionCookie(c, token)
	c.JSON(status, sessionResponse{User: user, Token: token})
}

func (h *Handler) RegisterHandler(c *gin.Context) {
	var req registerRequest
	if err := bind(c, &req); err != nil {
		respondError(c, err)
		return
	}
	user, err := h.Accounts.Register(c.Request.Context(), req.Name, req.Email, req.Password)
	if err != nil {
		respondError(c, err)
		return
	}
	zap.L().Info("User registered", zap.String("userID", user.ID))
	h.startSession(c, http.StatusCreated, user)
}

func (h *Handler) LoginHandler(c *gin.Context) {
	var req loginRequest
	if err := bind(c, &req); err != nil {
		respondError(c, err)
		return
	}
	user, err := h.Accounts.Authenticate(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		respondError(c, err)
		return
	}
	h.startSession(c, http.StatusOK, user)
}

func (h *Handler) LogoutHandler(c *gin.Context) {
	h.clearSessionCookie(c)
	c.JSON(http.StatusOK, gin.H{"message": "Signed out"})
}

func (h *Handler) MeHandler(c *gin.Context) {
	c.JSON(http.StatusOK, currentUser(c))
}

func (h *Handler) GoogleLoginHandler(c *gin.Context) {
	if h.OAuth == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Google sign-in is not configured"})
		return
	}
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		respondError(c, err)
		return
	}
	state := hex.EncodeToString(buf)
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(oauthStateCookie, state, 600, "/api/auth/google", "", h.Config.Auth.CookieSecure, true)
	c.Redirect(http.StatusTemporaryRedirect, h.OAuth.AuthCodeURL(state))
}

func (h *Handler) GoogleCallbackHandler(c *gin.Context) {
	if h.OAuth == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Google sign-in is not configured"})
		return
	}
	state, err := c.Cookie(oauthStateCookie)
	if err != nil || state == "" || subtle.ConstantTimeCompare([]byte(state), []byte(c.Query("state"))) != 1 {
		respondError(c, badRequest("Invalid OAuth state"))
		return
	}
	c.SetCookie(oauthStateCookie, "", -1, "/api/auth/google", "", h.Config.Auth.CookieSecure, true)

	code := c.Query("code")
	if code == "" {
		respondError(c, badRequest("Missing authorization code"))
		return
	}
	profile, err := h.OAuth.Profile(c.Request.Context(), code)
	if err != nil {
		zap.L().Warn("Google sign-in failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Google sign-in failed"})
		return
	}
	user, err := h.Accounts.SignInOAuth(c.Request.Context(), profile)
	if err != nil {
		respondError(c, err)
		return
	}
	token, err := h.Sessions.Issue(user)
	if err != nil {
		respondError(c, err)
		return
	}
	h.setSessionCookie(c, token)
	c.Redirect(http.StatusFound, h.Config.App.BaseURL+"/dashboard")
}

type forgotPasswordRequest struct {
	Email string `json:"email" binding:"required,email"`
}

// ForgotPasswordHandler answers the same way whether or not the account
// exists. Failing to send the email is an error since the reset cannot
// proceed without it.
func (h *Handler) ForgotPasswordHandler(c *gin.Context) {
	var req forgotPasswordRequest
	if err := bind(c, &req); err != nil {
		respondError(c, err)
		return
	}
	ok := gin.H{"message": "If an account exists for that email, a reset link has been sent."}

	raw, user, err := h.Resets.Issue(c.Request.Context(), req.Email)
	if errors.Is(err, auth.ErrUserNotFound) {
		c.JSON(http.StatusOK, ok)
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}

	link := h.Config.App.BaseURL + "/reset-password?token=" + url.QueryEscape(raw)
	msg, err := integrations.ResetEmail(user.Email, integrations.ResetData{
		AppName: h.Config.App.Name,
		Name:    user.Name,
		Link:    link,
		Expires: humanDuration(h.Config.Auth.ResetTokenTTL),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	if err := h.Mailer.Send(c.Request.Context(), msg); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ok)
}

type resetPasswordRequest struct {
	Token    string `json:"token" binding:"required"`
	Password string `json:"password" binding:"required,min=8,max=72"`
}

func (h *Handler) ResetPasswordHandler(c *gin.Context) {
	var req resetPasswordRequest
	if err := bind(c, &req); err != nil {
		respondError(c, err)
		return
	}
	if err := h.Resets.Reset(c.Request.Context(), req.Token, req.Password); err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			err = auth.ErrInvalidToken
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Password updated"})
}

func humanDuration(d time.Duration) string {
	if d >= time.Hour && d%time.Hour == 0 {
		if n := int(d / time.Hour); n != 1 {
			return fmt.Sprintf("%d hours", n)
		}
		return "1 hour"
	}
	return fmt.Sprintf("%d minutes", int(d/time.Minute))
}
