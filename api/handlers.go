package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/chxlky/orba/integrations"
	"github.com/chxlky/orba/internal/auth"
	"github.com/chxlky/orba/internal/billing"
	"github.com/chxlky/orba/internal/board"
	"github.com/chxlky/orba/internal/config"
	"github.com/chxlky/orba/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

// Payments creates hosted Stripe pages for a user.
type Payments interface {
	NewCheckoutSession(ctx context.Context, req integrations.CheckoutRequest) (string, error)
	NewPortalSession(ctx context.Context, customerID, returnURL string) (string, error)
}

// OAuthProvider is the Google sign-in flow.
type OAuthProvider interface {
	AuthCodeURL(state string) string
	Profile(ctx context.Context, code string) (auth.OAuthProfile, error)
}

// Calendar mirrors task due dates into an external calendar.
type Calendar interface {
	SyncTask(ctx context.Context, task *models.Task) (string, error)
	DeleteEvent(ctx context.Context, eventID string) error
}

type Handler struct {
	DB       *gorm.DB
	Config   *config.Config
	Board    *board.Service
	Accounts *auth.Accounts
	Sessions *auth.Sessions
	Resets   *auth.Resets
	Billing  *billing.Synchronizer
	Payments Payments
	Mailer   integrations.Mailer
	OAuth    OAuthProvider
	Calendar Calendar

	// Workers bounds the number of concurrent calendar syncs.
	Workers   chan struct{}
	pending   sync.WaitGroup
	taskLocks keyedMutex
}

// Register mounts every route under /api.
func (h *Handler) Register(r *gin.Engine) {
	binding.EnableDecoderDisallowUnknownFields = true
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterTagNameFunc(jsonFieldName)
		_ = v.RegisterValidation("singleline", singleLine)
	}

	api := r.Group("/api")
	api.GET("/health", h.HealthCheckHandler)
	api.POST("/webhooks/stripe", h.StripeWebhookHandler)
	api.POST("/contact", h.ContactHandler)

	authGroup := api.Group("/auth")
	{
		authGroup.POST("/register", h.RegisterHandler)
		authGroup.POST("/login", h.LoginHandler)
		authGroup.POST("/logout", h.LogoutHandler)
		authGroup.GET("/google", h.GoogleLoginHandler)
		authGroup.GET("/google/callback", h.GoogleCallbackHandler)
		authGroup.POST("/forgot-password", h.ForgotPasswordHandler)
		authGroup.POST("/reset-password", h.ResetPasswordHandler)
		authGroup.GET("/me", h.RequireSession(), h.MeHandler)
	}

	private := api.Group("", h.RequireSession())
	{
		private.GET("/projects", h.ListProjectsHandler)
		private.POST("/projects", h.CreateProjectHandler)
		private.GET("/projects/:id", h.GetProjectHandler)
		private.PUT("/projects/:id", h.UpdateProjectHandler)
		private.DELETE("/projects/:id", h.DeleteProjectHandler)

		private.GET("/projects/:id/columns", h.ListColumnsHandler)
		private.POST("/projects/:id/columns", h.CreateColumnHandler)
		private.PUT("/projects/:id/columns/:columnId", h.UpdateColumnHandler)
		private.DELETE("/projects/:id/columns/:columnId", h.DeleteColumnHandler)

		private.GET("/projects/:id/tasks", h.ListTasksHandler)
		private.POST("/projects/:id/tasks", h.CreateTaskHandler)
		private.PUT("/tasks/:id", h.UpdateTaskHandler)
		private.DELETE("/tasks/:id", h.DeleteTaskHandler)

		private.GET("/projects/:id/members", h.ListMembersHandler)
		private.POST("/projects/:id/members", h.InviteMemberHandler)
		private.DELETE("/projects/:id/members/:memberId", h.RemoveMemberHandler)
		private.POST("/projects/:id/leave", h.LeaveProjectHandler)

		private.GET("/tasks/:id/comments", h.ListCommentsHandler)
		private.POST("/tasks/:id/comments", h.CreateCommentHandler)
		private.DELETE("/comments/:id", h.DeleteCommentHandler)

		private.GET("/tasks/:id/attachments", h.ListAttachmentsHandler)
		private.POST("/tasks/:id/attachments", h.CreateAttachmentHandler)
		private.DELETE("/attachments/:id", h.DeleteAttachmentHandler)

		private.POST("/billing/checkout", h.CheckoutHandler)
		private.POST("/billing/portal", h.PortalHandler)
		private.GET("/billing/subscription", h.SubscriptionHandler)
	}
}

func (h *Handler) HealthCheckHandler(c *gin.Context) {
	sqlDB, err := h.DB.DB()
	if err == nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
