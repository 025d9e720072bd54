package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/chxlky/orba/integrations"
	"github.com/chxlky/orba/internal/billing"
	"github.com/chxlky/orba/internal/board"
	"github.com/chxlky/orba/internal/models"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxWebhookBody = 512 << 10

// StripeWebhookHandler verifies and applies a Stripe event. Any failure after
// verification answers 500 so Stripe redelivers the event.
func (h *Handler) StripeWebhookHandler(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			zap.L().Warn("Rejected oversized stripe webhook", zap.Int64("limit", tooLarge.Limit))
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request body too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unable to read request body"})
		return
	}

	err = h.Billing.Process(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"received": true})
	case errors.Is(err, billing.ErrNotConfigured):
		zap.L().Warn("Stripe webhook received but no webhook secret is configured")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Billing is not configured"})
	case errors.Is(err, billing.ErrSignature):
		zap.L().Warn("Rejected stripe webhook", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid signature"})
	default:
		zap.L().Error("Stripe webhook handler failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Webhook handler failed"})
	}
}

func (h *Handler) CheckoutHandler(c *gin.Context) {
	if h.Payments == nil || h.Config.Stripe.ProPriceID == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Billing is not configured"})
		return
	}
	user := currentUser(c)
	req := integrations.CheckoutRequest{
		UserID:     user.ID,
		Email:      user.Email,
		PriceID:    h.Config.Stripe.ProPriceID,
		SuccessURL: h.Config.App.BaseURL + "/dashboard?checkout=success",
		CancelURL:  h.Config.App.BaseURL + "/pricing",
	}
	if user.StripeCustomerID != nil {
		req.CustomerID = *user.StripeCustomerID
	}
	url, err := h.Payments.NewCheckoutSession(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

func (h *Handler) PortalHandler(c *gin.Context) {
	if h.Payments == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Billing is not configured"})
		return
	}
	user := currentUser(c)
	if user.StripeCustomerID == nil || *user.StripeCustomerID == "" {
		respondError(c, badRequest("No billing account found"))
		return
	}
	url, err := h.Payments.NewPortalSession(c.Request.Context(), *user.StripeCustomerID, h.Config.App.BaseURL+"/settings/billing")
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

func (h *Handler) SubscriptionHandler(c *gin.Context) {
	var sub models.Subscription
	err := h.DB.WithContext(c.Request.Context()).Where("user_id = ?", currentUser(c).ID).First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		err = board.ErrNotFound
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}
