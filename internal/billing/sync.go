// Package billing keeps local subscription state in line with Stripe.
//
// Every webhook event re-derives the full target state from the event (or from
// Stripe) and upserts it, so replaying an event converges on the same result.
// The Subscription row and the fields mirrored onto User are always written in
// the same transaction, and Mirror is the only place those User fields are
// derived.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chxlky/orba/internal/models"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	EventCheckoutCompleted     = "checkout.session.completed"
	EventSubscriptionCreated   = "customer.subscription.created"
	EventSubscriptionUpdated   = "customer.subscription.updated"
	EventSubscriptionDeleted   = "customer.subscription.deleted"
	EventInvoicePaymentSuccess = "invoice.payment_succeeded"
	EventInvoicePaymentFailed  = "invoice.payment_failed"

	metadataUserID = "userId"
)

var (
	ErrSignature            = errors.New("invalid webhook signature")
	ErrNotConfigured        = errors.New("stripe webhook secret is not configured")
	ErrUnknownCustomer      = errors.New("no user for stripe customer")
	ErrUnknownSubscription  = errors.New("no local subscription")
	ErrMissingCheckoutOwner = errors.New("checkout session has no userId metadata")
)

// SubscriptionFetcher resolves the current state of a subscription from Stripe.
type SubscriptionFetcher interface {
	GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
}

// Deduper records processed event ids. Add reports whether the id is new.
type Deduper interface {
	Add(ctx context.Context, key string) (bool, error)
	Remove(ctx context.Context, key string) error
}

type Synchronizer struct {
	db            *gorm.DB
	fetcher       SubscriptionFetcher
	webhookSecret string
	planForPrice  func(priceID string) string
	deduper       Deduper
}

type Option func(*Synchronizer)

// WithDeduper drops repeated deliveries of the same event id.
func WithDeduper(d Deduper) Option {
	return func(s *Synchronizer) { s.deduper = d }
}

func NewSynchronizer(db *gorm.DB, fetcher SubscriptionFetcher, webhookSecret string, planForPrice func(string) string, opts ...Option) *Synchronizer {
	s := &Synchronizer{db: db, fetcher: fetcher, webhookSecret: webhookSecret, planForPrice: planForPrice}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Verify checks the Stripe-Signature header against the payload. Without a
// webhook secret every event is rejected.
func (s *Synchronizer) Verify(payload []byte, signature string) (stripe.Event, error) {
	if s.webhookSecret == "" {
		return stripe.Event{}, ErrNotConfigured
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrSignature, err)
	}
	return event, nil
}

// Process verifies and handles one webhook delivery.
func (s *Synchronizer) Process(ctx context.Context, payload []byte, signature string) error {
	event, err := s.Verify(payload, signature)
	if err != nil {
		return err
	}

	if s.deduper != nil && event.ID != "" {
		fresh, err := s.deduper.Add(ctx, event.ID)
		if err != nil {
			zap.L().Warn("Event dedup unavailable, processing anyway", zap.String("eventID", event.ID), zap.Error(err))
		} else if !fresh {
			zap.L().Info("Skipping duplicate stripe event", zap.String("eventID", event.ID), zap.String("type", string(event.Type)))
			return nil
		}
	}

	if err := s.Handle(ctx, event); err != nil {
		if s.deduper != nil && event.ID != "" {
			if rerr := s.deduper.Remove(ctx, event.ID); rerr != nil {
				zap.L().Error("Failed to release dedup key", zap.String("eventID", event.ID), zap.Error(rerr))
			}
		}
		return err
	}
	return nil
}

// Handle applies an already verified event.
func (s *Synchronizer) Handle(ctx context.Context, event stripe.Event) error {
	if event.Data == nil {
		return fmt.Errorf("event %s has no data", event.ID)
	}
	log := zap.L().With(zap.String("eventID", event.ID), zap.String("type", string(event.Type)))

	switch event.Type {
	case EventCheckoutCompleted:
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
			return fmt.Errorf("decode checkout session: %w", err)
		}
		return s.checkoutCompleted(ctx, &cs)

	case EventSubscriptionCreated, EventSubscriptionUpdated:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		userID, err := s.ownerOf(ctx, &sub)
		if err != nil {
			return err
		}
		return s.upsert(ctx, userID, &sub)

	case EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		userID, err := s.ownerOf(ctx, &sub)
		if errors.Is(err, ErrUnknownCustomer) {
			log.Info("Subscription deleted for unknown customer, nothing to clear")
			return nil
		}
		if err != nil {
			return err
		}
		return s.remove(ctx, userID)

	case EventInvoicePaymentSuccess, EventInvoicePaymentFailed:
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return fmt.Errorf("decode invoice: %w", err)
		}
		if inv.Subscription == nil || inv.Subscription.ID == "" {
			log.Debug("Invoice is not tied to a subscription")
			return nil
		}
		sub, err := s.fetch(ctx, inv.Subscription.ID)
		if err != nil {
			return err
		}
		return s.invoicePaid(ctx, sub, event.Type == EventInvoicePaymentSuccess)

	default:
		log.Debug("Ignoring unhandled stripe event")
		return nil
	}
}

func (s *Synchronizer) checkoutCompleted(ctx context.Context, cs *stripe.CheckoutSession) error {
	if cs.Mode != stripe.CheckoutSessionModeSubscription || cs.Subscription == nil {
		return nil
	}
	userID := cs.Metadata[metadataUserID]
	if userID == "" {
		userID = cs.ClientReferenceID
	}
	if userID == "" {
		return fmt.Errorf("%w: session %s", ErrMissingCheckoutOwner, cs.ID)
	}
	sub, err := s.fetch(ctx, cs.Subscription.ID)
	if err != nil {
		return err
	}
	return s.upsert(ctx, userID, sub)
}

func (s *Synchronizer) fetch(ctx context.Context, id string) (*stripe.Subscription, error) {
	if s.fetcher == nil {
		return nil, errors.New("stripe client is not configured")
	}
	sub, err := s.fetcher.GetSubscription(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetch subscription %s: %w", id, err)
	}
	return sub, nil
}

// ownerOf resolves the local user by Stripe customer id, falling back to the
// userId metadata set on subscriptions created through checkout.
func (s *Synchronizer) ownerOf(ctx context.Context, sub *stripe.Subscription) (string, error) {
	if sub.Customer != nil && sub.Customer.ID != "" {
		var user models.User
		err := s.db.WithContext(ctx).Select("id").Where("stripe_customer_id = ?", sub.Customer.ID).First(&user).Error
		if err == nil {
			return user.ID, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("find user by customer: %w", err)
		}
	}
	if id := sub.Metadata[metadataUserID]; id != "" {
		var n int64
		if err := s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", id).Count(&n).Error; err != nil {
			return "", fmt.Errorf("find user: %w", err)
		}
		if n > 0 {
			return id, nil
		}
	}
	customer := ""
	if sub.Customer != nil {
		customer = sub.Customer.ID
	}
	return "", fmt.Errorf("%w %q", ErrUnknownCustomer, customer)
}

// Record builds the local subscription row for a Stripe subscription.
func (s *Synchronizer) Record(userID string, sub *stripe.Subscription) models.Subscription {
	rec := models.Subscription{
		UserID:               userID,
		StripeSubscriptionID: sub.ID,
		Status:               string(sub.Status),
		CancelAtPeriodEnd:    sub.CancelAtPeriodEnd,
		CurrentPeriodEnd:     time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
	}
	if sub.Customer != nil {
		rec.StripeCustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		rec.StripePriceID = sub.Items.Data[0].Price.ID
	}
	rec.Plan = s.planForPrice(rec.StripePriceID)
	return rec
}

// Mirror derives the User columns that duplicate the subscription. User.Plan
// is pro only for an entitled pro subscription and free otherwise.
func Mirror(sub *models.Subscription) map[string]any {
	plan := models.PlanFree
	if sub.Entitled() && sub.Plan == models.PlanPro {
		plan = models.PlanPro
	}
	return map[string]any{
		"stripe_customer_id":        sub.StripeCustomerID,
		"stripe_subscription_id":    sub.StripeSubscriptionID,
		"stripe_price_id":           sub.StripePriceID,
		"stripe_current_period_end": sub.CurrentPeriodEnd,
		"plan":                      plan,
	}
}

func clearedMirror() map[string]any {
	return map[string]any{
		"stripe_customer_id":        nil,
		"stripe_subscription_id":    nil,
		"stripe_price_id":           nil,
		"stripe_current_period_end": nil,
		"plan":                      models.PlanFree,
	}
}

func (s *Synchronizer) upsert(ctx context.Context, userID string, sub *stripe.Subscription) error {
	rec := s.Record(userID, sub)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"stripe_subscription_id", "stripe_customer_id", "stripe_price_id",
				"plan", "status", "current_period_end", "cancel_at_period_end", "updated_at",
			}),
		}).Create(&rec).Error
		if err != nil {
			return fmt.Errorf("upsert subscription: %w", err)
		}
		return writeMirror(tx, userID, Mirror(&rec))
	})
}

func (s *Synchronizer) remove(ctx context.Context, userID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&models.Subscription{}).Error; err != nil {
			return fmt.Errorf("delete subscription: %w", err)
		}
		return writeMirror(tx, userID, clearedMirror())
	})
}

// invoicePaid refreshes status, and on success the period end, of an existing subscription.
func (s *Synchronizer) invoicePaid(ctx context.Context, sub *stripe.Subscription, succeeded bool) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec models.Subscription
		err := tx.Where("stripe_subscription_id = ?", sub.ID).First(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w %s", ErrUnknownSubscription, sub.ID)
		}
		if err != nil {
			return fmt.Errorf("find subscription: %w", err)
		}

		changes := map[string]any{"status": string(sub.Status)}
		rec.Status = string(sub.Status)
		if succeeded {
			rec.CurrentPeriodEnd = time.Unix(sub.CurrentPeriodEnd, 0).UTC()
			changes["current_period_end"] = rec.CurrentPeriodEnd
		}
		if err := tx.Model(&rec).Updates(changes).Error; err != nil {
			return fmt.Errorf("update subscription: %w", err)
		}
		return writeMirror(tx, rec.UserID, Mirror(&rec))
	})
}

func writeMirror(tx *gorm.DB, userID string, fields map[string]any) error {
	res := tx.Model(&models.User{}).Where("id = ?", userID).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("mirror subscription onto user: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("mirror subscription onto user %s: %w", userID, gorm.ErrRecordNotFound)
	}
	return nil
}
