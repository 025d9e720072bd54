package models

import "time"

type Subscription struct {
	Base
	UserID               string    `gorm:"not null;uniqueIndex" json:"userId"`
	StripeSubscriptionID string    `gorm:"not null;uniqueIndex" json:"stripeSubscriptionId"`
	StripeCustomerID     string    `gorm:"not null;index" json:"stripeCustomerId"`
	StripePriceID        string    `json:"stripePriceId"`
	Plan                 string    `gorm:"not null" json:"plan"`
	Status               string    `gorm:"not null" json:"status"`
	CurrentPeriodEnd     time.Time `json:"currentPeriodEnd"`
	CancelAtPeriodEnd    bool      `json:"cancelAtPeriodEnd"`
}

// Entitled reports whether the subscription currently grants paid features.
func (s *Subscription) Entitled() bool {
	return s.Status == "active" || s.Status == "trialing"
}
