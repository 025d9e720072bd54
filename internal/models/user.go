package models

import "time"

const (
	PlanFree    = "free"
	PlanStarter = "starter"
	PlanPro     = "pro"
)

type User struct {
	Base
	Name          string     `json:"name"`
	Email         string     `gorm:"uniqueIndex;not null" json:"email"`
	PasswordHash  string     `json:"-"`
	Image         string     `json:"image,omitempty"`
	EmailVerified *time.Time `json:"emailVerified,omitempty"`
	Plan          string     `gorm:"not null;default:free" json:"plan"`

	// Mirrored from Subscription so auth checks can gate features without a join.
	StripeCustomerID       *string    `gorm:"uniqueIndex" json:"-"`
	StripeSubscriptionID   *string    `json:"-"`
	StripePriceID          *string    `json:"-"`
	StripeCurrentPeriodEnd *time.Time `json:"-"`

	Accounts     []Account     `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Subscription *Subscription `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

// Account links a user to an OAuth provider identity.
type Account struct {
	Base
	UserID            string `gorm:"index;not null"`
	Provider          string `gorm:"uniqueIndex:idx_account_provider;not null"`
	ProviderAccountID string `gorm:"uniqueIndex:idx_account_provider;not null"`
}

// VerificationToken holds the SHA-256 hash of a password reset token, never the token itself.
type VerificationToken struct {
	Base
	Identifier string    `gorm:"index;not null"`
	TokenHash  string    `gorm:"uniqueIndex;not null"`
	Expires    time.Time `gorm:"not null"`
}
