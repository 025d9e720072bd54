// Package auth implements credential and OAuth sign-in, session tokens and
// password reset.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chxlky/orba/internal/models"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var (
	ErrEmailTaken         = errors.New("email is already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrUserNotFound       = errors.New("user not found")
)

type Accounts struct {
	db *gorm.DB
}

func NewAccounts(db *gorm.DB) *Accounts {
	return &Accounts{db: db}
}

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register creates a credentials user and activates any invitations that
// were waiting for this email.
func (a *Accounts) Register(ctx context.Context, name, email, password string) (*models.User, error) {
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := &models.User{Name: strings.TrimSpace(name), Email: NormalizeEmail(email), PasswordHash: hash, Plan: models.PlanFree}
	err = a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(user).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrEmailTaken
			}
			return fmt.Errorf("create user: %w", err)
		}
		return activateMemberships(tx, user.Email)
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// Authenticate checks an email/password pair. OAuth-only users have no
// password and never authenticate this way.
func (a *Accounts) Authenticate(ctx context.Context, email, password string) (*models.User, error) {
	var user models.User
	err := a.db.WithContext(ctx).Where("email = ?", NormalizeEmail(email)).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	if user.PasswordHash == "" {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &user, nil
}

func (a *Accounts) ByID(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	err := a.db.WithContext(ctx).Where("id = ?", id).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	return &user, nil
}

// OAuthProfile is the identity returned by an OAuth provider.
type OAuthProfile struct {
	Provider          string
	ProviderAccountID string
	Email             string
	Name              string
	Image             string
	EmailVerified     bool
}

// SignInOAuth returns the user linked to the provider identity, linking an
// existing user with the same email or creating a new one when needed.
func (a *Accounts) SignInOAuth(ctx context.Context, p OAuthProfile) (*models.User, error) {
	if p.Email == "" || p.ProviderAccountID == "" {
		return nil, errors.New("oauth profile is missing email or account id")
	}
	var user models.User
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var acct models.Account
		err := tx.Where("provider = ? AND provider_account_id = ?", p.Provider, p.ProviderAccountID).First(&acct).Error
		if err == nil {
			return tx.Where("id = ?", acct.UserID).First(&user).Error
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("find account: %w", err)
		}

		email := NormalizeEmail(p.Email)
		err = tx.Where("email = ?", email).First(&user).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			user = models.User{Name: p.Name, Email: email, Image: p.Image, Plan: models.PlanFree}
			if p.EmailVerified {
				now := time.Now()
				user.EmailVerified = &now
			}
			if err := tx.Create(&user).Error; err != nil {
				return fmt.Errorf("create user: %w", err)
			}
		case err != nil:
			return fmt.Errorf("find user: %w", err)
		}

		acct = models.Account{UserID: user.ID, Provider: p.Provider, ProviderAccountID: p.ProviderAccountID}
		if err := tx.Create(&acct).Error; err != nil {
			return fmt.Errorf("link account: %w", err)
		}
		return activateMemberships(tx, email)
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func activateMemberships(tx *gorm.DB, email string) error {
	err := tx.Model(&models.ProjectMember{}).
		Where("email = ? AND status = ?", email, models.MemberStatusPending).
		Update("status", models.MemberStatusActive).Error
	if err != nil {
		return fmt.Errorf("activate memberships: %w", err)
	}
	return nil
}
