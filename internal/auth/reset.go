package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/chxlky/orba/internal/models"
	"gorm.io/gorm"
)

var (
	ErrInvalidToken = errors.New("invalid or expired reset token")
	ErrExpiredToken = fmt.Errorf("%w: expired", ErrInvalidToken)
)

// Resets manages single-use password reset tokens. Only the SHA-256 hash of
// a token is stored.
type Resets struct {
	db  *gorm.DB
	ttl time.Duration
	now func() time.Time
}

func NewResets(db *gorm.DB, ttl time.Duration) *Resets {
	return &Resets{db: db, ttl: ttl, now: time.Now}
}

func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Issue creates a reset token for the user with this email, replacing any
// earlier one. It returns ErrUserNotFound when no such user exists.
func (r *Resets) Issue(ctx context.Context, email string) (string, *models.User, error) {
	email = NormalizeEmail(email)
	var user models.User
	err := r.db.WithContext(ctx).Where("email = ?", email).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil, ErrUserNotFound
	}
	if err != nil {
		return "", nil, fmt.Errorf("find user: %w", err)
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("generate token: %w", err)
	}
	raw := hex.EncodeToString(buf)

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("identifier = ?", email).Delete(&models.VerificationToken{}).Error; err != nil {
			return fmt.Errorf("delete old tokens: %w", err)
		}
		vt := models.VerificationToken{Identifier: email, TokenHash: HashToken(raw), Expires: r.now().Add(r.ttl)}
		if err := tx.Create(&vt).Error; err != nil {
			return fmt.Errorf("store token: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	return raw, &user, nil
}

// Reset sets a new password for the token's owner and consumes the token.
// An expired token, or one whose user no longer exists, is deleted and rejected.
func (r *Resets) Reset(ctx context.Context, raw, password string) error {
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	var expired, orphaned bool
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var vt models.VerificationToken
		err := tx.Where("token_hash = ?", HashToken(raw)).First(&vt).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrInvalidToken
		}
		if err != nil {
			return fmt.Errorf("find token: %w", err)
		}
		if !r.now().Before(vt.Expires) {
			if err := tx.Delete(&vt).Error; err != nil {
				return fmt.Errorf("delete expired token: %w", err)
			}
			expired = true
			return nil
		}
		res := tx.Model(&models.User{}).Where("email = ?", vt.Identifier).Update("password_hash", hash)
		if res.Error != nil {
			return fmt.Errorf("update password: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			if err := tx.Delete(&vt).Error; err != nil {
				return fmt.Errorf("delete orphaned token: %w", err)
			}
			orphaned = true
			return nil
		}
		if err := tx.Delete(&vt).Error; err != nil {
			return fmt.Errorf("consume token: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	switch {
	case expired:
		return ErrExpiredToken
	case orphaned:
		return ErrUserNotFound
	}
	return nil
}
