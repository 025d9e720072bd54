package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Base struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (b *Base) BeforeCreate(*gorm.DB) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	return nil
}

// All lists every model for AutoMigrate, parents before children.
func All() []any {
	return []any{
		&User{},
		&Account{},
		&VerificationToken{},
		&Subscription{},
		&Project{},
		&Column{},
		&Task{},
		&ProjectMember{},
		&Comment{},
		&Attachment{},
		&ContactSubmission{},
	}
}
