package models

type Comment struct {
	Base
	TaskID  string `gorm:"not null;index" json:"taskId"`
	UserID  string `gorm:"not null;index" json:"userId"`
	Content string `gorm:"not null" json:"content"`
	User    *User  `gorm:"constraint:OnDelete:CASCADE" json:"user,omitempty"`
}

type Attachment struct {
	Base
	TaskID   string `gorm:"not null;index" json:"taskId"`
	UserID   string `gorm:"not null;index" json:"userId"`
	Name     string `gorm:"not null" json:"name"`
	URL      string `gorm:"not null" json:"url"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
}

type ContactSubmission struct {
	Base
	Name    string `gorm:"not null" json:"name"`
	Email   string `gorm:"not null" json:"email"`
	Subject string `json:"subject"`
	Message string `gorm:"not null" json:"message"`
}
