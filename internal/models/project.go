package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"

	MemberRoleMember = "member"
	MemberRoleAdmin  = "admin"

	MemberStatusPending = "pending"
	MemberStatusActive  = "active"
)

type Project struct {
	Base
	Name        string     `gorm:"not null" json:"name"`
	Description string     `json:"description"`
	Color       string     `gorm:"not null;default:#3b82f6" json:"color"`
	UserID      string     `gorm:"index;not null" json:"userId"`
	DueDate     *time.Time `json:"dueDate,omitempty"`

	Columns []Column        `gorm:"constraint:OnDelete:CASCADE" json:"columns,omitempty"`
	Tasks   []Task          `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Members []ProjectMember `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

type Column struct {
	Base
	Title     string `gorm:"not null;uniqueIndex:idx_column_project_title" json:"title"`
	Color     string `gorm:"not null;default:#64748b" json:"color"`
	Position  int    `gorm:"not null;default:0" json:"position"`
	ProjectID string `gorm:"not null;index;uniqueIndex:idx_column_project_title" json:"projectId"`

	Tasks []Task `gorm:"constraint:OnDelete:SET NULL" json:"tasks"`
}

type Task struct {
	Base
	Title       string                      `gorm:"not null" json:"title"`
	Description string                      `json:"description"`
	Status      string                      `json:"status"`
	Priority    string                      `gorm:"not null;default:medium" json:"priority"`
	DueDate     *time.Time                  `json:"dueDate,omitempty"`
	Labels      datatypes.JSONSlice[string] `json:"labels"`
	Assignee    string                      `json:"assignee"`
	Position    int                         `gorm:"not null;default:0;index" json:"position"`
	ProjectID   string                      `gorm:"not null;index" json:"projectId"`
	ColumnID    *string                     `gorm:"index" json:"columnId"`
	EventID     string                      `json:"-"`

	Comments    []Comment    `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Attachments []Attachment `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

type ProjectMember struct {
	Base
	ProjectID string `gorm:"not null;uniqueIndex:idx_member_project_email" json:"projectId"`
	Email     string `gorm:"not null;uniqueIndex:idx_member_project_email;index" json:"email"`
	Name      string `json:"name"`
	Role      string `gorm:"not null;default:member" json:"role"`
	Status    string `gorm:"not null;default:pending" json:"status"`
	InvitedBy string `json:"invitedBy"`
}
