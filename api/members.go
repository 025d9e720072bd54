package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/chxlky/orba/integrations"
	"github.com/chxlky/orba/internal/auth"
	"github.com/chxlky/orba/internal/board"
	"github.com/chxlky/orba/internal/models"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func (h *Handler) ListMembersHandler(c *gin.Context) {
	p, _, err := h.projectAccess(c, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	var members []models.ProjectMember
	if err := h.DB.WithContext(c.Request.Context()).Where("project_id = ?", p.ID).Order("created_at ASC").Find(&members).Error; err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, members)
}

type inviteMemberRequest struct {
	Email string `json:"email" binding:"required,email"`
	Name  string `json:"name" binding:"max=100"`
	Role  string `json:"role" binding:"omitempty,oneof=member admin"`
}

// InviteMemberHandler adds a member by email. The member is active right away
// when an account with that email exists, otherwise pending until sign up.
func (h *Handler) InviteMemberHandler(c *gin.Context) {
	var req inviteMemberRequest
	if err := bind(c, &req); err != nil {
		respondError(c, err)
		return
	}
	p, err := h.ownedProject(c, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	inviter := currentUser(c)
	email := auth.NormalizeEmail(req.Email)
	if email == inviter.Email {
		respondError(c, badRequest("You already own this project"))
		return
	}

	ctx := c.Request.Context()
	var existing models.User
	err = h.DB.WithContext(ctx).Where("email = ?", email).First(&existing).Error
	hasAccount := err == nil
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		respondError(c, err)
		return
	}

	member := &models.ProjectMember{
		ProjectID: p.ID,
		Email:     email,
		Name:      req.Name,
		Role:      req.Role,
		Status:    models.MemberStatusPending,
		InvitedBy: inviter.ID,
	}
	if member.Role == "" {
		member.Role = models.MemberRoleMember
	}
	if hasAccount {
		member.Status = models.MemberStatusActive
		if member.Name == "" {
			member.Name = existing.Name
		}
	}
	if err := h.DB.WithContext(ctx).Create(member).Error; err != nil {
		respondError(c, err)
		return
	}

	h.sendInvite(ctx, inviter, p, member, hasAccount)
	c.JSON(http.StatusCreated, member)
}

// sendInvite emails the invitation. The member is already saved, so a
// failure is only logged.
func (h *Handler) sendInvite(ctx context.Context, inviter *models.User, p *models.Project, m *models.ProjectMember, hasAccount bool) {
	inviterName := inviter.Name
	if inviterName == "" {
		inviterName = inviter.Email
	}
	msg, err := integrations.InviteEmail(m.Email, integrations.InviteData{
		AppName:    h.Config.App.Name,
		Name:       m.Name,
		Inviter:    inviterName,
		Project:    p.Name,
		Link:       h.Config.App.BaseURL + "/projects/" + p.ID,
		HasAccount: hasAccount,
	})
	if err == nil {
		err = h.Mailer.Send(ctx, msg)
	}
	if err != nil {
		zap.L().Warn("Failed to send invitation email", zap.String("projectID", p.ID), zap.String("email", m.Email), zap.Error(err))
	}
}

func (h *Handler) RemoveMemberHandler(c *gin.Context) {
	p, err := h.ownedProject(c, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	res := h.DB.WithContext(c.Request.Context()).
		Where("id = ? AND project_id = ?", c.Param("memberId"), p.ID).
		Delete(&models.ProjectMember{})
	if res.Error != nil {
		respondError(c, res.Error)
		return
	}
	if res.RowsAffected == 0 {
		respondError(c, board.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Member removed"})
}

func (h *Handler) LeaveProjectHandler(c *gin.Context) {
	p, role, err := h.projectAccess(c, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if role == roleOwner {
		respondError(c, badRequest("Project owners cannot leave their own project"))
		return
	}
	user := currentUser(c)
	err = h.DB.WithContext(c.Request.Context()).
		Where("project_id = ? AND email = ?", p.ID, user.Email).
		Delete(&models.ProjectMember{}).Error
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Left project"})
}
