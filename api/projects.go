package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/chxlky/orba/internal/board"
	"github.com/chxlky/orba/internal/models"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

const (
	roleOwner  = "owner"
	roleMember = "member"
)

type projectResponse struct {
	models.Project
	Role string `json:"role"`
}

// projectAccess loads a project the current user owns or is an active member
// of. Anything else is reported as not found.
func (h *Handler) projectAccess(c *gin.Context, projectID string) (*models.Project, string, error) {
	user := currentUser(c)
	db := h.DB.WithContext(c.Request.Context())

	var p models.Project
	if err := db.Where("id = ?", projectID).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, "", board.ErrNotFound
		}
		return nil, "", fmt.Errorf("find project: %w", err)
	}
	if p.UserID == user.ID {
		return &p, roleOwner, nil
	}
	var n int64
	err := db.Model(&models.ProjectMember{}).
		Where("project_id = ? AND email = ? AND status = ?", p.ID, user.Email, models.MemberStatusActive).
		Count(&n).Error
	if err != nil {
		return nil, "", fmt.Errorf("check membership: %w", err)
	}
	if n == 0 {
		return nil, "", board.ErrNotFound
	}
	return &p, roleMember, nil
}

// ownedProject loads a project only when the current user owns it.
func (h *Handler) ownedProject(c *gin.Context, projectID string) (*models.Project, error) {
	p, role, err := h.projectAccess(c, projectID)
	if err != nil {
		return nil, err
	}
	if role != roleOwner {
		return nil, board.ErrNotFound
	}
	return p, nil
}

func (h *Handler) ListProjectsHandler(c *gin.Context) {
	user := currentUser(c)
	db := h.DB.WithContext(c.Request.Context())

	var owned []models.Project
	if err := db.Where("user_id = ?", user.ID).Order("created_at DESC").Find(&owned).Error; err != nil {
		respondError(c, err)
		return
	}
	memberOf := db.Model(&models.ProjectMember{}).Select("project_id").
		Where("email = ? AND status = ?", user.Email, models.MemberStatusActive)
	var shared []models.Project
	if err := db.Where("id IN (?) AND user_id <> ?", memberOf, user.ID).Order("created_at DESC").Find(&shared).Error; err != nil {
		respondError(c, err)
		return
	}

	out := make([]projectResponse, 0, len(owned)+len(shared))
	for _, p := range owned {
		out = append(out, projectResponse{Project: p, Role: roleOwner})
	}
	for _, p := range shared {
		out = append(out, projectResponse{Project: p, Role: roleMember})
	}
	c.JSON(http.StatusOK, out)
}

type createProjectRequest struct {
	Name        string     `json:"name" binding:"required,max=100,singleline"`
	Description string     `json:"description" binding:"max=1000"`
	Color       string     `json:"color" binding:"omitempty,hexcolor"`
	DueDate     *time.Time `json:"dueDate"`
}

func (h *Handler) CreateProjectHandler(c *gin.Context) {
	var req createProjectRequest
	if err := bind(c, &req); err != nil {
		respondError(c, err)
		return
	}
	user := currentUser(c)
	if err := h.checkProjectLimit(c.Request.Context(), user); err != nil {
		respondError(c, err)
		return
	}

	p := &models.Project{Name: req.Name, Description: req.Description, Color: req.Color, UserID: user.ID, DueDate: req.DueDate}
	if p.Color == "" {
		p.Color = "#3b82f6"
	}
	if err := h.Board.CreateProject(c.Request.Context(), p); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, projectResponse{Project: *p, Role: roleOwner})
}

// checkProjectLimit enforces the project cap for accounts without a paid plan.
func (h *Handler) checkProjectLimit(ctx context.Context, user *models.User) error {
	limit := h.Config.Billing.FreeProjectLimit
	if user.Plan != models.PlanFree || limit <= 0 {
		return nil
	}
	var n int64
	if err := h.DB.WithContext(ctx).Model(&models.Project{}).Where("user_id = ?", user.ID).Count(&n).Error; err != nil {
		return fmt.Errorf("count projects: %w", err)
	}
	if n >= int64(limit) {
		return &planLimitError{limit: limit}
	}
	return nil
}

func (h *Handler) GetProjectHandler(c *gin.Context) {
	p, role, err := h.projectAccess(c, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	cols, err := h.Board.Columns(c.Request.Context(), p.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	p.Columns = cols
	c.JSON(http.StatusOK, projectResponse{Project: *p, Role: role})
}

type updateProjectRequest struct {
	Name        *string      `json:"name" binding:"omitnil,min=1,max=100,singleline"`
	Description *string      `json:"description" binding:"omitnil,max=1000"`
	Color       *string      `json:"color" binding:"omitnil,hexcolor"`
	DueDate     optionalTime `json:"dueDate"`
}

func (h *Handler) UpdateProjectHandler(c *gin.Context) {
	var req updateProjectRequest
	if err := bind(c, &req); err != nil {
		respondError(c, err)
		return
	}
	p, err := h.ownedProject(c, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	changes := map[string]any{}
	if req.Name != nil {
		changes["name"] = *req.Name
		p.Name = *req.Name
	}
	if req.Description != nil {
		changes["description"] = *req.Description
		p.Description = *req.Description
	}
	if req.Color != nil {
		changes["color"] = *req.Color
		p.Color = *req.Color
	}
	if req.DueDate.Set {
		changes["due_date"] = req.DueDate.Value
		p.DueDate = req.DueDate.Value
	}
	if len(changes) > 0 {
		if err := h.DB.WithContext(c.Request.Context()).Model(p).Updates(changes).Error; err != nil {
			respondError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, projectResponse{Project: *p, Role: roleOwner})
}

func (h *Handler) DeleteProjectHandler(c *gin.Context) {
	p, err := h.ownedProject(c, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	events, err := h.eventIDs(c.Request.Context(), "project_id = ?", p.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	if err := h.Board.DeleteProject(c.Request.Context(), p.ID); err != nil {
		respondError(c, err)
		return
	}
	h.dropEvents(events...)
	c.JSON(http.StatusOK, gin.H{"message": "Project deleted"})
}
