package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/chxlky/orba/internal/board"
	"github.com/chxlky/orba/internal/models"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

func (h *Handler) ListTasksHandler(c *gin.Context) {
	p, _, err := h.projectAccess(c, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	tasks, err := h.Board.Tasks(c.Request.Context(), p.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tasks)
}

type createTaskRequest struct {
	Title       string     `json:"title" binding:"required,max=200"`
	Description string     `json:"description" binding:"max=5000"`
	Status      string     `json:"status" binding:"max=50"`
	Priority    string     `json:"priority" binding:"omitempty,oneof=low medium high"`
	DueDate     *time.Time `json:"dueDate"`
	Labels      []string   `json:"labels" binding:"max=20,dive,min=1,max=30"`
	Assignee    string     `json:"assignee" binding:"max=100"`
	ColumnID    *string    `json:"columnId"`
}

func (h *Handler) CreateTaskHandler(c *gin.Context) {
	var req createTaskRequest
	if err := bind(c, &req); err != nil {
		respondError(c, err)
		return
	}
	p, err := h.ownedProject(c, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	task := &models.Task{
		Title:       req.Title,
		Description: req.Description,
		Status:      req.Status,
		Priority:    req.Priority,
		DueDate:     req.DueDate,
		Labels:      req.Labels,
		Assignee:    req.Assignee,
		ProjectID:   p.ID,
		ColumnID:    req.ColumnID,
	}
	if task.Priority == "" {
		task.Priority = models.PriorityMedium
	}
	if err := h.Board.CreateTask(c.Request.Context(), task); err != nil {
		if errors.Is(err, board.ErrNotFound) {
			err = badRequest("Column does not belong to this project")
		}
		respondError(c, err)
		return
	}
	h.mirrorTask(task.ID)
	c.JSON(http.StatusCreated, task)
}

// ownedTask loads a task whose project the current user owns.
func (h *Handler) ownedTask(c *gin.Context, taskID string) (*models.Task, error) {
	task, role, err := h.taskAccess(c, taskID)
	if err != nil {
		return nil, err
	}
	if role != roleOwner {
		return nil, board.ErrNotFound
	}
	return task, nil
}

// taskAccess loads a task visible to the current user along with their role
// on its project.
func (h *Handler) taskAccess(c *gin.Context, taskID string) (*models.Task, string, error) {
	var task models.Task
	if err := h.DB.WithContext(c.Request.Context()).Where("id = ?", taskID).First(&task).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, "", board.ErrNotFound
		}
		return nil, "", fmt.Errorf("find task: %w", err)
	}
	_, role, err := h.projectAccess(c, task.ProjectID)
	if err != nil {
		return nil, "", err
	}
	return &task, role, nil
}

type updateTaskRequest struct {
	Title       *string      `json:"title" binding:"omitnil,min=1,max=200"`
	Description *string      `json:"description" binding:"omitnil,max=5000"`
	Status      *string      `json:"status" binding:"omitnil,max=50"`
	Priority    *string      `json:"priority" binding:"omitnil,oneof=low medium high"`
	DueDate     optionalTime `json:"dueDate"`
	Labels      *[]string    `json:"labels" binding:"omitnil,max=20,dive,min=1,max=30"`
	Assignee    *string      `json:"assignee" binding:"omitnil,max=100"`
	ColumnID    *string      `json:"columnId" binding:"omitnil,min=1"`
}

// UpdateTaskHandler edits task fields. A columnId different from the current
// one moves the task to the end of that column.
func (h *Handler) UpdateTaskHandler(c *gin.Context) {
	var req updateTaskRequest
	if err := bind(c, &req); err != nil {
		respondError(c, err)
		return
	}
	task, err := h.ownedTask(c, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	ctx := c.Request.Context()

	changes := map[string]any{}
	if req.Title != nil {
		changes["title"] = *req.Title
		task.Title = *req.Title
	}
	if req.Description != nil {
		changes["description"] = *req.Description
		task.Description = *req.Description
	}
	if req.Status != nil {
		changes["status"] = *req.Status
		task.Status = *req.Status
	}
	if req.Priority != nil {
		changes["priority"] = *req.Priority
		task.Priority = *req.Priority
	}
	if req.Assignee != nil {
		changes["assignee"] = *req.Assignee
		task.Assignee = *req.Assignee
	}
	if req.Labels != nil {
		task.Labels = *req.Labels
		if task.Labels == nil {
			task.Labels = []string{}
		}
		changes["labels"] = task.Labels
	}
	dueChanged := false
	if req.DueDate.Set {
		changes["due_date"] = req.DueDate.Value
		dueChanged = !sameTime(task.DueDate, req.DueDate.Value)
		task.DueDate = req.DueDate.Value
	}

	if req.ColumnID != nil {
		if err := h.Board.MoveTask(ctx, task, *req.ColumnID); err != nil {
			if errors.Is(err, board.ErrNotFound) {
				err = badRequest("Column does not belong to this project")
			}
			respondError(c, err)
			return
		}
	}
	if len(changes) > 0 {
		if err := h.DB.WithContext(ctx).Model(task).Updates(changes).Error; err != nil {
			respondError(c, err)
			return
		}
	}
	if dueChanged || (task.DueDate != nil && req.Title != nil) {
		h.mirrorTask(task.ID)
	}
	c.JSON(http.StatusOK, task)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func (h *Handler) DeleteTaskHandler(c *gin.Context) {
	task, err := h.ownedTask(c, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if err := h.Board.DeleteTask(c.Request.Context(), task.ID); err != nil {
		respondError(c, err)
		return
	}
	h.dropEvents(task.EventID)
	c.JSON(http.StatusOK, gin.H{"message": "Task deleted"})
}
