package api

import (
	"errors"
	"net/http"

	"github.com/chxlky/orba/integrations"
	"github.com/chxlky/orba/internal/board"
	"github.com/chxlky/orba/internal/models"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func (h *Handler) ListCommentsHandler(c *gin.Context) {
	task, _, err := h.taskAccess(c, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	var comments []models.Comment
	err = h.DB.WithContext(c.Request.Context()).
		Preload("User").
		Where("task_id = ?", task.ID).
		Order("created_at DESC").
		Find(&comments).Error
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, comments)
}

type createCommentRequest struct {
	Content string `json:"content" binding:"required,max=5000"`
}

// CreateCommentHandler lets the owner and active members comment.
func (h *Handler) CreateCommentHandler(c *gin.Context) {
	var req createCommentRequest
	if err := bind(c, &req); err != nil {
		respondError(c, err)
		return
	}
	task, _, err := h.taskAccess(c, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	user := currentUser(c)
	comment := &models.Comment{TaskID: task.ID, UserID: user.ID, Content: req.Content}
	if err := h.DB.WithContext(c.Request.Context()).Omit("User").Create(comment).Error; err != nil {
		respondError(c, err)
		return
	}
	comment.User = user
	c.JSON(http.StatusCreated, comment)
}

// DeleteCommentHandler allows the author or the project owner to delete.
func (h *Handler) DeleteCommentHandler(c *gin.Context) {
	var comment models.Comment
	if err := h.DB.WithContext(c.Request.Context()).Where("id = ?", c.Param("id")).First(&comment).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			err = board.ErrNotFound
		}
		respondError(c, err)
		return
	}
	_, role, err := h.taskAccess(c, comment.TaskID)
	if err != nil {
		respondError(c, err)
		return
	}
	if role != roleOwner && comment.UserID != currentUser(c).ID {
		respondError(c, board.ErrNotFound)
		return
	}
	if err := h.DB.WithContext(c.Request.Context()).Delete(&comment).Error; err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Comment deleted"})
}

func (h *Handler) ListAttachmentsHandler(c *gin.Context) {
	task, _, err := h.taskAccess(c, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	var attachments []models.Attachment
	err = h.DB.WithContext(c.Request.Context()).
		Where("task_id = ?", task.ID).
		Order("created_at DESC").
		Find(&attachments).Error
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, attachments)
}

type createAttachmentRequest struct {
	Name     string `json:"name" binding:"required,max=255"`
	URL      string `json:"url" binding:"required,url"`
	Size     int64  `json:"size" binding:"gte=0"`
	MimeType string `json:"mimeType" binding:"max=255"`
}

func (h *Handler) CreateAttachmentHandler(c *gin.Context) {
	var req createAttachmentRequest
	if err := bind(c, &req); err != nil {
		respondError(c, err)
		return
	}
	task, err := h.ownedTask(c, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	a := &models.Attachment{
		TaskID:   task.ID,
		UserID:   currentUser(c).ID,
		Name:     req.Name,
		URL:      req.URL,
		Size:     req.Size,
		MimeType: req.MimeType,
	}
	if err := h.DB.WithContext(c.Request.Context()).Create(a).Error; err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (h *Handler) DeleteAttachmentHandler(c *gin.Context) {
	var a models.Attachment
	if err := h.DB.WithContext(c.Request.Context()).Where("id = ?", c.Param("id")).First(&a).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			err = board.ErrNotFound
		}
		respondError(c, err)
		return
	}
	if _, err := h.ownedTask(c, a.TaskID); err != nil {
		respondError(c, err)
		return
	}
	if err := h.DB.WithContext(c.Request.Context()).Delete(&a).Error; err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Attachment deleted"})
}

type contactRequest struct {
	Name    string `json:"name" binding:"required,max=100,singleline"`
	Email   string `json:"email" binding:"required,email"`
	Subject string `json:"subject" binding:"max=200,singleline"`
	Message string `json:"message" binding:"required,max=5000"`
}

// ContactHandler stores a contact form submission and notifies support.
// The submission is saved first, so a mail failure is only logged.
func (h *Handler) ContactHandler(c *gin.Context) {
	var req contactRequest
	if err := bind(c, &req); err != nil {
		respondError(c, err)
		return
	}
	sub := &models.ContactSubmission{Name: req.Name, Email: req.Email, Subject: req.Subject, Message: req.Message}
	if err := h.DB.WithContext(c.Request.Context()).Create(sub).Error; err != nil {
		respondError(c, err)
		return
	}

	msg, err := integrations.ContactEmail(h.Config.Mail.ContactTo, integrations.ContactData{
		Name:    req.Name,
		Email:   req.Email,
		Subject: req.Subject,
		Message: req.Message,
	})
	if err == nil {
		err = h.Mailer.Send(c.Request.Context(), msg)
	}
	if err != nil {
		zap.L().Warn("Failed to send contact notification", zap.String("submissionID", sub.ID), zap.Error(err))
	}
	c.JSON(http.StatusCreated, gin.H{"message": "Thanks for reaching out. We'll get back to you soon."})
}
