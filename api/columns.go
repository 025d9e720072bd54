package api

import (
	"net/http"

	"github.com/chxlky/orba/internal/board"
	"github.com/gin-gonic/gin"
)

func (h *Handler) ListColumnsHandler(c *gin.Context) {
	p, _, err := h.projectAccess(c, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	cols, err := h.Board.Columns(c.Request.Context(), p.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cols)
}

type createColumnRequest struct {
	Title string `json:"title" binding:"required,max=50"`
	Color string `json:"color" binding:"omitempty,hexcolor"`
}

func (h *Handler) CreateColumnHandler(c *gin.Context) {
	var req createColumnRequest
	if err := bind(c, &req); err != nil {
		respondError(c, err)
		return
	}
	p, err := h.ownedProject(c, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	color := req.Color
	if color == "" {
		color = "#64748b"
	}
	col, err := h.Board.AppendColumn(c.Request.Context(), p.ID, req.Title, color)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, col)
}

type updateColumnRequest struct {
	Title *string `json:"title" binding:"omitnil,min=1,max=50"`
	Color *string `json:"color" binding:"omitnil,hexcolor"`
}

func (h *Handler) UpdateColumnHandler(c *gin.Context) {
	var req updateColumnRequest
	if err := bind(c, &req); err != nil {
		respondError(c, err)
		return
	}
	p, err := h.ownedProject(c, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	col, err := h.Board.UpdateColumn(c.Request.Context(), p.ID, c.Param("columnId"), board.ColumnUpdate{Title: req.Title, Color: req.Color})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, col)
}

func (h *Handler) DeleteColumnHandler(c *gin.Context) {
	p, err := h.ownedProject(c, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	columnID := c.Param("columnId")
	events, err := h.eventIDs(c.Request.Context(), "project_id = ? AND column_id = ?", p.ID, columnID)
	if err != nil {
		respondError(c, err)
		return
	}
	if err := h.Board.DeleteColumn(c.Request.Context(), p.ID, columnID); err != nil {
		respondError(c, err)
		return
	}
	h.dropEvents(events...)
	c.JSON(http.StatusOK, gin.H{"message": "Column deleted"})
}
