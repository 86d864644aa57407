package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"crawlmaster/internal/assignment"
	"crawlmaster/internal/channel"
)

type ReplyHandler struct {
	Replies *channel.Replies
}

func (h *ReplyHandler) Register(r *gin.Engine) {
	r.POST("/replies", h.submit)
	r.GET("/replies/:id", h.get)
}

// @Summary Submit a reply on behalf of an account
// @Tags replies
// @Router /replies [post]
func (h *ReplyHandler) submit(c *gin.Context) {
	if h.Replies == nil {
		Error(c, http.StatusServiceUnavailable, "reply coordinator unavailable", nil)
		return
	}
	var sub channel.ReplySubmission
	if err := c.ShouldBindJSON(&sub); err != nil {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	item, err := h.Replies.Submit(c.Request.Context(), sub, nil)
	if err != nil {
		switch {
		case errors.Is(err, assignment.ErrUnknownAccount):
			Error(c, http.StatusNotFound, err.Error(), nil)
		case errors.Is(err, channel.ErrNoAssignedWorker):
			Error(c, http.StatusConflict, err.Error(), nil)
		case errors.Is(err, channel.ErrDuplicateRequest):
			Error(c, http.StatusConflict, err.Error(), nil)
		default:
			Error(c, http.StatusBadRequest, err.Error(), nil)
		}
		return
	}
	Ok(c, gin.H{"reply_id": item.RequestID, "status": item.Status}, nil)
}

// @Summary Current state of a reply request
// @Tags replies
// @Router /replies/{id} [get]
func (h *ReplyHandler) get(c *gin.Context) {
	if h.Replies == nil {
		Error(c, http.StatusServiceUnavailable, "reply coordinator unavailable", nil)
		return
	}
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		Error(c, http.StatusBadRequest, "invalid id", nil)
		return
	}
	item, err := h.Replies.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, channel.ErrUnknownReply) {
			Error(c, http.StatusNotFound, "reply request not found", nil)
			return
		}
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, item, nil)
}
