package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/pet-assistant/internal/common"
	"github.com/suPer8Hu/pet-assistant/internal/usage"
)

var timeNow = time.Now

// GetUsage reports today's counts against limits and the lifetime history.
func (h *Handler) GetUsage(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	today, err := h.Ledger.Today(ctx, uid)
	if err != nil {
		h.internalError(c, 50005, err, "usage today failed")
		return
	}
	lifetime, err := h.Ledger.Lifetime(ctx, uid)
	if err != nil {
		h.internalError(c, 50005, err, "usage lifetime failed")
		return
	}

	type dimStatus struct {
		Used  int64 `json:"used"`
		Limit int64 `json:"limit"`
	}
	status := make(map[usage.Dimension]dimStatus, len(today))
	for _, d := range usage.Dimensions() {
		status[d] = dimStatus{Used: today[d], Limit: h.Gate.Limits().For(d)}
	}

	common.OK(c, gin.H{
		"day":      usage.DayKey(timeNow()),
		"today":    status,
		"lifetime": lifetime,
	})
}

func (h *Handler) dimension(c *gin.Context) (usage.Dimension, bool) {
	d, err := usage.ParseDimension(c.Param("dimension"))
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10006, err.Error())
		return "", false
	}
	return d, true
}

// CheckUsage answers whether one more action of a dimension is allowed. It holds nothing.
func (h *Handler) CheckUsage(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	dim, ok := h.dimension(c)
	if !ok {
		return
	}

	dec, err := h.Ledger.Check(c.Request.Context(), uid, dim, h.Gate.Limits().For(dim))
	if err != nil {
		h.internalError(c, 50005, err, "usage check failed")
		return
	}
	common.OK(c, dec)
}

// ConsumeUsage meters one completed action (a health record, a voice message)
// performed by another component. It is admitted and consumed atomically.
func (h *Handler) ConsumeUsage(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	dim, ok := h.dimension(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	admit := h.Gate.Admit(ctx, uid, dim)
	if !admit.Proceed() {
		denied(c, admit.Denial)
		return
	}
	// the action already happened; a failed commit keeps the slot held
	count, err := usage.CommitWithRetry(context.WithoutCancel(ctx), h.Ledger, admit.Reservation)
	if err != nil {
		h.internalError(c, 50005, err, "usage consume failed")
		return
	}
	common.OK(c, gin.H{"dimension": dim, "count": count, "limit": h.Gate.Limits().For(dim)})
}
