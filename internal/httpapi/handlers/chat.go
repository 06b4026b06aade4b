package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/pet-assistant/internal/chat"
	"github.com/suPer8Hu/pet-assistant/internal/common"
)

type createSessionReq struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

func (h *Handler) CreateChatSession(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}

	var req createSessionReq
	_ = c.ShouldBindJSON(&req) // allow empty {}

	sess, err := h.ChatSvc.CreateSession(c.Request.Context(), uid, req.Provider, req.Model)
	if errors.Is(err, chat.ErrUnknownProvider) {
		common.Fail(c, http.StatusBadRequest, 10004, "unknown provider")
		return
	}
	if err != nil {
		h.internalError(c, 50001, err, "create session failed")
		return
	}

	common.OK(c, gin.H{"session_id": sess.SessionID})
}

type sendMessageReq struct {
	SessionID string `json:"session_id" binding:"required"`
	Message   string `json:"message" binding:"required"`
}

func (h *Handler) SendChatMessage(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}

	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	idempoKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(idempoKey) > 128 {
		common.Fail(c, http.StatusBadRequest, 10003, "idempotency key too long")
		return
	}

	res, err := h.ChatSvc.SendMessage(c.Request.Context(), chat.TurnRequest{
		UserID:         uid,
		SessionID:      req.SessionID,
		Message:        req.Message,
		IdempotencyKey: idempoKey,
	})
	switch {
	case errors.Is(err, chat.ErrSessionNotFound):
		common.Fail(c, http.StatusNotFound, 40004, "session not found")
		return
	case errors.Is(err, chat.ErrEmptyMessage):
		common.Fail(c, http.StatusBadRequest, 10002, "message is empty")
		return
	case errors.Is(err, context.Canceled):
		// client went away; nothing to write
		return
	case err != nil:
		h.internalError(c, 50003, err, "chat turn failed")
		return
	}
	if res.Denied() {
		denied(c, res.Denial)
		return
	}

	common.OK(c, gin.H{
		"session_id":  res.SessionID,
		"turn_id":     res.TurnID,
		"reply":       res.Reply,
		"message_id":  res.MessageID,
		"state":       res.State,
		"sources":     res.Sources,
		"skip_reason": res.SkipReason,
		"usage_count": res.UsageCount,
		"credit":      res.Credit,
		"replayed":    res.Replayed,
	})
}

func (h *Handler) ListChatMessages(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}

	sessionID := c.Param("session_id")

	limit, _ := strconv.Atoi(c.Query("limit"))
	var beforeID uint64
	if s := c.Query("before_id"); s != "" {
		if n, err := strconv.ParseUint(s, 10, 64); err == nil {
			beforeID = n
		}
	}

	msgs, err := h.ChatSvc.ListMessages(c.Request.Context(), uid, sessionID, limit, beforeID)
	if errors.Is(err, chat.ErrSessionNotFound) {
		common.Fail(c, http.StatusNotFound, 40004, "session not found")
		return
	}
	if err != nil {
		h.internalError(c, 50002, err, "list messages failed")
		return
	}

	var nextBeforeID uint64
	if len(msgs) > 0 {
		nextBeforeID = msgs[len(msgs)-1].ID
	}

	common.OK(c, gin.H{
		"messages":       msgs,
		"next_before_id": nextBeforeID,
	})
}
