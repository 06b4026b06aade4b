package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/phuslu/log"

	"github.com/suPer8Hu/pet-assistant/internal/chat"
	"github.com/suPer8Hu/pet-assistant/internal/common"
	"github.com/suPer8Hu/pet-assistant/internal/credits"
	"github.com/suPer8Hu/pet-assistant/internal/httpapi/middleware"
	"github.com/suPer8Hu/pet-assistant/internal/ingest"
	"github.com/suPer8Hu/pet-assistant/internal/logging"
	"github.com/suPer8Hu/pet-assistant/internal/usage"
)

type Handler struct {
	ChatSvc    *chat.Service
	IngestSvc  *ingest.Service
	CreditsSvc *credits.Service
	Ledger     usage.Ledger
	Gate       *usage.Gate

	DailyFreeCredits int64
	WebhookSecret    string

	Logger *log.Logger
}

func NewHandler(h Handler) *Handler {
	h.Logger = logging.OrDiscard(h.Logger)
	return &h
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

func userIDFromContext(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}

// requireUser writes 401 and reports false when no user is attached.
func requireUser(c *gin.Context) (uint64, bool) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
	}
	return uid, ok
}

func denied(c *gin.Context, d *usage.Denial) {
	common.FailWith(c, http.StatusTooManyRequests, 42901, d.Message, d)
}

func (h *Handler) internalError(c *gin.Context, code int, err error, msg string) {
	h.Logger.Error().Err(err).Str("request_id", c.GetString(middleware.RequestIDKey)).Str("path", c.FullPath()).Msg(msg)
	common.Fail(c, http.StatusInternalServerError, code, "internal error")
}
