package handlers

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/pet-assistant/internal/common"
	"github.com/suPer8Hu/pet-assistant/internal/credits"
)

const webhookSecretHeader = "X-Webhook-Secret"

func (h *Handler) GetCredits(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	limit, _ := strconv.Atoi(c.Query("limit"))

	balance, err := h.CreditsSvc.Balance(ctx, uid)
	if err != nil {
		h.internalError(c, 50006, err, "credit balance failed")
		return
	}
	history, err := h.CreditsSvc.History(ctx, uid, limit)
	if err != nil {
		h.internalError(c, 50006, err, "credit history failed")
		return
	}
	common.OK(c, gin.H{"balance": balance, "transactions": history})
}

// ClaimDailyFree grants today's free credits once per user.
func (h *Handler) ClaimDailyFree(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	out, err := h.CreditsSvc.GrantDailyFree(c.Request.Context(), uid, h.DailyFreeCredits)
	if err != nil {
		h.internalError(c, 50006, err, "daily free grant failed")
		return
	}
	common.OK(c, out)
}

// PaymentWebhook applies an already verified and parsed payment event. Redeliveries
// answer 200 with already_processed so the sender stops retrying.
func (h *Handler) PaymentWebhook(c *gin.Context) {
	got := c.GetHeader(webhookSecretHeader)
	if h.WebhookSecret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(h.WebhookSecret)) != 1 {
		common.Fail(c, http.StatusUnauthorized, 40103, "invalid webhook secret")
		return
	}

	var ev credits.PaymentEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	out, err := h.CreditsSvc.ApplyPaymentEvent(c.Request.Context(), ev)
	if errors.Is(err, credits.ErrInvalidEvent) {
		common.Fail(c, http.StatusBadRequest, 10007, err.Error())
		return
	}
	if err != nil {
		h.internalError(c, 50007, err, "apply payment event failed")
		return
	}
	common.OK(c, out)
}
