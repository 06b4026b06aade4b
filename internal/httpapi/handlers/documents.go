package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/pet-assistant/internal/common"
	"github.com/suPer8Hu/pet-assistant/internal/ingest"
)

func (h *Handler) UploadDocument(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}

	var req ingest.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	req.IdempotencyKey = strings.TrimSpace(c.GetHeader("Idempotency-Key"))

	res, err := h.IngestSvc.Submit(c.Request.Context(), uid, req)
	if errors.Is(err, ingest.ErrInvalidDocument) {
		common.Fail(c, http.StatusBadRequest, 10005, err.Error())
		return
	}
	if err != nil {
		h.internalError(c, 50004, err, "submit document failed")
		return
	}
	if res.Denial != nil {
		denied(c, res.Denial)
		return
	}

	status := http.StatusAccepted
	if !res.Created {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{
		"code":    0,
		"message": "ok",
		"data":    gin.H{"job_id": res.Job.ID, "status": res.Job.Status, "created": res.Created},
	})
}

func (h *Handler) GetDocumentJob(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	jobID := c.Param("job_id")

	j, err := h.IngestSvc.GetJob(c.Request.Context(), uid, jobID)
	if errors.Is(err, ingest.ErrJobNotFound) {
		// hide existence
		common.Fail(c, http.StatusNotFound, 40402, "job not found")
		return
	}
	if err != nil {
		h.internalError(c, 50001, err, "get job failed")
		return
	}

	common.OK(c, gin.H{"job": j})
}
