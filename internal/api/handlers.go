package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/windsim/simrunner/internal/joblog"
	"github.com/windsim/simrunner/internal/model"

	"github.com/gin-gonic/gin"
)

type handler struct {
	jobs      Jobs
	ready     ReadinessChecker
	heartbeat time.Duration
}

type statusResponse struct {
	CalculationStatus model.Phase `json:"calculationStatus"`
	Job               model.Job   `json:"job"`
}

type calculateResponse struct {
	Message string `json:"message"`
	JobID   string `json:"jobId"`
	Run     int    `json:"run"`
}

func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (h *handler) readiness(c *gin.Context) {
	if h.ready == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := h.ready.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (h *handler) status(c *gin.Context) {
	id := c.Param("caseId")
	ctx := c.Request.Context()
	job, err := h.jobs.Job(ctx, id)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, statusResponse{
		CalculationStatus: h.jobs.Status(ctx, id),
		Job:               job,
	})
}

func (h *handler) calculate(c *gin.Context) {
	id := c.Param("caseId")
	run, err := h.jobs.Start(c.Request.Context(), id)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusAccepted, calculateResponse{
		Message: "calculation started",
		JobID:   run.JobID,
		Run:     run.Number,
	})
}

func (h *handler) progress(c *gin.Context) {
	p, err := h.jobs.Progress(c.Request.Context(), c.Param("caseId"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *handler) reset(c *gin.Context) {
	if err := h.jobs.Reset(c.Request.Context(), c.Param("caseId")); err != nil {
		respondErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) calculationLog(c *gin.Context) {
	id := c.Param("caseId")
	if err := model.ValidateJobID(id); err != nil {
		respondErr(c, err)
		return
	}
	rd, err := joblog.Open(h.jobs.CaseDir(id))
	if err != nil {
		respondErr(c, err)
		return
	}
	defer func() { _ = rd.Close() }()
	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, rd); err != nil && !errors.Is(err, context.Canceled) {
		slog.WarnContext(c.Request.Context(), "sending calculation log", "job_id", id, "error", err)
	}
}

func (h *handler) events(c *gin.Context) {
	after, ok := afterParam(c)
	if !ok {
		return
	}
	events, err := h.jobs.History(c.Request.Context(), c.Param("caseId"), after)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}

// afterParam reads the sequence number to resume after from ?after= or
// the Last-Event-ID header of a reconnecting EventSource.
func afterParam(c *gin.Context) (int64, bool) {
	raw := c.Query("after")
	if raw == "" {
		raw = c.GetHeader("Last-Event-ID")
	}
	if raw == "" {
		return 0, true
	}
	after, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || after < 0 {
		respondError(c, http.StatusBadRequest, "invalid_after", errors.New("after must be a non negative sequence number"))
		return 0, false
	}
	return after, true
}
