package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	apperrors "github.com/alihesham01/chronizer/errors"
	"github.com/alihesham01/chronizer/jobqueue"
	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
)

// JobService is satisfied by *jobqueue.Service.
type JobService interface {
	Enqueue(ctx context.Context, queue, jobType string, payload any, opts *jobqueue.JobOptions) (string, error)
	EnqueueBulk(ctx context.Context, queue string, jobs []jobqueue.BulkJob) ([]string, error)
	GetJobStatus(ctx context.Context, id string) (*jobqueue.JobStatus, error)
	GetQueueStats(ctx context.Context, queue string) (*jobqueue.QueueStats, error)
}

type enqueueRequest struct {
	Type    string               `json:"type" binding:"required"`
	Data    json.RawMessage      `json:"data"`
	Options *jobqueue.JobOptions `json:"options,omitempty"`
}

type enqueueBulkRequest struct {
	Jobs []enqueueRequest `json:"jobs" binding:"required,min=1,dive"`
}

// RegisterJobRoutes mounts the job submission API under /v1.
func RegisterJobRoutes(r gin.IRouter, svc JobService) {
	v1 := r.Group("/v1")
	v1.POST("/queues/:queue/jobs", enqueueHandler(svc))
	v1.POST("/queues/:queue/jobs/bulk", enqueueBulkHandler(svc))
	v1.GET("/queues/:queue/stats", queueStatsHandler(svc))
	v1.GET("/jobs/:id", jobStatusHandler(svc))
}

func enqueueHandler(svc JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req enqueueRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		id, err := svc.Enqueue(c.Request.Context(), c.Param("queue"), req.Type, payloadOf(req.Data), req.Options)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"job_id": id})
	}
}

func enqueueBulkHandler(svc JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req enqueueBulkRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		jobs := lo.Map(req.Jobs, func(j enqueueRequest, _ int) jobqueue.BulkJob {
			return jobqueue.BulkJob{Type: j.Type, Data: payloadOf(j.Data), Options: j.Options}
		})
		ids, err := svc.EnqueueBulk(c.Request.Context(), c.Param("queue"), jobs)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"job_ids": ids})
	}
}

func jobStatusHandler(svc JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		status, err := svc.GetJobStatus(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, status)
	}
}

func queueStatsHandler(svc JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := svc.GetQueueStats(c.Request.Context(), c.Param("queue"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

// payloadOf keeps an absent payload as JSON null.
func payloadOf(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest,
		apperrors.NewError(apperrors.CodeValidation, err.Error(), err).WithStatusCode(http.StatusBadRequest))
}

func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := apperrors.CodeTransient
	switch {
	case errors.Is(err, jobqueue.ErrJobNotFound):
		status, code = http.StatusNotFound, apperrors.CodeNotFound
	case errors.Is(err, jobqueue.ErrInvalidOptions),
		errors.Is(err, jobqueue.ErrEmptyJobType),
		errors.Is(err, jobqueue.ErrEmptyQueueName):
		status, code = http.StatusBadRequest, apperrors.CodeValidation
	case errors.Is(err, jobqueue.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	c.AbortWithStatusJSON(status, apperrors.NewError(code, err.Error(), err).WithStatusCode(status))
}
