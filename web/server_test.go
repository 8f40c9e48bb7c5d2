package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alihesham01/chronizer/jobqueue"
	"github.com/alihesham01/chronizer/util"
	"github.com/alihesham01/chronizer/web/middleware"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeJobService struct {
	submitter string
	enqueued  []jobqueue.BulkJob
	err       error
}

func (f *fakeJobService) Enqueue(ctx context.Context, queue, jobType string, payload any, opts *jobqueue.JobOptions) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.submitter, _ = util.SubmitterFromCtx(ctx)
	f.enqueued = append(f.enqueued, jobqueue.BulkJob{Type: jobType, Data: payload, Options: opts})
	return fmt.Sprintf("%s-%d", queue, len(f.enqueued)), nil
}

func (f *fakeJobService) EnqueueBulk(ctx context.Context, queue string, jobs []jobqueue.BulkJob) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		f.enqueued = append(f.enqueued, j)
		ids = append(ids, fmt.Sprintf("%s-%d", queue, len(f.enqueued)))
	}
	return ids, nil
}

func (f *fakeJobService) GetJobStatus(_ context.Context, id string) (*jobqueue.JobStatus, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &jobqueue.JobStatus{ID: id, State: jobqueue.StateCompleted, Progress: 100}, nil
}

func (f *fakeJobService) GetQueueStats(_ context.Context, queue string) (*jobqueue.QueueStats, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &jobqueue.QueueStats{Waiting: 2, Paused: queue == "paused"}, nil
}

func newTestServer(t *testing.T, svc JobService, opts ...Option) *Server {
	t.Helper()
	opts = append([]Option{
		WithMode(gin.TestMode),
		WithMiddleware(middleware.CorrelationIdMiddleware()),
		WithMiddleware(middleware.LoggingMiddleware(middleware.WithLogger(zap.NewNop()), middleware.WithDebugEnabled(true))),
	}, opts...)
	s := New(zap.NewNop(), opts...)
	RegisterJobRoutes(s.Router(), svc)
	return s
}

func do(t *testing.T, s *Server, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthcheck(t *testing.T) {
	healthy := true
	s := newTestServer(t, &fakeJobService{}, WithHealthCheck(func(context.Context) error {
		if healthy {
			return nil
		}
		return errors.New("broker not ready")
	}))

	rec := do(t, s, http.MethodGet, "/healthcheck", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	healthy = false
	rec = do(t, s, http.MethodGet, "/healthcheck", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "broker not ready")
}

func TestEnqueue(t *testing.T) {
	svc := &fakeJobService{}
	s := newTestServer(t, svc)

	rec := do(t, s, http.MethodPost, "/v1/queues/records/jobs",
		`{"type":"record.create","data":{"entity":"products","brand_id":"b1"},"options":{"priority":1}}`,
		middleware.SubmitterKey, "user-7", middleware.CorrelationIdKey, "corr-1")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "corr-1", rec.Header().Get(middleware.CorrelationIdKey))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "records-1", body["job_id"])

	require.Len(t, svc.enqueued, 1)
	assert.Equal(t, "record.create", svc.enqueued[0].Type)
	assert.JSONEq(t, `{"entity":"products","brand_id":"b1"}`, string(svc.enqueued[0].Data.(json.RawMessage)))
	require.NotNil(t, svc.enqueued[0].Options)
	assert.Equal(t, 1, svc.enqueued[0].Options.Priority)
	assert.Equal(t, "user-7", svc.submitter)
}

func TestEnqueueDurationsInMilliseconds(t *testing.T) {
	svc := &fakeJobService{}
	s := newTestServer(t, svc)

	rec := do(t, s, http.MethodPost, "/v1/queues/records/jobs",
		`{"type":"record.create","options":{"delay":5000,"keep_completed_age":"1h","backoff":{"type":"fixed","delay":250}}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	opts := svc.enqueued[0].Options
	require.NotNil(t, opts)
	assert.Equal(t, 5*time.Second, opts.Delay)
	assert.Equal(t, time.Hour, opts.KeepCompletedAge)
	require.NotNil(t, opts.Backoff)
	assert.Equal(t, 250*time.Millisecond, opts.Backoff.Delay)

	rec = do(t, s, http.MethodPost, "/v1/queues/records/jobs",
		`{"type":"record.create","options":{"delay":"soon"}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, svc.enqueued, 1)
}

func TestEnqueueBulk(t *testing.T) {
	svc := &fakeJobService{}
	s := newTestServer(t, svc)

	rec := do(t, s, http.MethodPost, "/v1/queues/bulk/jobs/bulk",
		`{"jobs":[{"type":"a","data":1},{"type":"b"}]}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var body map[string][]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []string{"bulk-1", "bulk-2"}, body["job_ids"])
	assert.Nil(t, svc.enqueued[1].Data)
}

func TestEnqueueRejectsBadInput(t *testing.T) {
	s := newTestServer(t, &fakeJobService{})

	for _, body := range []string{`not json`, `{"data":{}}`, `{"jobs":[]}`} {
		path := "/v1/queues/records/jobs"
		if strings.Contains(body, "jobs") {
			path += "/bulk"
		}
		rec := do(t, s, http.MethodPost, path, body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{jobqueue.ErrJobNotFound, http.StatusNotFound},
		{fmt.Errorf("wrap: %w", jobqueue.ErrInvalidOptions), http.StatusBadRequest},
		{jobqueue.ErrEmptyQueueName, http.StatusBadRequest},
		{jobqueue.ErrClosed, http.StatusServiceUnavailable},
		{errors.New("redis down"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		s := newTestServer(t, &fakeJobService{err: tt.err})
		rec := do(t, s, http.MethodGet, "/v1/jobs/42", "")
		assert.Equal(t, tt.want, rec.Code, tt.err.Error())

		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Contains(t, body["message"], tt.err.Error())
	}
}

func TestStatusAndStats(t *testing.T) {
	s := newTestServer(t, &fakeJobService{})

	rec := do(t, s, http.MethodGet, "/v1/jobs/42", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status jobqueue.JobStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "42", status.ID)
	assert.Equal(t, jobqueue.StateCompleted, status.State)

	rec = do(t, s, http.MethodGet, "/v1/queues/records/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats jobqueue.QueueStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(2), stats.Waiting)
	assert.False(t, stats.Paused)
}
