package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/alihesham01/chronizer/config"
	"github.com/alihesham01/chronizer/jobqueue"
	"github.com/alihesham01/chronizer/observability/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
)

func newTestApp(t *testing.T, env map[string]string, opts ...Option) (*App, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	t.Setenv("REDIS_ADDR", mr.Addr())
	t.Setenv("GIN_MODE", "test")
	for k, v := range env {
		t.Setenv(k, v)
	}
	cfg, err := config.Load()
	require.NoError(t, err)

	a, err := New(context.Background(), zap.NewNop(), cfg, append([]Option{WithoutListener()}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a, mr
}

func serve(a *App, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.Web.Handler().ServeHTTP(rec, req)
	return rec
}

func TestApp_WiresQueuesAndHTTP(t *testing.T) {
	a, _ := newTestApp(t, map[string]string{"QUEUE_CONCURRENCY_OVERRIDES": "bulk:2"})

	assert.ElementsMatch(t, []string{"records", "bulk"}, a.Jobs.Queues())
	assert.Nil(t, a.Store)

	rec := serve(a, http.MethodGet, "/healthcheck", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(a, http.MethodPost, "/v1/queues/bulk/jobs", `{"type":"record.bulk_insert","data":{"entity":"products"}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = serve(a, http.MethodGet, "/v1/jobs/"+created["job_id"], "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status jobqueue.JobStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, jobqueue.StateWaiting, status.State)
	assert.Equal(t, "bulk", status.Queue)

	rec = serve(a, http.MethodGet, "/v1/queues/bulk/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats jobqueue.QueueStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.Waiting)
}

func TestApp_HealthcheckFollowsBroker(t *testing.T) {
	a, mr := newTestApp(t, map[string]string{
		"BROKER_OFFLINE_QUEUE":         "false",
		"BROKER_HEALTH_CHECK_INTERVAL": "50ms",
	})
	require.Equal(t, http.StatusOK, serve(a, http.MethodGet, "/healthcheck", "").Code)

	mr.Close()
	assert.Eventually(t, func() bool {
		return serve(a, http.MethodGet, "/healthcheck", "").Code == http.StatusServiceUnavailable
	}, 15*time.Second, 50*time.Millisecond)
}

func TestApp_MemoryCacheAndGauges(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	exporter, err := metrics.NewMetricExporter(metrics.WithReader(reader))
	require.NoError(t, err)
	defer exporter.Close(context.Background())

	a, _ := newTestApp(t, map[string]string{"CACHE_BACKEND": "memory"}, WithMetrics(exporter))
	_, err = a.Jobs.Enqueue(context.Background(), "records", "record.create", map[string]any{"entity": "stores"}, nil)
	require.NoError(t, err)

	n, err := a.Cache.DelPattern(context.Background(), "stores:*")
	require.NoError(t, err)
	assert.Zero(t, n)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	waiting := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "jobqueue.jobs.waiting" {
				continue
			}
			for _, dp := range m.Data.(metricdata.Gauge[int64]).DataPoints {
				q, _ := dp.Attributes.Value("queue")
				waiting[q.AsString()] = dp.Value
			}
		}
	}
	assert.Equal(t, map[string]int64{"records": 1, "bulk": 0}, waiting)
}

func TestApp_ShutdownIsIdempotent(t *testing.T) {
	a, _ := newTestApp(t, nil)
	require.NoError(t, a.Shutdown(context.Background()))
	assert.False(t, a.Broker.IsConnected())
}
