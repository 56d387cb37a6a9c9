package metrics

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{404, "4xx"},
		{422, "4xx"},
		{503, "5xx"},
		{0, "other"},
		{700, "other"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusBucket(tt.code), tt.code)
	}
}

func counterValue(t *testing.T, method, path, status string) float64 {
	t.Helper()
	c, err := HTTPRequestsTotal.GetMetricWithLabelValues(method, path, status)
	require.NoError(t, err)
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	HTTPRequestsTotal.Reset()
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/contracts/:id/payouts", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"payouts": []string{}})
	})

	for _, id := range []string{"ctr_1", "ctr_2"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/contracts/"+id+"/payouts", nil))
		require.Equal(t, http.StatusOK, w.Code)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))

	assert.Equal(t, 2.0, counterValue(t, "GET", "/v1/contracts/:id/payouts", "2xx"))
	assert.Equal(t, 1.0, counterValue(t, "GET", "unmatched", "4xx"))

	m := &dto.Metric{}
	require.NoError(t, HTTPInFlight.Write(m))
	assert.Zero(t, m.GetGauge().GetValue())
}

func TestRecordDBStats(t *testing.T) {
	RecordDBStats(sql.DBStats{OpenConnections: 7, Idle: 3, InUse: 4, WaitCount: 2, WaitDuration: 1500 * time.Millisecond})

	m := &dto.Metric{}
	require.NoError(t, DBInUseConnections.Write(m))
	assert.Equal(t, 4.0, m.GetGauge().GetValue())
	require.NoError(t, DBWaitDuration.Write(m))
	assert.Equal(t, 1.5, m.GetGauge().GetValue())
}

func TestMetricsEndpoint(t *testing.T) {
	SetBuildInfo("test", "abc123")
	r := gin.New()
	r.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "freightbay_http_requests_in_flight")
	assert.Contains(t, body, `freightbay_build_info{commit="abc123",version="test"} 1`)
}
