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

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{202, "2xx"},
		{301, "3xx"},
		{400, "4xx"},
		{404, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusBucket(tt.code), tt.code)
	}
}

func counterValue(t *testing.T, labels ...string) float64 {
	t.Helper()
	c, err := HTTPRequestsTotal.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func TestMiddleware_RecordsRoutePattern(t *testing.T) {
	gin.SetMode(gin.TestMode)
	HTTPRequestsTotal.Reset()

	r := gin.New()
	r.Use(Middleware())
	r.GET("/v2/escrow/bookings/:reservationId", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	for _, id := range []string{"r1", "r2"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("GET", "/v2/escrow/bookings/"+id, nil))
		require.Equal(t, http.StatusNoContent, w.Code)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/nope", nil))

	assert.Equal(t, 2.0, counterValue(t, "GET", "/v2/escrow/bookings/:reservationId", "2xx"))
	assert.Equal(t, 1.0, counterValue(t, "GET", "unmatched", "4xx"))
}

func TestSampleDBStats(t *testing.T) {
	SampleDBStats(sql.DBStats{OpenConnections: 7, InUse: 3, Idle: 4, WaitCount: 2, WaitDuration: 1500 * time.Millisecond})

	m := &dto.Metric{}
	require.NoError(t, DBOpenConnections.Write(m))
	assert.Equal(t, 7.0, m.GetGauge().GetValue())

	m = &dto.Metric{}
	require.NoError(t, DBWaitDuration.Write(m))
	assert.Equal(t, 1.5, m.GetGauge().GetValue())
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	SetBuildInfo("test")

	r := gin.New()
	r.GET("/metrics", Handler())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "hillside_goroutines")
	assert.Contains(t, body, `hillside_build_info{go_version=`)
}
