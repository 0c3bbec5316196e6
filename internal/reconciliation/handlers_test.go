package reconciliation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hillside/hillside-escrow/internal/bookings"
	"github.com/hillside/hillside-escrow/internal/escrowchain"
)

type failingStore struct {
	bookings.Store
}

func (failingStore) ListEscrowCandidates(ctx context.Context, chainKey string, limit, offset int) ([]*bookings.Booking, int, error) {
	return nil, 0, errors.New("connection refused")
}

func setupTestRouter(t *testing.T, store bookings.Store, reader Reader) (*gin.Engine, *Runner) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	engine := NewEngine(testRegistry(), store, reader, WithLogger(quietLogger()))
	state := NewMonitorState(MonitorSettings{Enabled: true, IntervalSec: 300, Limit: 200,
		Thresholds: Thresholds{Mismatch: 1, MissingOnchain: 1, Skipped: 1}})
	runner := NewRunner(engine, testRegistry(), state, "", 200, quietLogger())

	r := gin.New()
	NewHandler(engine, runner).RegisterAdminRoutes(r.Group("/v2"))
	return r, runner
}

func doRequest(r *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_ListReconciliation(t *testing.T) {
	store := bookings.NewMemoryStore()
	seedBooking(t, store, "b1", time.Minute, bookings.StateLocked)
	seedBooking(t, store, "b2", 2*time.Minute, bookings.StateLocked)
	seedBooking(t, store, "b3", 3*time.Minute, bookings.StateLocked)
	reader := newFakeReader()
	reader.set("b1", escrowchain.StateLocked, 1)

	r, _ := setupTestRouter(t, store, reader)
	w := doRequest(r, "GET", "/v2/escrow/reconciliation?limit=2&chain_key=sepolia")
	require.Equal(t, http.StatusOK, w.Code)

	var resp Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "sepolia", resp.ChainKey)
	assert.Equal(t, 3, resp.Count)
	assert.Equal(t, 2, resp.Limit)
	assert.True(t, resp.HasMore)
	require.Len(t, resp.Items, 2)
	assert.Equal(t, ResultMatch, resp.Items[0].Result)
	assert.Equal(t, ResultMissingOnchain, resp.Items[1].Result)
	assert.Equal(t, Summary{Total: 2, Match: 1, MissingOnchain: 1, Alert: true}, resp.Summary)
}

func TestHandler_ListReconciliationValidation(t *testing.T) {
	r, _ := setupTestRouter(t, bookings.NewMemoryStore(), newFakeReader())

	for _, q := range []string{"limit=0", "limit=201", "limit=abc", "offset=-1"} {
		t.Run(q, func(t *testing.T) {
			w := doRequest(r, "GET", "/v2/escrow/reconciliation?"+q)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), "validation_error")
		})
	}

	w := doRequest(r, "GET", "/v2/escrow/reconciliation?limit=200&offset=0")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandler_ListReconciliationChainErrors(t *testing.T) {
	r, _ := setupTestRouter(t, bookings.NewMemoryStore(), newFakeReader())

	w := doRequest(r, "GET", "/v2/escrow/reconciliation?chain_key=amoy")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "disabled")

	w = doRequest(r, "GET", "/v2/escrow/reconciliation?chain_key=mainnet")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "mainnet")
}

func TestHandler_ListReconciliationStoreFailure(t *testing.T) {
	r, _ := setupTestRouter(t, failingStore{}, newFakeReader())

	w := doRequest(r, "GET", "/v2/escrow/reconciliation")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.NotContains(t, w.Body.String(), "connection refused")
}

func TestHandler_MonitorRunAndSnapshot(t *testing.T) {
	store := bookings.NewMemoryStore()
	seedBooking(t, store, "b1", time.Minute, bookings.StateLocked)
	reader := newFakeReader()
	reader.set("b1", escrowchain.StateLocked, 1)

	r, _ := setupTestRouter(t, store, reader)

	w := doRequest(r, "GET", "/v2/escrow/reconciliation-monitor")
	require.Equal(t, http.StatusOK, w.Code)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.True(t, snap.Enabled)
	assert.Zero(t, snap.RunsTotal)
	assert.Nil(t, snap.LastSummary)

	w = doRequest(r, "POST", "/v2/escrow/reconciliation-monitor/run")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, 1, snap.RunsTotal)
	assert.Equal(t, "sepolia", snap.ChainKey)
	require.NotNil(t, snap.LastSummary)
	assert.Equal(t, 1, snap.LastSummary.Match)
	assert.False(t, snap.AlertActive)

	w = doRequest(r, "GET", "/v2/escrow/reconciliation-monitor")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, 1, snap.RunsTotal)
}

func TestHandler_MonitorRunFailureStill200(t *testing.T) {
	r, _ := setupTestRouter(t, failingStore{}, newFakeReader())

	w := doRequest(r, "POST", "/v2/escrow/reconciliation-monitor/run")
	require.Equal(t, http.StatusOK, w.Code)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, 1, snap.ConsecutiveFailures)
	assert.Contains(t, snap.LastError, "connection refused")
	assert.True(t, snap.AlertActive)
}
