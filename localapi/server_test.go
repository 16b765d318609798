package localapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubReader struct{}

func (stubReader) ConnectionStateValue() string    { return "Booted" }
func (stubReader) RegistrationStatusValue() string { return "Accepted" }
func (stubReader) ConnectorStatuses() map[int]core.ChargePointStatus {
	return map[int]core.ChargePointStatus{
		0: core.ChargePointStatusAvailable,
		1: core.ChargePointStatusCharging,
	}
}
func (stubReader) ActiveTransactions() []TransactionView {
	return []TransactionView{{
		ConnectorID:   1,
		SessionID:     "s1",
		TransactionID: 42,
		IDTag:         "TAG01",
		StartTime:     time.Now(),
		MeterStartWh:  100,
	}}
}

func testRequest(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	s := NewServer(stubReader{}, ":0")
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rr, req)
	return rr
}

func TestStatusEndpoint(t *testing.T) {
	rr := testRequest(t, "/api/v1/status")
	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "Booted", body["connectionState"])
	assert.Equal(t, "Accepted", body["registrationStatus"])
}

func TestConnectorsEndpoint(t *testing.T) {
	rr := testRequest(t, "/api/v1/connectors")
	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "Charging", body["1"])
}

func TestTransactionsEndpoint(t *testing.T) {
	rr := testRequest(t, "/api/v1/transactions")
	require.Equal(t, http.StatusOK, rr.Code)

	var body []TransactionView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body, 1)
	assert.Equal(t, 42, body[0].TransactionID)
}

func TestUnknownRouteIs404(t *testing.T) {
	rr := testRequest(t, "/api/v1/nope")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
