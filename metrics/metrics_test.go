package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus(t *testing.T) {
	assert.Equal(t, StatusSuccess, Status(nil))
	assert.Equal(t, StatusError, Status(errors.New("boom")))
}

func TestRecordStorageOperation(t *testing.T) {
	Enable()

	before := testutil.ToFloat64(StorageOperationsTotal.WithLabelValues(OpWrite, "test-backend", StatusSuccess))
	RecordStorageOperation(OpWrite, "test-backend", StatusSuccess, 0.01)
	after := testutil.ToFloat64(StorageOperationsTotal.WithLabelValues(OpWrite, "test-backend", StatusSuccess))

	assert.Equal(t, before+1, after)
}

func TestDisableSkipsRecording(t *testing.T) {
	Disable()
	defer Enable()

	before := testutil.ToFloat64(ProvisioningTotal.WithLabelValues("failed", StatusError))
	RecordProvisioning("failed", StatusError, 1)
	after := testutil.ToFloat64(ProvisioningTotal.WithLabelValues("failed", StatusError))

	assert.Equal(t, before, after)
	assert.False(t, IsEnabled())
}

func TestSetBackendHealth(t *testing.T) {
	Enable()

	SetBackendHealth("file-test", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(BackendHealthy.WithLabelValues("file-test")))

	SetBackendHealth("file-test", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(BackendHealthy.WithLabelValues("file-test")))
}

func TestMetricsServerHandler(t *testing.T) {
	_, err := New("test", "v0", "")
	require.Error(t, err)

	srv, err := New("test", "v0", "127.0.0.1:0")
	require.NoError(t, err)

	RecordVMEvent("payload_ready")

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	body, err := io.ReadAll(rr.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "pd_build_info"))
	assert.True(t, strings.Contains(string(body), "pd_vm_events_total"))
}
