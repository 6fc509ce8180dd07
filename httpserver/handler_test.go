package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ruteri/tee-vm-provisioning/attestation"
	"github.com/ruteri/tee-vm-provisioning/interfaces"
	"github.com/ruteri/tee-vm-provisioning/keys"
	"github.com/ruteri/tee-vm-provisioning/storage"
	"github.com/ruteri/tee-vm-provisioning/vm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockProvisioner struct {
	mock.Mock
}

func (m *MockProvisioner) Provision(ctx context.Context, req vm.ProvisionRequest) (*interfaces.VMDescriptor, error) {
	args := m.Called(ctx, req)
	desc, _ := args.Get(0).(*interfaces.VMDescriptor)
	return desc, args.Error(1)
}

func (m *MockProvisioner) Delete(ctx context.Context, req vm.DeleteRequest) error {
	return m.Called(ctx, req).Error(0)
}

type staticMasterKey []byte

func (k staticMasterKey) ReadOrGenerateMasterKey(context.Context) ([]byte, error) {
	return k, nil
}

type testEnv struct {
	provisioner *MockProvisioner
	states      *storage.StateStore
	keyMgr      *keys.Manager
	server      *Server
}

func setupTestEnvironment(t *testing.T, attest interfaces.AttestationClient) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	env := &testEnv{
		provisioner: new(MockProvisioner),
		states:      storage.NewStateStore(storage.NewMemoryBackend("test"), logger),
		keyMgr:      keys.NewManager(staticMasterKey(bytes.Repeat([]byte{7}, 32)), logger),
	}

	if attest == nil {
		attest = attestation.NewClient(attestation.DummyProvider{}, logger)
	}
	handler := NewHandler(env.provisioner, env.states, env.keyMgr, attest, logger)

	srv, err := New(&HTTPServerConfig{
		ListenAddr:               "127.0.0.1:0",
		Log:                      logger,
		DrainDuration:            time.Millisecond,
		GracefulShutdownDuration: time.Second,
	}, handler)
	require.NoError(t, err)
	env.server = srv
	return env
}

func (env *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rr := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rr, req)
	return rr
}

func TestHandleProvision_Success(t *testing.T) {
	env := setupTestEnvironment(t, nil)

	desc := &interfaces.VMDescriptor{
		Name:       vm.DefaultVMName,
		BundlePath: "/var/lib/pd/pd_vm",
		GuestCID:   3,
		Config:     interfaces.VMConfig{APKPath: "/images/pd.img", PayloadPath: "/payload/bin", Protected: true},
	}
	env.provisioner.On("Provision", mock.Anything, vm.ProvisionRequest{APKPath: "/images/pd.img", PayloadPath: "/payload/bin"}).
		Return(desc, nil)

	rr := env.do(http.MethodPost, "/api/v1/vm/provision", `{"apk_path":"/images/pd.img","payload_path":"/payload/bin"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var got interfaces.VMDescriptor
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, *desc, got)
	env.provisioner.AssertExpectations(t)
}

func TestHandleProvision_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unsupported", fmt.Errorf("%w: virtual machines are disabled", interfaces.ErrUnsupported), http.StatusNotImplemented},
		{"invalid request", &interfaces.VMLifecycleError{Stage: "idle", Err: vm.ErrInvalidRequest}, http.StatusBadRequest},
		{
			"storage failure during key exchange",
			&interfaces.VMLifecycleError{Stage: "persisting_state", Err: &interfaces.StorageError{Op: "write", Err: errors.New("disk full")}},
			http.StatusInternalServerError,
		},
		{"lifecycle failure", &interfaces.VMLifecycleError{Stage: "awaiting_payload_ready", Code: 3, Err: errors.New("payload error")}, http.StatusBadGateway},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestEnvironment(t, nil)
			env.provisioner.On("Provision", mock.Anything, mock.Anything).Return(nil, tt.err)

			rr := env.do(http.MethodPost, "/api/v1/vm/provision", `{"apk_path":"a","payload_path":"b"}`)
			assert.Equal(t, tt.want, rr.Code)
			assert.Contains(t, rr.Body.String(), tt.err.Error())
		})
	}
}

func TestHandleProvision_BadBody(t *testing.T) {
	env := setupTestEnvironment(t, nil)

	rr := env.do(http.MethodPost, "/api/v1/vm/provision", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(http.MethodPost, "/api/v1/vm/provision", `{"apk_path":"`+strings.Repeat("a", maxBodySize)+`"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	env.provisioner.AssertNotCalled(t, "Provision", mock.Anything, mock.Anything)
}

func TestHandleDelete(t *testing.T) {
	t.Run("empty body deletes default vm", func(t *testing.T) {
		env := setupTestEnvironment(t, nil)
		env.provisioner.On("Delete", mock.Anything, vm.DeleteRequest{}).Return(nil)

		rr := env.do(http.MethodPost, "/api/v1/vm/delete", "")
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.JSONEq(t, `{"status":"deleted"}`, rr.Body.String())
	})

	t.Run("named vm", func(t *testing.T) {
		env := setupTestEnvironment(t, nil)
		env.provisioner.On("Delete", mock.Anything, vm.DeleteRequest{Name: "other"}).Return(nil)

		rr := env.do(http.MethodPost, "/api/v1/vm/delete", `{"name":"other"}`)
		assert.Equal(t, http.StatusOK, rr.Code)
		env.provisioner.AssertExpectations(t)
	})

	t.Run("host failure", func(t *testing.T) {
		env := setupTestEnvironment(t, nil)
		env.provisioner.On("Delete", mock.Anything, mock.Anything).
			Return(&interfaces.VMLifecycleError{Stage: "deleting", Err: errors.New("busy")})

		rr := env.do(http.MethodPost, "/api/v1/vm/delete", `{}`)
		assert.Equal(t, http.StatusBadGateway, rr.Code)
	})
}

func TestHandlePublicKey(t *testing.T) {
	env := setupTestEnvironment(t, nil)
	ctx := context.Background()

	rr := env.do(http.MethodGet, "/api/v1/vm/public_key", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	private, err := env.keyMgr.Generate()
	require.NoError(t, err)
	public, err := private.ExportPublic()
	require.NoError(t, err)
	wantHash, err := keys.StableHash(private)
	require.NoError(t, err)

	state := interfaces.DefaultClientPersistentState().WithExternalKeyset(public)
	require.NoError(t, env.states.WriteState(ctx, interfaces.VMClientID, state))

	rr = env.do(http.MethodGet, "/api/v1/vm/public_key", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp PublicKeyResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, public, resp.PublicKeyset)
	assert.Equal(t, wantHash.String(), resp.StableHash)
}

func TestHandlePublicKey_InvalidStoredKey(t *testing.T) {
	env := setupTestEnvironment(t, nil)

	state := interfaces.DefaultClientPersistentState().WithExternalKeyset([]byte("not a keyset"))
	require.NoError(t, env.states.WriteState(context.Background(), interfaces.VMClientID, state))

	rr := env.do(http.MethodGet, "/api/v1/vm/public_key", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp PublicKeyResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, []byte("not a keyset"), resp.PublicKeyset)
	assert.Empty(t, resp.StableHash)
}

type failingAttestation struct{}

func (failingAttestation) RequestMeasurementWithContentBinding(context.Context, string) (interfaces.AttestationResponse, error) {
	return interfaces.AttestationResponse{Status: interfaces.AttestationFailed}, errors.New("no quote")
}

func TestHandleAttest(t *testing.T) {
	tests := []struct {
		name       string
		client     interfaces.AttestationClient
		body       string
		wantCode   int
		wantStatus interfaces.AttestationStatus
	}{
		{"success", nil, `{"content_binding":"blob-1"}`, http.StatusOK, interfaces.AttestationSuccess},
		{"disabled", attestation.NoopClient{}, `{"content_binding":"blob-1"}`, http.StatusOK, interfaces.AttestationNotRun},
		{"provider failure", failingAttestation{}, `{"content_binding":"blob-1"}`, http.StatusBadGateway, interfaces.AttestationFailed},
		{"missing binding", nil, `{}`, http.StatusBadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestEnvironment(t, tt.client)

			rr := env.do(http.MethodPost, "/api/v1/attest", tt.body)
			require.Equal(t, tt.wantCode, rr.Code, rr.Body.String())
			if tt.wantStatus == "" {
				return
			}

			var resp interfaces.AttestationResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantStatus, resp.Status)
			if tt.wantStatus == interfaces.AttestationSuccess {
				assert.NotEmpty(t, resp.Token)
				assert.False(t, resp.ExpiresAt.IsZero())
			}
		})
	}
}

func TestHealthEndpoints(t *testing.T) {
	env := setupTestEnvironment(t, nil)

	steps := []struct {
		path     string
		wantCode int
		wantBody string
	}{
		{"/livez", http.StatusOK, `{"status":"alive"}`},
		{"/readyz", http.StatusOK, `{"status":"ready"}`},
		{"/drain", http.StatusOK, `{"status":"draining"}`},
		{"/drain", http.StatusOK, `{"status":"already draining"}`},
		{"/readyz", http.StatusServiceUnavailable, `{"status":"not ready"}`},
		{"/undrain", http.StatusOK, `{"status":"ready"}`},
		{"/undrain", http.StatusOK, `{"status":"already ready"}`},
		{"/readyz", http.StatusOK, `{"status":"ready"}`},
	}

	for _, step := range steps {
		rr := env.do(http.MethodGet, step.path, "")
		assert.Equal(t, step.wantCode, rr.Code, step.path)
		assert.JSONEq(t, step.wantBody, rr.Body.String(), step.path)
	}
}
