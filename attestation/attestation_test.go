package attestation

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ruteri/tee-vm-provisioning/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingProvider struct {
	reportData [64]byte
	err        error
}

func (p *recordingProvider) Attest(reportData [64]byte) ([]byte, error) {
	p.reportData = reportData
	if p.err != nil {
		return nil, p.err
	}
	return []byte("quote"), nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestClient_RequestMeasurementWithContentBinding(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 600, time.UTC)
	provider := &recordingProvider{}
	client := NewClient(provider, testLogger())
	client.now = func() time.Time { return now }

	resp, err := client.RequestMeasurementWithContentBinding(context.Background(), "download:model-v1")
	require.NoError(t, err)

	assert.Equal(t, interfaces.AttestationSuccess, resp.Status)
	assert.Equal(t, []byte("quote"), resp.Token)
	assert.Equal(t, now.Add(MeasurementTTL).Truncate(time.Second), resp.ExpiresAt)
	assert.Equal(t, ReportData("download:model-v1", resp.ExpiresAt), provider.reportData)
}

func TestClient_ProviderFailure(t *testing.T) {
	client := NewClient(&recordingProvider{err: errors.New("no tdx")}, testLogger())

	resp, err := client.RequestMeasurementWithContentBinding(context.Background(), "binding")
	require.Error(t, err)
	assert.Equal(t, interfaces.AttestationFailed, resp.Status)
	assert.Empty(t, resp.Token)
}

func TestReportData(t *testing.T) {
	expiry := time.Unix(1700000000, 0)

	a := ReportData("binding", expiry)
	assert.Equal(t, a, ReportData("binding", expiry))
	assert.NotEqual(t, a, ReportData("binding2", expiry))
	assert.NotEqual(t, a, ReportData("binding", expiry.Add(time.Second)))
}

func TestNoopClient(t *testing.T) {
	resp, err := NoopClient{}.RequestMeasurementWithContentBinding(context.Background(), "binding")
	require.NoError(t, err)
	assert.Equal(t, interfaces.AttestationNotRun, resp.Status)
	assert.Empty(t, resp.Token)
}

func TestRemoteProvider(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if strings.HasSuffix(r.URL.Path, "/"+strings.Repeat("00", 64)) {
			http.Error(w, "bad report data", http.StatusBadRequest)
			return
		}
		w.Write([]byte("raw-quote"))
	}))
	defer srv.Close()

	provider, err := ProviderFor(KindRemote, srv.URL+"/")
	require.NoError(t, err)

	var reportData [64]byte
	reportData[0] = 0xab
	quote, err := provider.Attest(reportData)
	require.NoError(t, err)
	assert.Equal(t, []byte("raw-quote"), quote)
	assert.Equal(t, "/attest/"+hex.EncodeToString(reportData[:]), gotPath)

	_, err = provider.Attest([64]byte{})
	assert.ErrorContains(t, err, "status 400")
}

func TestRemoteProvider_UsesClientContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	client := NewClient(NewRemoteProvider(srv.URL), testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	resp, err := client.RequestMeasurementWithContentBinding(ctx, "binding")
	require.Error(t, err)
	assert.Equal(t, interfaces.AttestationFailed, resp.Status)
}

func TestProviderFor(t *testing.T) {
	tests := []struct {
		kind    string
		address string
		wantErr bool
	}{
		{kind: KindTDX},
		{kind: KindDummy},
		{kind: KindRemote, address: "http://quotes"},
		{kind: KindRemote, wantErr: true},
		{kind: "sgx", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			p, err := ProviderFor(tt.kind, tt.address)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, p)
		})
	}
}

func TestDummyProvider(t *testing.T) {
	quote, err := DummyProvider{}.Attest([64]byte{1})
	require.NoError(t, err)
	assert.Contains(t, string(quote), "dummy attestation for 01")
}

func TestVerifyDCAPQuote_RejectsGarbage(t *testing.T) {
	_, err := VerifyDCAPQuote([64]byte{}, []byte("not a quote"))
	assert.ErrorContains(t, err, "could not parse quote")
}
