package common

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupLogger(t *testing.T) {
	var buf bytes.Buffer
	log := SetupLogger(&LoggingOpts{
		JSON:    true,
		Service: "svc",
		Version: "v1",
		Output:  &buf,
	})

	log.Debug("hidden")
	log.Info("visible", "k", "v")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "visible", entry["msg"])
	assert.Equal(t, "svc", entry["service"])
	assert.Equal(t, "v1", entry["version"])
	assert.Equal(t, "v", entry["k"])
}

func TestProtectedDownloadConfig(t *testing.T) {
	tests := []struct {
		name        string
		cfg         ProtectedDownloadConfig
		vms         bool
		attestation bool
	}{
		{"all off", ProtectedDownloadConfig{}, false, false},
		{"feature off", ProtectedDownloadConfig{EnableAttestation: true, EnableVirtualMachines: true}, false, false},
		{"vms only", ProtectedDownloadConfig{Enabled: true, EnableVirtualMachines: true}, true, false},
		{"attestation only", ProtectedDownloadConfig{Enabled: true, EnableAttestation: true}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.vms, tt.cfg.VirtualMachinesEnabled())
			assert.Equal(t, tt.attestation, tt.cfg.AttestationEnabled())
		})
	}
}

func TestNamedLocks_Serializes(t *testing.T) {
	locks := NewNamedLocks()
	ctx := context.Background()

	var mu sync.Mutex
	inside := 0
	maxInside := 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locks.Lock(ctx, "pd_vm")
			if !assert.NoError(t, err) {
				return
			}
			defer unlock()

			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInside)
	assert.Equal(t, 0, locks.Len())
}

func TestNamedLocks_DistinctNamesIndependent(t *testing.T) {
	locks := NewNamedLocks()
	ctx := context.Background()

	unlockA, err := locks.Lock(ctx, "a")
	require.NoError(t, err)
	defer unlockA()

	unlockB, err := locks.Lock(ctx, "b")
	require.NoError(t, err)
	unlockB()
}

func TestNamedLocks_ContextCancelled(t *testing.T) {
	locks := NewNamedLocks()

	unlock, err := locks.Lock(context.Background(), "pd_vm")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = locks.Lock(ctx, "pd_vm")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()
	assert.Equal(t, 0, locks.Len())
}
