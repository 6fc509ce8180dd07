package main

import (
	"context"
	"errors"
	"testing"

	"github.com/ruteri/tee-vm-provisioning/kms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

type countingMasterKey struct {
	key   []byte
	err   error
	calls atomic.Int32
}

func (k *countingMasterKey) ReadOrGenerateMasterKey(context.Context) ([]byte, error) {
	k.calls.Inc()
	return k.key, k.err
}

func TestCheckMasterKey(t *testing.T) {
	ctx := context.Background()

	t.Run("not required", func(t *testing.T) {
		provider := &countingMasterKey{err: errors.New("vault sealed")}
		require.NoError(t, checkMasterKey(ctx, false, provider))
		assert.Equal(t, int32(0), provider.calls.Load())
	})

	t.Run("required and unavailable", func(t *testing.T) {
		sealed := errors.New("vault sealed")
		provider := &countingMasterKey{err: sealed}
		assert.ErrorIs(t, checkMasterKey(ctx, true, provider), sealed)
		assert.Equal(t, int32(1), provider.calls.Load())
	})

	t.Run("required and available", func(t *testing.T) {
		provider := &countingMasterKey{key: make([]byte, kms.MasterKeySize)}
		require.NoError(t, checkMasterKey(ctx, true, provider))
		assert.Equal(t, int32(1), provider.calls.Load())
	})
}

func TestAppFlagsIncludeMasterKeyCheck(t *testing.T) {
	names := map[string]bool{}
	for _, f := range appFlags() {
		for _, n := range f.Names() {
			names[n] = true
		}
	}
	assert.True(t, names[flagCheckMasterKey.Name])
	assert.True(t, names[flagMasterKeyFile.Name])
}
