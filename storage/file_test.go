package storage

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ruteri/tee-vm-provisioning/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileBackend(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	backend, err := NewFileBackend(dir, logger)
	require.NoError(t, err)

	ctx := context.Background()
	key := interfaces.NewStateKey(interfaces.VMClientID)

	assert.True(t, backend.Available(ctx))
	assert.Equal(t, "file-state", backend.Name())
	assert.Equal(t, "file://"+dir, backend.LocationURI())

	_, err = backend.Get(ctx, key)
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)

	require.NoError(t, backend.Put(ctx, key, []byte("first")))
	require.NoError(t, backend.Put(ctx, key, []byte("second")))

	data, err := backend.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), data)

	info, err := os.Stat(filepath.Join(dir, key.String()))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	// No temp files are left behind
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	require.NoError(t, backend.Delete(ctx, key))
	require.NoError(t, backend.Delete(ctx, key))

	_, err = backend.Get(ctx, key)
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)
}

func TestFileBackend_PutHonorsContext(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = backend.Put(ctx, interfaces.NewStateKey("client"), []byte("x"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFileBackend_Unavailable(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "gone")
	backend, err := NewFileBackend(dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(dir))
	assert.False(t, backend.Available(context.Background()))
}

func TestFileBackend_LongClientID(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewFileBackend(dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	ctx := context.Background()
	longKey := interfaces.NewStateKey(interfaces.ClientID(strings.Repeat("c", 200)))
	otherKey := interfaces.NewStateKey(interfaces.ClientID(strings.Repeat("c", 199) + "d"))
	require.Greater(t, len(longKey), 255)

	require.NoError(t, backend.Put(ctx, longKey, []byte("long")))
	require.NoError(t, backend.Put(ctx, otherKey, []byte("other")))

	data, err := backend.Get(ctx, longKey)
	require.NoError(t, err)
	assert.Equal(t, []byte("long"), data)

	data, err = backend.Get(ctx, otherKey)
	require.NoError(t, err)
	assert.Equal(t, []byte("other"), data)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.True(t, strings.HasPrefix(e.Name(), "sha256-"))
		assert.LessOrEqual(t, len(e.Name()), maxKeyFileName)
	}

	require.NoError(t, backend.Delete(ctx, longKey))
	_, err = backend.Get(ctx, longKey)
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)
}

func TestKeyFileName(t *testing.T) {
	short := interfaces.NewStateKey(interfaces.VMClientID)
	assert.Equal(t, short.String(), keyFileName(short))

	atLimit := interfaces.StateKey(strings.Repeat("A", maxKeyFileName))
	assert.Equal(t, atLimit.String(), keyFileName(atLimit))

	overLimit := interfaces.StateKey(strings.Repeat("A", maxKeyFileName+2))
	assert.Len(t, keyFileName(overLimit), len("sha256-")+64)
}
