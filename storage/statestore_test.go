package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/ruteri/tee-vm-provisioning/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*StateStore, *MemoryBackend) {
	t.Helper()
	backend := NewMemoryBackend(t.Name())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewStateStore(backend, logger), backend
}

func TestStateStore_UnknownIDReturnsNil(t *testing.T) {
	store, _ := newTestStore(t)

	state, err := store.ReadState(context.Background(), "never-written")
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestStateStore_RoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	want := interfaces.DefaultClientPersistentState().
		WithExternalKeyset([]byte{0x00, 0x01, 0xff}).
		WithPageToken([]byte("page-2"))

	require.NoError(t, store.WriteState(ctx, interfaces.VMClientID, want))

	got, err := store.ReadState(ctx, interfaces.VMClientID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.ExternalKeyset, got.ExternalKeyset)
	assert.Equal(t, want.PageToken, got.PageToken)
}

func TestStateStore_WriteOverwrites(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.WriteState(ctx, "client", interfaces.DefaultClientPersistentState().WithPageToken([]byte("a"))))
	require.NoError(t, store.WriteState(ctx, "client", interfaces.DefaultClientPersistentState().WithExternalKeyset([]byte("k"))))

	got, err := store.ReadState(ctx, "client")
	require.NoError(t, err)
	assert.Empty(t, got.PageToken)
	assert.Equal(t, []byte("k"), got.ExternalKeyset)
}

func TestStateStore_CorruptedState(t *testing.T) {
	store, backend := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, backend.Put(ctx, interfaces.NewStateKey("client"), []byte{0x0a, 0x10, 0x01}))

	state, err := store.ReadState(ctx, "client")
	assert.Nil(t, state)

	var storageErr *interfaces.StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, interfaces.ClientID("client"), storageErr.ClientID)
	assert.ErrorIs(t, err, interfaces.ErrStateCorrupted)
}

func TestStateStore_BackendFailure(t *testing.T) {
	backendErr := errors.New("disk on fire")
	backend := &MockStateBackend{name: "mock-A"}
	backend.On("Put", anyCtx, interfaces.NewStateKey("client"), []byte{}).Return(backendErr)
	backend.On("Get", anyCtx, interfaces.NewStateKey("client")).Return(nil, backendErr)

	store := NewStateStore(backend, slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := store.WriteState(context.Background(), "client", interfaces.DefaultClientPersistentState())
	var storageErr *interfaces.StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.ErrorIs(t, err, backendErr)

	_, err = store.ReadState(context.Background(), "client")
	require.ErrorAs(t, err, &storageErr)
	assert.ErrorIs(t, err, backendErr)
}

func TestStateStore_UpdateStateSerializesSameID(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.UpdateState(ctx, "counter", func(current *interfaces.ClientPersistentState) (interfaces.ClientPersistentState, error) {
				if current == nil {
					return interfaces.DefaultClientPersistentState().WithLastCompletionTimeMillis(1), nil
				}
				return current.WithLastCompletionTimeMillis(current.LastCompletionTimeMillis + 1), nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := store.ReadState(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(workers), got.LastCompletionTimeMillis)
}

func TestStateStore_UpdateStateAbortsOnError(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	fnErr := errors.New("nope")
	_, err := store.UpdateState(ctx, "client", func(current *interfaces.ClientPersistentState) (interfaces.ClientPersistentState, error) {
		return interfaces.ClientPersistentState{}, fnErr
	})
	require.ErrorIs(t, err, fnErr)

	state, err := store.ReadState(ctx, "client")
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestStateStore_DistinctIDs(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := interfaces.ClientID(fmt.Sprintf("client-%d", i))
			assert.NoError(t, store.WriteState(ctx, id, interfaces.DefaultClientPersistentState().WithPageToken([]byte(id))))
		}(i)
	}
	wg.Wait()

	for i := 0; i < 10; i++ {
		id := interfaces.ClientID(fmt.Sprintf("client-%d", i))
		got, err := store.ReadState(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, []byte(id), got.PageToken)
	}
}

func TestStateStore_DeleteState(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.WriteState(ctx, "client", interfaces.DefaultClientPersistentState()))
	require.NoError(t, store.DeleteState(ctx, "client"))

	state, err := store.ReadState(ctx, "client")
	require.NoError(t, err)
	assert.Nil(t, state)
}
