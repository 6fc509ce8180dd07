package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/tee-vm-provisioning/common"
	"github.com/ruteri/tee-vm-provisioning/interfaces"
	"github.com/ruteri/tee-vm-provisioning/metrics"
)

// StateStore persists ClientPersistentState per client id on a StateBackend.
// Distinct ids proceed concurrently. UpdateState serializes read-modify-write
// cycles of the same id; WriteState takes the same lock so it never
// interleaves with an update.
type StateStore struct {
	backend interfaces.StateBackend
	locks   *common.NamedLocks
	log     *slog.Logger
}

// NewStateStore creates a store writing to backend.
func NewStateStore(backend interfaces.StateBackend, log *slog.Logger) *StateStore {
	return &StateStore{
		backend: backend,
		locks:   common.NewNamedLocks(),
		log:     log,
	}
}

// ReadState returns the state stored for id, or nil if nothing was ever written.
// Undecodable bytes yield a *StorageError wrapping ErrStateCorrupted.
func (s *StateStore) ReadState(ctx context.Context, id interfaces.ClientID) (*interfaces.ClientPersistentState, error) {
	return s.read(ctx, id)
}

// WriteState replaces the state stored for id. It returns once the backend
// reports the value durable.
func (s *StateStore) WriteState(ctx context.Context, id interfaces.ClientID, state interfaces.ClientPersistentState) error {
	unlock, err := s.locks.Lock(ctx, string(id))
	if err != nil {
		return &interfaces.StorageError{Op: metrics.OpWrite, ClientID: id, Err: err}
	}
	defer unlock()

	return s.write(ctx, id, state)
}

// UpdateState reads the state for id, passes it to fn and writes the result.
// current is nil when nothing was stored. Concurrent updates of the same id
// run one after another. An error from fn aborts without writing.
func (s *StateStore) UpdateState(ctx context.Context, id interfaces.ClientID, fn func(current *interfaces.ClientPersistentState) (interfaces.ClientPersistentState, error)) (interfaces.ClientPersistentState, error) {
	unlock, err := s.locks.Lock(ctx, string(id))
	if err != nil {
		return interfaces.ClientPersistentState{}, &interfaces.StorageError{Op: "update", ClientID: id, Err: err}
	}
	defer unlock()

	current, err := s.read(ctx, id)
	if err != nil {
		return interfaces.ClientPersistentState{}, err
	}

	next, err := fn(current)
	if err != nil {
		return interfaces.ClientPersistentState{}, err
	}

	if err := s.write(ctx, id, next); err != nil {
		return interfaces.ClientPersistentState{}, err
	}
	return next, nil
}

// DeleteState removes the state stored for id.
func (s *StateStore) DeleteState(ctx context.Context, id interfaces.ClientID) error {
	unlock, err := s.locks.Lock(ctx, string(id))
	if err != nil {
		return &interfaces.StorageError{Op: metrics.OpDelete, ClientID: id, Err: err}
	}
	defer unlock()

	start := time.Now()
	err = s.backend.Delete(ctx, interfaces.NewStateKey(id))
	metrics.RecordStorageOperation(metrics.OpDelete, s.backend.Name(), metrics.Status(err), time.Since(start).Seconds())
	if err != nil {
		return &interfaces.StorageError{Op: metrics.OpDelete, ClientID: id, Err: err}
	}
	return nil
}

func (s *StateStore) read(ctx context.Context, id interfaces.ClientID) (*interfaces.ClientPersistentState, error) {
	start := time.Now()
	key := interfaces.NewStateKey(id)

	data, err := s.backend.Get(ctx, key)
	if errors.Is(err, interfaces.ErrContentNotFound) {
		metrics.RecordStorageOperation(metrics.OpRead, s.backend.Name(), metrics.StatusSuccess, time.Since(start).Seconds())
		s.log.Debug("No persisted state", slog.String("client_id", string(id)))
		return nil, nil
	}
	if err != nil {
		metrics.RecordStorageOperation(metrics.OpRead, s.backend.Name(), metrics.StatusError, time.Since(start).Seconds())
		s.log.Error("Failed to read persisted state",
			slog.String("client_id", string(id)),
			slog.String("backend", s.backend.Name()),
			"err", err)
		return nil, &interfaces.StorageError{Op: metrics.OpRead, ClientID: id, Err: err}
	}

	state, err := DecodeState(data)
	if err != nil {
		metrics.RecordStorageOperation(metrics.OpRead, s.backend.Name(), metrics.StatusError, time.Since(start).Seconds())
		metrics.RecordError(metrics.OpRead, "state_corrupted")
		s.log.Error("Persisted state is corrupted",
			slog.String("client_id", string(id)),
			slog.Int("size", len(data)),
			"err", err)
		return nil, &interfaces.StorageError{Op: "decode", ClientID: id, Err: err}
	}

	metrics.RecordStorageOperation(metrics.OpRead, s.backend.Name(), metrics.StatusSuccess, time.Since(start).Seconds())
	return &state, nil
}

func (s *StateStore) write(ctx context.Context, id interfaces.ClientID, state interfaces.ClientPersistentState) error {
	start := time.Now()

	err := s.backend.Put(ctx, interfaces.NewStateKey(id), EncodeState(state))
	metrics.RecordStorageOperation(metrics.OpWrite, s.backend.Name(), metrics.Status(err), time.Since(start).Seconds())
	if err != nil {
		s.log.Error("Failed to write persisted state",
			slog.String("client_id", string(id)),
			slog.String("backend", s.backend.Name()),
			"err", err)
		return &interfaces.StorageError{Op: metrics.OpWrite, ClientID: id, Err: fmt.Errorf("failed to persist state: %w", err)}
	}

	s.log.Debug("Persisted state",
		slog.String("client_id", string(id)),
		slog.Duration("duration", time.Since(start)))
	return nil
}
