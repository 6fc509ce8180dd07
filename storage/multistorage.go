package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ruteri/tee-vm-provisioning/interfaces"
)

// MultiStorageBackend mirrors state across several backends.
// Reads are served by the first available backend holding the key. Writes
// and deletes must reach every configured backend, so any backend that
// holds a key holds its latest successfully written value.
type MultiStorageBackend struct {
	backends []interfaces.StateBackend
	log      *slog.Logger
}

// NewMultiStorageBackend creates a new mirrored backend.
func NewMultiStorageBackend(backends []interfaces.StateBackend, logger *slog.Logger) *MultiStorageBackend {
	// If no logger is provided, create a default one
	if logger == nil {
		logger = slog.Default()
	}

	return &MultiStorageBackend{
		backends: backends,
		log:      logger,
	}
}

// Get returns the value from the first available backend that has it.
// Returns ErrContentNotFound when every reachable backend reports the key missing.
func (m *MultiStorageBackend) Get(ctx context.Context, key interfaces.StateKey) ([]byte, error) {
	start := time.Now()
	var errs []error
	reached := 0

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable",
				slog.String("backend_name", backend.Name()),
				slog.String("key", key.String()))
			continue
		}
		reached++

		data, err := backend.Get(ctx, key)
		if err == nil {
			m.log.Debug("Successfully read state",
				slog.String("backend_name", backend.Name()),
				slog.String("key", key.String()),
				slog.Duration("duration", time.Since(start)))
			return data, nil
		}
		if errors.Is(err, interfaces.ErrContentNotFound) {
			continue
		}

		errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
		m.log.Debug("Failed to read from backend",
			slog.String("backend_name", backend.Name()),
			slog.String("key", key.String()),
			"err", err)
	}

	if reached == 0 {
		return nil, fmt.Errorf("%w: no backend reachable", interfaces.ErrBackendUnavailable)
	}
	if len(errs) == 0 {
		return nil, interfaces.ErrContentNotFound
	}

	m.log.Error("All backends failed to read state",
		slog.String("key", key.String()),
		slog.Int("failed_backends", len(errs)),
		slog.Duration("duration", time.Since(start)))

	return nil, fmt.Errorf("all backends failed to read %s: %w", key, errors.Join(errs...))
}

// Put writes value to every configured backend. An unavailable or failing
// backend fails the write, since a backend that missed it would later serve
// the previous value.
func (m *MultiStorageBackend) Put(ctx context.Context, key interfaces.StateKey, value []byte) error {
	start := time.Now()
	if len(m.backends) == 0 {
		return fmt.Errorf("%w: no backends configured", interfaces.ErrBackendUnavailable)
	}

	var errs []error
	written := 0

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable", slog.String("backend_name", backend.Name()))
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), interfaces.ErrBackendUnavailable))
			continue
		}

		if err := backend.Put(ctx, key, value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
			m.log.Debug("Failed to write to backend",
				slog.String("backend_name", backend.Name()),
				"err", err)
			continue
		}
		written++
	}

	if len(errs) > 0 {
		m.log.Error("Backends failed to write state",
			slog.String("key", key.String()),
			slog.Int("failed_backends", len(errs)),
			slog.Int("written_backends", written),
			slog.Duration("duration", time.Since(start)))
		return fmt.Errorf("failed to write %s: %w", key, errors.Join(errs...))
	}

	m.log.Debug("Successfully wrote state",
		slog.String("key", key.String()),
		slog.Int("backends", written),
		slog.Duration("duration", time.Since(start)))

	return nil
}

// Delete removes key from every configured backend. As with Put, a backend
// that cannot be reached fails the call.
func (m *MultiStorageBackend) Delete(ctx context.Context, key interfaces.StateKey) error {
	var errs []error
	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), interfaces.ErrBackendUnavailable))
			continue
		}
		if err := backend.Delete(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Available checks if any backend is available
func (m *MultiStorageBackend) Available(ctx context.Context) bool {
	for _, backend := range m.backends {
		if backend.Available(ctx) {
			return true
		}
	}
	return false
}

// Name returns the name of this backend
func (m *MultiStorageBackend) Name() string {
	return "multi-storage"
}

// LocationURI returns a combined location URI of all backends.
func (m *MultiStorageBackend) LocationURI() string {
	var locations []string
	for _, backend := range m.backends {
		locations = append(locations, backend.LocationURI())
	}

	return "multi:[" + strings.Join(locations, ",") + "]"
}
