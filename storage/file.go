package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ruteri/tee-vm-provisioning/interfaces"
)

// maxKeyFileName bounds plain key file names so that the name and its
// temporary sibling stay below NAME_MAX (255 bytes on common file systems).
const maxKeyFileName = 200

// FileBackend implements a state backend on the local file system.
// Each key is one file under the base directory. Keys longer than
// maxKeyFileName are stored under their SHA-256 digest instead.
type FileBackend struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFileBackend creates a new file state backend using the specified base directory.
// The directory is created with owner-only permissions if it doesn't exist.
func NewFileBackend(baseDir string, log *slog.Logger) (*FileBackend, error) {
	// Ensure base directory exists
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FileBackend{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// Get reads the value stored under key.
// Returns ErrContentNotFound if the file doesn't exist.
func (b *FileBackend) Get(ctx context.Context, key interfaces.StateKey) ([]byte, error) {
	filePath := b.getFilePath(key)

	data, err := os.ReadFile(filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, interfaces.ErrContentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	b.log.Debug("Read state from file",
		slog.String("path", filePath),
		slog.Int("size", len(data)))

	return data, nil
}

// Put replaces the value stored under key. The value is written to a
// temporary file which is synced and renamed over the target, and the
// directory is synced afterwards, so a crash leaves either the old or the
// new value.
func (b *FileBackend) Put(ctx context.Context, key interfaces.StateKey, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	fileName := keyFileName(key)
	filePath := filepath.Join(b.baseDir, fileName)

	tmp, err := os.CreateTemp(b.baseDir, "."+fileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	if _, err := tmp.Write(value); err != nil {
		cleanup()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		cleanup()
		return fmt.Errorf("failed to set file permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	if err := syncDir(b.baseDir); err != nil {
		return fmt.Errorf("failed to sync directory: %w", err)
	}

	b.log.Debug("Wrote state to file",
		slog.String("path", filePath),
		slog.Int("size", len(value)))

	return nil
}

// Delete removes the file stored under key.
func (b *FileBackend) Delete(ctx context.Context, key interfaces.StateKey) error {
	err := os.Remove(b.getFilePath(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove file: %w", err)
	}
	return nil
}

// Available checks if the file backend is accessible by verifying the base directory exists.
func (b *FileBackend) Available(ctx context.Context) bool {
	_, err := os.Stat(b.baseDir)
	if err != nil {
		b.log.Debug("File backend unavailable", "err", err)
		return false
	}
	return true
}

// Name returns a unique identifier for this storage backend.
func (b *FileBackend) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}

// LocationURI returns the URI that identifies this storage backend.
func (b *FileBackend) LocationURI() string {
	return b.locationURI
}

func (b *FileBackend) getFilePath(key interfaces.StateKey) string {
	return filepath.Join(b.baseDir, keyFileName(key))
}

// keyFileName maps a key to its file name. Plain keys are upper-case hex,
// so the lower-case digest prefix cannot collide with them.
func keyFileName(key interfaces.StateKey) string {
	if len(key) <= maxKeyFileName {
		return key.String()
	}
	sum := sha256.Sum256([]byte(key))
	return "sha256-" + hex.EncodeToString(sum[:])
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
