package interfaces

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// StateKey is the storage key a client id is persisted under.
type StateKey string

// NewStateKey encodes a client id as upper-case base16 of its UTF-8 bytes.
// The encoding is injective, so distinct ids never alias.
func NewStateKey(id ClientID) StateKey {
	return StateKey(strings.ToUpper(hex.EncodeToString([]byte(id))))
}

// ClientID decodes the key back to the client id it was derived from.
func (k StateKey) ClientID() (ClientID, error) {
	raw, err := hex.DecodeString(string(k))
	if err != nil {
		return "", fmt.Errorf("invalid state key %q: %w", string(k), err)
	}
	return ClientID(raw), nil
}

// String returns the encoded key.
func (k StateKey) String() string {
	return string(k)
}

// StorageBackendLocation represents URI for storage backend.
type StorageBackendLocation struct {
	Raw    string     // Original URI
	Scheme string     // Protocol
	Host   string     // Hostname
	Path   string     // Resource path
	Query  url.Values // Query parameters
	Auth   string     // Authentication info
}

// NewStorageBackendLocation creates a new storage location from a URI string with validation.
func NewStorageBackendLocation(uri string) (StorageBackendLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return StorageBackendLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	switch scheme {
	case "file", "memory", "s3", "vault":
	default:
		return StorageBackendLocation{}, fmt.Errorf("%w: unsupported storage scheme %q", ErrInvalidLocationURI, parsed.Scheme)
	}

	var auth string
	if parsed.User != nil {
		auth = parsed.User.String()
	}

	return StorageBackendLocation{
		Raw:    uri,
		Scheme: scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Query:  parsed.Query(),
		Auth:   auth,
	}, nil
}

// String returns the original URI string.
func (loc StorageBackendLocation) String() string {
	return loc.Raw
}

// GetParam returns a query parameter value.
func (loc StorageBackendLocation) GetParam(name string) string {
	return loc.Query.Get(name)
}

// GetParamBool returns a boolean query parameter value.
func (loc StorageBackendLocation) GetParamBool(name string) bool {
	value := loc.Query.Get(name)
	return value == "true" || value == "1" || value == "yes"
}

var (
	// ErrContentNotFound is returned by a backend when nothing is stored under a key.
	ErrContentNotFound = errors.New("content not found")

	// ErrBackendUnavailable is returned when a storage backend is not accessible.
	// This could be due to network issues, authentication failures, or service outages.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrInvalidLocationURI is returned when a storage location URI is malformed or unsupported.
	// URIs must follow the format: [scheme]://[auth@]host[:port][/path][?params]
	ErrInvalidLocationURI = errors.New("invalid storage location URI")
)

// StateBackend is a durable key to opaque-bytes store.
// Put fully overwrites and returns only once the value is durable.
type StateBackend interface {
	// Get returns the value for key or ErrContentNotFound.
	Get(ctx context.Context, key StateKey) ([]byte, error)

	// Put stores value under key, replacing any previous value.
	Put(ctx context.Context, key StateKey, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key StateKey) error

	// Available checks if backend is accessible.
	Available(ctx context.Context) bool

	// Name returns identifier for logging.
	Name() string

	// LocationURI returns URI identifying this backend.
	LocationURI() string
}

// StateBackendFactory creates storage backends.
type StateBackendFactory interface {
	// StorageBackendFor creates backend from URI.
	// Supports file://, memory://, s3://, vault://
	StorageBackendFor(locationURI StorageBackendLocation) (StateBackend, error)

	// CreateMultiBackend creates a mirrored storage backend.
	CreateMultiBackend(locationURIs []StorageBackendLocation) (StateBackend, error)
}

// StateStore is the per-client persistent state contract.
type StateStore interface {
	// ReadState returns nil, nil when nothing was ever written for id.
	ReadState(ctx context.Context, id ClientID) (*ClientPersistentState, error)

	// WriteState overwrites the state for id and returns once it is durable.
	WriteState(ctx context.Context, id ClientID, state ClientPersistentState) error
}
