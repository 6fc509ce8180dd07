// Package interfaces defines the core interfaces and types for the VM provisioning pipeline.
// It provides the contract between different components without implementation details.
package interfaces

import (
	"bytes"
	"context"
)

// ClientID is an opaque identifier of a protected download client.
type ClientID string

// VMClientID is the reserved id under which the shared VM state is persisted.
const VMClientID ClientID = "VM_CLIENT"

// String returns the raw id.
func (id ClientID) String() string {
	return string(id)
}

// ClientPersistentState is the durable state kept per client. It is a value
// type: derive a new state with the With* methods instead of mutating.
type ClientPersistentState struct {
	// ExternalKeyset holds the serialized keyset used with the external party.
	// For VMClientID it holds the public keyset exported by the in-VM service.
	ExternalKeyset []byte

	// PageToken is the continuation token of the last download.
	PageToken []byte

	// LastCompletionTimeMillis is the unix time in milliseconds of the last completed download.
	LastCompletionTimeMillis int64
}

// DefaultClientPersistentState is the state used when nothing was persisted yet.
func DefaultClientPersistentState() ClientPersistentState {
	return ClientPersistentState{ExternalKeyset: []byte{}, PageToken: []byte{}}
}

// HasExternalKeyset reports whether an external keyset was stored.
func (s ClientPersistentState) HasExternalKeyset() bool {
	return len(s.ExternalKeyset) > 0
}

// WithExternalKeyset returns a copy of s with the external keyset replaced.
func (s ClientPersistentState) WithExternalKeyset(keyset []byte) ClientPersistentState {
	s.ExternalKeyset = bytes.Clone(keyset)
	s.PageToken = bytes.Clone(s.PageToken)
	return s
}

// WithPageToken returns a copy of s with the page token replaced.
func (s ClientPersistentState) WithPageToken(token []byte) ClientPersistentState {
	s.ExternalKeyset = bytes.Clone(s.ExternalKeyset)
	s.PageToken = bytes.Clone(token)
	return s
}

// WithLastCompletionTimeMillis returns a copy of s with the completion time replaced.
func (s ClientPersistentState) WithLastCompletionTimeMillis(millis int64) ClientPersistentState {
	s.ExternalKeyset = bytes.Clone(s.ExternalKeyset)
	s.PageToken = bytes.Clone(s.PageToken)
	s.LastCompletionTimeMillis = millis
	return s
}

// Equal compares two states field by field.
func (s ClientPersistentState) Equal(other ClientPersistentState) bool {
	return bytes.Equal(s.ExternalKeyset, other.ExternalKeyset) &&
		bytes.Equal(s.PageToken, other.PageToken) &&
		s.LastCompletionTimeMillis == other.LastCompletionTimeMillis
}

// MasterKeyProvider supplies the device-bound key used to wrap keysets at rest.
type MasterKeyProvider interface {
	// ReadOrGenerateMasterKey returns the wrapping key, creating it on first use.
	ReadOrGenerateMasterKey(ctx context.Context) ([]byte, error)
}
