// Package secureservice talks to the secure service running inside the
// provisioning VM. Messages are JSON documents behind a 4-byte big-endian
// length prefix, exchanged over a vsock stream.
package secureservice

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	// DefaultPort is the guest vsock port the secure service listens on.
	DefaultPort uint32 = 5701

	// MaxMessageSize bounds a single framed message.
	MaxMessageSize uint32 = 1 << 20

	minMessageSize uint32 = 2
)

// Method names understood by the service.
const (
	MethodGetSerializedPublicKey = "get_serialized_public_key"
)

var (
	// ErrMessageTooLarge is returned for frames above MaxMessageSize.
	ErrMessageTooLarge = errors.New("message too large")

	// ErrRequestIDMismatch is returned when a response answers another request.
	ErrRequestIDMismatch = errors.New("response request id mismatch")
)

// Request is sent by the host.
type Request struct {
	Method    string `json:"method"`
	RequestID string `json:"request_id"`
}

// Response is sent by the service. PublicKey is base64 on the wire.
type Response struct {
	RequestID string `json:"request_id"`
	PublicKey []byte `json:"public_key,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ServiceError is an error reported by the service itself.
type ServiceError struct {
	Method  string
	Message string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("secure service %s failed: %s", e.Method, e.Message)
}

func readMessage(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return err
	}

	if length < minMessageSize {
		return fmt.Errorf("message too small: %d bytes", length)
	}
	if length > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes (maximum %d)", ErrMessageTooLarge, length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return err
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return nil
}

func writeMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if uint32(len(data)) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes (maximum %d)", ErrMessageTooLarge, len(data), MaxMessageSize)
	}

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)

	_, err = w.Write(frame)
	return err
}
