package secureservice

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
)

// DefaultTimeout bounds a request when ctx carries no deadline.
const DefaultTimeout = 30 * time.Second

// Client issues requests to the secure service over an established stream.
// A Client owns its connection and is not safe for concurrent use.
type Client struct {
	conn net.Conn
	log  *slog.Logger
}

// NewClient wraps conn, typically obtained from VM.ConnectVsock.
func NewClient(conn net.Conn, log *slog.Logger) *Client {
	return &Client{conn: conn, log: log}
}

// GetSerializedPublicKey returns the service's current public keyset.
func (c *Client) GetSerializedPublicKey(ctx context.Context) ([]byte, error) {
	resp, err := c.call(ctx, MethodGetSerializedPublicKey)
	if err != nil {
		return nil, err
	}
	if len(resp.PublicKey) == 0 {
		return nil, &ServiceError{Method: MethodGetSerializedPublicKey, Message: "empty public key"}
	}
	return resp.PublicKey, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string) (*Response, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultTimeout)
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("failed to set deadline: %w", err)
	}
	defer c.conn.SetDeadline(time.Time{})

	// Unblock pending I/O when ctx is cancelled before the deadline.
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	req := Request{Method: method, RequestID: uuid.NewString()}
	c.log.Debug("Sending secure service request", slog.String("method", method), slog.String("request_id", req.RequestID))

	if err := writeMessage(c.conn, &req); err != nil {
		return nil, c.ioError(ctx, "send", err)
	}

	var resp Response
	if err := readMessage(c.conn, &resp); err != nil {
		return nil, c.ioError(ctx, "receive", err)
	}

	if resp.RequestID != req.RequestID {
		return nil, fmt.Errorf("%w: sent %s, got %s", ErrRequestIDMismatch, req.RequestID, resp.RequestID)
	}
	if resp.Error != "" {
		return nil, &ServiceError{Method: method, Message: resp.Error}
	}
	return &resp, nil
}

func (c *Client) ioError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("failed to %s request: %w", op, ctxErr)
	}
	return fmt.Errorf("failed to %s request: %w", op, err)
}
