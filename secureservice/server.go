package secureservice

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
)

// PublicKeySource supplies the key served by Server.
type PublicKeySource func(ctx context.Context) ([]byte, error)

// Server is the guest side of the protocol. The guest payload runs it on a
// vsock listener; the host uses it in tests and for non-protected VMs.
type Server struct {
	publicKey PublicKeySource
	log       *slog.Logger

	wg sync.WaitGroup
}

// NewServer creates a server answering with keys from publicKey.
func NewServer(publicKey PublicKeySource, log *slog.Logger) *Server {
	return &Server{publicKey: publicKey, log: log}
}

// Serve accepts connections until ln is closed or ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.wg.Wait()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(ctx, conn)
		}()
	}
}

// ServeConn answers requests on conn until the peer disconnects.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	for {
		var req Request
		if err := readMessage(conn, &req); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Warn("Failed to read secure service request", "err", err)
			}
			return
		}

		resp := s.handle(ctx, &req)
		if err := writeMessage(conn, resp); err != nil {
			s.log.Warn("Failed to write secure service response", "err", err)
			return
		}
	}
}

func (s *Server) handle(ctx context.Context, req *Request) *Response {
	resp := &Response{RequestID: req.RequestID}

	switch req.Method {
	case MethodGetSerializedPublicKey:
		key, err := s.publicKey(ctx)
		if err != nil {
			s.log.Error("Failed to obtain public key", "err", err)
			resp.Error = err.Error()
			return resp
		}
		resp.PublicKey = key
	default:
		resp.Error = "unknown method " + req.Method
	}
	return resp
}
