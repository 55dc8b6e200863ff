// Package rpc is the out-of-process transport (component D1): a Unix
// domain socket carrying wire-framed VM_EXEC_REQUEST messages from the
// admin CLI to the daemon, and the JSON response back.
//
// Grounded on internal/ipc/server.go's accept-loop-plus-handleConn
// shape and internal/ipc/client.go's connect-dial-and-socket-path
// conventions, narrowed from that package's general multi-opcode RPC
// surface to the one message type it carries (VM_EXEC_REQUEST).
package rpc

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync/atomic"

	"github.com/tinyrange/ebpfvm/internal/wire"
)

// maxPayloadLen bounds how large a single framed payload this
// transport will allocate for, regardless of what a header claims.
// Far larger than any real program image or response this system
// produces; its purpose is only to stop a malformed or hostile header
// from forcing a multi-gigabyte allocation.
const maxPayloadLen = 16 << 20

// Dispatcher handles one decoded VM_EXEC_REQUEST payload and returns
// the response bytes to send back, or an error to report as a wire
// error instead.
type Dispatcher func(payload []byte) ([]byte, error)

// Server accepts connections on a Unix socket and serves each with a
// dispatcher, one goroutine per connection.
type Server struct {
	listener net.Listener
	path     string
	dispatch Dispatcher
	logger   *slog.Logger
	closed   atomic.Bool
}

// NewServer listens on path, removing any stale socket file first.
func NewServer(path string, dispatch Dispatcher, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	_ = os.Remove(path)

	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("rpc: listen on %s: %w", path, err)
	}
	return &Server{listener: l, path: path, dispatch: dispatch, logger: logger}, nil
}

// Path returns the socket path the server is listening on.
func (s *Server) Path() string { return s.path }

// Serve accepts connections until Close is called.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			return fmt.Errorf("rpc: accept: %w", err)
		}
		go s.handleConn(conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	s.closed.Store(true)
	return s.listener.Close()
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	for {
		header, err := wire.ReadHeader(conn)
		if err != nil {
			if err != io.EOF {
				s.logger.Warn("rpc: read header", "err", err)
			}
			return
		}

		if header.Length > maxPayloadLen {
			s.logger.Warn("rpc: header declares oversized payload", "length", header.Length)
			return
		}
		payload := make([]byte, header.Length)
		if header.Length > 0 {
			if _, err := io.ReadFull(conn, payload); err != nil {
				s.logger.Warn("rpc: read payload", "err", err)
				return
			}
		}

		if header.Type != wire.MsgVMExecRequest {
			s.logger.Warn("rpc: unexpected message type", "type", header.Type)
			continue
		}

		resp, err := s.dispatch(payload)
		if err != nil {
			s.logger.Warn("rpc: dispatch failed", "err", err)
			errPayload := wire.Response{Error: err.Error()}.Encode()
			if writeErr := wire.WriteHeader(conn, wire.Header{Type: wire.MsgVMExecRequest, Length: uint32(len(errPayload))}); writeErr != nil {
				return
			}
			if _, writeErr := conn.Write(errPayload); writeErr != nil {
				return
			}
			continue
		}

		if err := wire.WriteHeader(conn, wire.Header{Type: wire.MsgVMExecRequest, Length: uint32(len(resp))}); err != nil {
			return
		}
		if len(resp) > 0 {
			if _, err := conn.Write(resp); err != nil {
				return
			}
		}
	}
}

// Client is a connection to the daemon's admin socket.
type Client struct {
	conn net.Conn
}

// Dial connects to the daemon listening on path.
func Dial(path string) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("rpc: dial %s: %w", path, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// Execute sends a VM_EXEC_REQUEST payload and returns the response
// payload.
func (c *Client) Execute(payload []byte) ([]byte, error) {
	if err := wire.WriteHeader(c.conn, wire.Header{Type: wire.MsgVMExecRequest, Length: uint32(len(payload))}); err != nil {
		return nil, fmt.Errorf("rpc: write header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := c.conn.Write(payload); err != nil {
			return nil, fmt.Errorf("rpc: write payload: %w", err)
		}
	}

	header, err := wire.ReadHeader(c.conn)
	if err != nil {
		return nil, fmt.Errorf("rpc: read header: %w", err)
	}
	if header.Length > maxPayloadLen {
		return nil, fmt.Errorf("rpc: response header declares oversized payload (%d bytes)", header.Length)
	}
	resp := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(c.conn, resp); err != nil {
			return nil, fmt.Errorf("rpc: read payload: %w", err)
		}
	}
	return resp, nil
}
