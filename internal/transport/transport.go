// Package transport implements length-framed message exchange over TCP:
// dial-with-timeout request/response for outbound RPCs, and an accept loop
// that dispatches each connection to a supplied handler for inbound RPCs.
//
// Every message is preceded by a 4-byte big-endian length prefix followed
// by that many bytes of payload. Transient failures (refused connections,
// timeouts, resets, malformed frames) are absorbed here and surfaced to
// the caller as "no response received" — never as an error that escalates
// past the single connection involved.
package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mathdee/raftkv/internal/codec"
)

// maxFrameLength bounds the length prefix to guard against a corrupt or
// hostile peer claiming an absurd payload size.
const maxFrameLength = 64 << 20 // 64 MiB

// Handler processes one inbound message and returns the reply to write
// back on the same connection. A nil reply with a nil error means the
// message is dropped silently (e.g. an unrecognized msg_type).
type Handler func(ctx context.Context, msg codec.Message) (*codec.Message, error)

// Server accepts framed connections on a single TCP port and dispatches
// each to a Handler installed via Serve.
type Server struct {
	listenPort int
	logger     *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
	closed   bool
}

// NewServer constructs a Server bound to listenPort. The listener itself
// is not opened until Serve is called.
func NewServer(listenPort int, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{listenPort: listenPort, logger: logger}
}

// Serve opens the listening socket and accepts connections until Stop is
// called. Each accepted connection is read once, dispatched to handler,
// and closed after the response (if any) is written. Serve blocks; callers
// typically run it in its own goroutine.
func (s *Server) Serve(handler Handler) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.listenPort))
	if err != nil {
		return fmt.Errorf("transport: bind port %d: %w", s.listenPort, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("transport listening", zap.Int("port", s.listenPort))

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			s.logger.Debug("accept error", zap.Error(err))
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn, handler)
		}()
	}
}

// Stop closes the listener and waits for in-flight handlers to finish or
// be dropped by their connection closing.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.closed = true
	ln := s.listener
	s.mu.Unlock()

	if ln == nil {
		return nil
	}
	err := ln.Close()
	s.wg.Wait()
	return err
}

func (s *Server) handleConn(conn net.Conn, handler Handler) {
	defer conn.Close()

	body, err := readFrame(conn)
	if err != nil {
		s.logger.Debug("dropping connection: malformed frame", zap.Error(err))
		return
	}

	msg, err := codec.Unmarshal(body)
	if err != nil {
		s.logger.Debug("dropping connection: decode failure", zap.Error(err))
		return
	}

	resp, err := handler(context.Background(), msg)
	if err != nil {
		s.logger.Debug("handler error, dropping connection", zap.Error(err))
		return
	}
	if resp == nil {
		return
	}

	if err := writeFrame(conn, *resp); err != nil {
		s.logger.Debug("failed writing response", zap.Error(err))
	}
}

// IsSelf reports whether peer identifies this server's own listen address:
// a loopback alias host with a matching port.
func (s *Server) IsSelf(peer Peer) bool {
	return loopbackAliases[peer.Host] && peer.Port == s.listenPort
}

// SendWithResponse dials peer with timeout, writes one framed message,
// reads one framed reply, and closes the connection. It returns nil on
// any failure: refused connections, timeouts, resets, and malformed
// replies are all "no response received" to the caller.
func SendWithResponse(ctx context.Context, peer Peer, msg codec.Message, timeout time.Duration) *codec.Message {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", peer.Addr())
	if err != nil {
		return nil
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	_ = conn.SetDeadline(deadline)

	if err := writeFrame(conn, msg); err != nil {
		return nil
	}

	body, err := readFrame(conn)
	if err != nil {
		return nil
	}

	resp, err := codec.Unmarshal(body)
	if err != nil {
		return nil
	}
	return &resp
}

func writeFrame(w io.Writer, msg codec.Message) error {
	body, err := codec.Marshal(msg)
	if err != nil {
		return err
	}
	if len(body) > maxFrameLength {
		return errors.New("transport: payload exceeds max frame length")
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))

	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > maxFrameLength {
		return nil, fmt.Errorf("transport: frame length %d exceeds max", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}
