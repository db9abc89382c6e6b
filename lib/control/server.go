// Copyright 2026 The Remodance Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/remodance/remodance/lib/codec"
	"github.com/remodance/remodance/lib/fault"
)

// ActionFunc handles one request. raw is the complete CBOR request,
// including the "action" field. A nil result produces {ok: true}.
type ActionFunc func(ctx context.Context, raw []byte) (any, error)

// StreamFunc handles a stream request. It calls stream.Accept once it
// is ready to produce values (Send accepts implicitly), then sends
// until ctx is done or a send fails. ctx is cancelled when the client
// hangs up. An error returned before accepting is sent to the client
// as a failure response.
type StreamFunc func(ctx context.Context, raw []byte, stream *ServerStream) error

// ServerStream is the server side of an open stream.
type ServerStream struct {
	conn     net.Conn
	encoder  *codec.Encoder
	accepted bool
}

// Accept writes the success acknowledgement. Calling it again does
// nothing.
func (s *ServerStream) Accept() error {
	if s.accepted {
		return nil
	}
	s.accepted = true
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.encoder.Encode(Response{OK: true})
}

// Send writes one value, accepting the stream first if needed.
func (s *ServerStream) Send(value any) error {
	if err := s.Accept(); err != nil {
		return err
	}
	return s.encoder.Encode(value)
}

// Response is the envelope of every reply.
type Response struct {
	OK       bool             `cbor:"ok"`
	Error    string           `cbor:"error,omitempty"`
	Category string           `cbor:"category,omitempty"`
	Hint     string           `cbor:"hint,omitempty"`
	Data     codec.RawMessage `cbor:"data,omitempty"`
}

// Server serves the control protocol on a Unix socket.
type Server struct {
	socketPath string
	logger     *slog.Logger

	handlers map[string]ActionFunc
	streams  map[string]StreamFunc

	activeConnections sync.WaitGroup
}

// NewServer returns a Server for socketPath. Register actions before
// calling Serve.
func NewServer(socketPath string, logger *slog.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		logger:     logger,
		handlers:   make(map[string]ActionFunc),
		streams:    make(map[string]StreamFunc),
	}
}

// Handle registers a request-response action. It panics on a
// duplicate name.
func (s *Server) Handle(action string, handler ActionFunc) {
	s.checkUnique(action)
	s.handlers[action] = handler
}

// HandleStream registers a stream action. It panics on a duplicate
// name.
func (s *Server) HandleStream(action string, handler StreamFunc) {
	s.checkUnique(action)
	s.streams[action] = handler
}

func (s *Server) checkUnique(action string) {
	_, isAction := s.handlers[action]
	_, isStream := s.streams[action]
	if isAction || isStream {
		panic(fmt.Sprintf("control.Server: duplicate handler for action %q", action))
	}
}

// Serve accepts connections until ctx is cancelled, then waits for
// active handlers to return. A stale socket file is replaced; the
// socket file is removed on return.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("restricting socket permissions: %w", err)
	}

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("control socket listening", "path", s.socketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.activeConnections.Wait()
	return nil
}

const (
	readTimeout    = 30 * time.Second
	writeTimeout   = 10 * time.Second
	maxRequestSize = 64 * 1024
)

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	var raw codec.RawMessage
	if err := codec.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		s.writeError(conn, fmt.Errorf("invalid request: %w", err))
		return
	}
	conn.SetReadDeadline(time.Time{})

	var header struct {
		Action string `cbor:"action"`
	}
	if err := codec.Unmarshal(raw, &header); err != nil {
		s.writeError(conn, fmt.Errorf("invalid request: %w", err))
		return
	}
	if header.Action == "" {
		s.writeError(conn, errors.New("missing required field: action"))
		return
	}

	if stream, ok := s.streams[header.Action]; ok {
		s.serveStream(ctx, conn, header.Action, raw, stream)
		return
	}

	handler, ok := s.handlers[header.Action]
	if !ok {
		s.writeError(conn, fmt.Errorf("unknown action %q", header.Action))
		return
	}

	result, err := handler(ctx, []byte(raw))
	if err != nil {
		s.logger.Debug("action failed", "action", header.Action, "error", err)
		s.writeError(conn, err)
		return
	}
	s.writeSuccess(conn, result)
}

// serveStream runs a stream handler until the client disconnects or
// ctx ends.
func (s *Server) serveStream(ctx context.Context, conn net.Conn, action string, raw []byte, handler StreamFunc) {
	streamContext, cancel := context.WithCancel(ctx)
	defer cancel()

	// The client never writes after its request; a read returning
	// means it hung up.
	go func() {
		var discard [1]byte
		conn.Read(discard[:])
		cancel()
	}()

	stream := &ServerStream{
		conn:    conn,
		encoder: codec.NewEncoder(deadlineWriter{conn}),
	}
	err := handler(streamContext, raw, stream)
	if err == nil {
		// A handler that returns without sending still owes the
		// client an acknowledgement.
		stream.Accept()
		return
	}
	if !stream.accepted {
		s.writeError(conn, err)
		return
	}
	if streamContext.Err() == nil {
		s.logger.Debug("stream ended with error", "action", action, "error", err)
	}
}

// deadlineWriter refreshes the write deadline before every write so
// a stuck client cannot hold a stream handler forever.
type deadlineWriter struct {
	conn net.Conn
}

func (w deadlineWriter) Write(data []byte) (int, error) {
	w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return w.conn.Write(data)
}

func (s *Server) writeError(conn net.Conn, err error) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	response := Response{
		OK:       false,
		Error:    err.Error(),
		Category: string(fault.CategoryOf(err)),
		Hint:     fault.HintOf(err),
	}
	if encodeErr := codec.NewEncoder(conn).Encode(response); encodeErr != nil {
		s.logger.Debug("failed to write error response", "error", encodeErr)
	}
}

func (s *Server) writeSuccess(conn net.Conn, result any) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	response := Response{OK: true}
	if result != nil {
		data, err := codec.Marshal(result)
		if err != nil {
			s.writeError(conn, fmt.Errorf("internal: marshaling response: %w", err))
			return
		}
		response.Data = data
	}
	if err := codec.NewEncoder(conn).Encode(response); err != nil {
		s.logger.Debug("failed to write success response", "error", err)
	}
}
