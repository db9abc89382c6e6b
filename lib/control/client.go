// Copyright 2026 The Remodance Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/remodance/remodance/lib/codec"
	"github.com/remodance/remodance/lib/fault"
)

const (
	dialTimeout         = 5 * time.Second
	responseReadTimeout = 45 * time.Second
	maxResponseSize     = 1024 * 1024
)

// Error is a failure reported by the agent.
type Error struct {
	Action   string
	Message  string
	Category fault.Category
	Hint     string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Action, e.Message)
}

// HintOf returns the remediation hint for err: the agent's hint for an
// *Error, otherwise the first hint in err's fault chain.
func HintOf(err error) string {
	var remote *Error
	if errors.As(err, &remote) {
		return remote.Hint
	}
	return fault.HintOf(err)
}

// Client talks to the agent's control socket. Each call opens its own
// connection.
type Client struct {
	socketPath string
}

// NewClient returns a Client for socketPath.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// SocketPath returns the socket the client dials.
func (c *Client) SocketPath() string {
	return c.socketPath
}

// Call sends one request and decodes the response data into result
// when both are present. fields must not contain "action". A failure
// reported by the agent is returned as *Error.
func (c *Client) Call(ctx context.Context, action string, fields map[string]any, result any) error {
	conn, err := c.open(ctx, action, fields)
	if err != nil {
		return err
	}
	defer conn.Close()

	if unixConn, ok := conn.(*net.UnixConn); ok {
		unixConn.CloseWrite()
	}

	conn.SetReadDeadline(time.Now().Add(responseReadTimeout))
	response, err := readResponse(conn)
	if err != nil {
		return fmt.Errorf("calling %q on %s: %w", action, c.socketPath, err)
	}
	if err := response.err(action); err != nil {
		return err
	}
	if result != nil && len(response.Data) > 0 {
		if err := codec.Unmarshal(response.Data, result); err != nil {
			return fmt.Errorf("decoding response data for %q: %w", action, err)
		}
	}
	return nil
}

// Stream is an open stream subscription.
type Stream struct {
	conn    net.Conn
	decoder *codec.Decoder
	stop    func() bool
}

// Stream opens a stream action. The returned Stream yields values
// until Close, the server's shutdown, or ctx cancellation.
func (c *Client) Stream(ctx context.Context, action string, fields map[string]any) (*Stream, error) {
	conn, err := c.open(ctx, action, fields)
	if err != nil {
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(responseReadTimeout))
	decoder := codec.NewDecoder(conn)
	var response Response
	if err := decoder.Decode(&response); err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening stream %q on %s: %w", action, c.socketPath, err)
	}
	if err := response.err(action); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetReadDeadline(time.Time{})

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	return &Stream{conn: conn, decoder: decoder, stop: stop}, nil
}

// Next decodes the next value into v. It returns io.EOF when the
// server ends the stream.
func (s *Stream) Next(v any) error {
	err := s.decoder.Decode(v)
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) {
		return io.EOF
	}
	return err
}

// Close ends the subscription.
func (s *Stream) Close() error {
	s.stop()
	return s.conn.Close()
}

func (c *Client) open(ctx context.Context, action string, fields map[string]any) (net.Conn, error) {
	request := make(map[string]any, len(fields)+1)
	for key, value := range fields {
		request[key] = value
	}
	request["action"] = action

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fault.Transient("control: connect", err).
			WithHint("is the agent running? start remodance-agent and try again")
	}
	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		conn.Close()
		return nil, fmt.Errorf("writing %q request: %w", action, err)
	}
	return conn, nil
}

func readResponse(conn net.Conn) (*Response, error) {
	var response Response
	if err := codec.NewDecoder(io.LimitReader(conn, maxResponseSize)).Decode(&response); err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return &response, nil
}

func (r *Response) err(action string) error {
	if r.OK {
		return nil
	}
	return &Error{
		Action:   action,
		Message:  r.Error,
		Category: fault.Category(r.Category),
		Hint:     r.Hint,
	}
}
