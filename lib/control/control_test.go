// Copyright 2026 The Remodance Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/remodance/remodance/lib/codec"
	"github.com/remodance/remodance/lib/fault"
	"github.com/remodance/remodance/lib/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	for {
		if _, err := os.Stat(path); err == nil {
			return
		}
		if t.Context().Err() != nil {
			t.Fatalf("socket %s did not appear before test context expired", path)
		}
		runtime.Gosched()
	}
}

// serve starts server and returns a client for it. The server stops
// at test cleanup.
func serve(t *testing.T, server *Server, socketPath string) *Client {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := server.Serve(ctx); err != nil {
			t.Errorf("Serve: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		testutil.RequireClosed(t, done, 5*time.Second, "server did not stop")
	})
	waitForSocket(t, socketPath)
	return NewClient(socketPath)
}

type echoRequest struct {
	Action string `cbor:"action"`
	Text   string `cbor:"text"`
}

type echoResponse struct {
	Text string `cbor:"text"`
}

func TestCallRoundTrip(t *testing.T) {
	socketPath := filepath.Join(testutil.SocketDir(t), "control.sock")
	server := NewServer(socketPath, testLogger())
	server.Handle("echo", func(ctx context.Context, raw []byte) (any, error) {
		var request echoRequest
		if err := codec.Unmarshal(raw, &request); err != nil {
			return nil, err
		}
		return echoResponse{Text: request.Text}, nil
	})
	server.Handle("ping", func(ctx context.Context, raw []byte) (any, error) {
		return nil, nil
	})
	client := serve(t, server, socketPath)

	var response echoResponse
	if err := client.Call(context.Background(), "echo", map[string]any{"text": "hello"}, &response); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if response.Text != "hello" {
		t.Errorf("echo = %q, want hello", response.Text)
	}
	if err := client.Call(context.Background(), "ping", nil, nil); err != nil {
		t.Errorf("ping: %v", err)
	}

	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatalf("stat socket: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("socket mode = %o, want 600", info.Mode().Perm())
	}
}

func TestCallCarriesFaultDetails(t *testing.T) {
	socketPath := filepath.Join(testutil.SocketDir(t), "control.sock")
	server := NewServer(socketPath, testLogger())
	server.Handle("save", func(ctx context.Context, raw []byte) (any, error) {
		return nil, fault.Configuration("settings", errors.New("username is required")).
			WithHint("fill in the username")
	})
	client := serve(t, server, socketPath)

	err := client.Call(context.Background(), "save", nil, nil)
	var controlError *Error
	if !errors.As(err, &controlError) {
		t.Fatalf("error %v is not *Error", err)
	}
	if controlError.Category != fault.CategoryConfiguration || controlError.Hint != "fill in the username" {
		t.Errorf("error = %+v", controlError)
	}

	err = client.Call(context.Background(), "missing", nil, nil)
	if !errors.As(err, &controlError) || controlError.Message != `unknown action "missing"` {
		t.Errorf("unknown action: %v", err)
	}
}

func TestCallWithoutAgent(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "absent.sock"))
	err := client.Call(context.Background(), "status", nil, nil)
	if !fault.Is(err, fault.CategoryTransient) || fault.HintOf(err) == "" {
		t.Errorf("error = %v, want transient fault with a hint", err)
	}
}

func TestStream(t *testing.T) {
	socketPath := filepath.Join(testutil.SocketDir(t), "control.sock")
	server := NewServer(socketPath, testLogger())
	ended := make(chan struct{})
	server.HandleStream("count", func(ctx context.Context, raw []byte, stream *ServerStream) error {
		defer close(ended)
		for i := 1; ; i++ {
			if err := stream.Send(i); err != nil {
				return err
			}
			if i == 3 {
				<-ctx.Done()
				return nil
			}
		}
	})
	client := serve(t, server, socketPath)

	stream, err := client.Stream(context.Background(), "count", nil)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	for want := 1; want <= 3; want++ {
		var got int
		if err := stream.Next(&got); err != nil {
			t.Fatalf("Next: %v", err)
		}
		if got != want {
			t.Fatalf("got %d, want %d", got, want)
		}
	}

	stream.Close()
	testutil.RequireClosed(t, ended, 5*time.Second, "stream handler did not observe the hang-up")
}

func TestStreamEndsOnServerShutdown(t *testing.T) {
	socketPath := filepath.Join(testutil.SocketDir(t), "control.sock")
	server := NewServer(socketPath, testLogger())
	server.HandleStream("wait", func(ctx context.Context, raw []byte, stream *ServerStream) error {
		if err := stream.Accept(); err != nil {
			return err
		}
		<-ctx.Done()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		server.Serve(ctx)
	}()
	waitForSocket(t, socketPath)

	stream, err := NewClient(socketPath).Stream(context.Background(), "wait", nil)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer stream.Close()

	cancel()
	testutil.RequireClosed(t, done, 5*time.Second, "server did not stop")

	var value any
	if err := stream.Next(&value); !errors.Is(err, io.EOF) {
		t.Errorf("Next after shutdown = %v, want io.EOF", err)
	}
	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Errorf("socket file left behind: %v", err)
	}
}

func TestStreamRejectedBeforeAccept(t *testing.T) {
	socketPath := filepath.Join(testutil.SocketDir(t), "control.sock")
	server := NewServer(socketPath, testLogger())
	server.HandleStream("follow", func(ctx context.Context, raw []byte, stream *ServerStream) error {
		return fault.Permanent("follow", errors.New("nothing to follow"))
	})
	client := serve(t, server, socketPath)

	_, err := client.Stream(context.Background(), "follow", nil)
	var controlError *Error
	if !errors.As(err, &controlError) || controlError.Category != fault.CategoryPermanent {
		t.Errorf("Stream error = %v, want permanent *Error", err)
	}
}

func TestDuplicateHandlerPanics(t *testing.T) {
	server := NewServer("unused", testLogger())
	server.Handle("status", func(ctx context.Context, raw []byte) (any, error) { return nil, nil })
	defer func() {
		if recover() == nil {
			t.Error("expected panic for duplicate action")
		}
	}()
	server.HandleStream("status", func(ctx context.Context, raw []byte, stream *ServerStream) error { return nil })
}
